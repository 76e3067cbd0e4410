package lnclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
)

// SubscribeEvents merges the node's channel, peer, invoice, payment and
// transaction streams into a single ordered event channel. The channel is
// closed once all underlying streams have terminated, which happens when the
// context is canceled.
func (c *GRPCClient) SubscribeEvents(ctx context.Context) (<-chan Event,
	error) {

	channelStream, err := c.ln.SubscribeChannelEvents(
		ctx, &lnrpc.ChannelEventSubscription{},
	)
	if err != nil {
		return nil, fmt.Errorf("channel subscription: %w", err)
	}
	peerStream, err := c.ln.SubscribePeerEvents(
		ctx, &lnrpc.PeerEventSubscription{},
	)
	if err != nil {
		return nil, fmt.Errorf("peer subscription: %w", err)
	}
	invoiceStream, err := c.ln.SubscribeInvoices(
		ctx, &lnrpc.InvoiceSubscription{},
	)
	if err != nil {
		return nil, fmt.Errorf("invoice subscription: %w", err)
	}
	paymentStream, err := c.router.TrackPayments(
		ctx, &routerrpc.TrackPaymentsRequest{NoInflightUpdates: true},
	)
	if err != nil {
		return nil, fmt.Errorf("payment subscription: %w", err)
	}
	txStream, err := c.ln.SubscribeTransactions(
		ctx, &lnrpc.GetTransactionsRequest{},
	)
	if err != nil {
		return nil, fmt.Errorf("transaction subscription: %w", err)
	}

	events := make(chan Event)

	var wg sync.WaitGroup
	emit := func(ev Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	wg.Add(5)
	go func() {
		defer wg.Done()
		for {
			update, err := channelStream.Recv()
			if err != nil {
				return
			}
			if ev, ok := channelEvent(update); ok {
				emit(ev)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			update, err := peerStream.Recv()
			if err != nil {
				return
			}
			emit(peerEvent(update))
		}
	}()
	go func() {
		defer wg.Done()
		for {
			invoice, err := invoiceStream.Recv()
			if err != nil {
				return
			}
			if invoice.State != lnrpc.Invoice_SETTLED {
				continue
			}
			emit(Event{
				Type:      EventPaymentReceived,
				AmountSat: btcutil.Amount(invoice.AmtPaidSat),
				Detail:    invoice.Memo,
			})
		}
	}()
	go func() {
		defer wg.Done()
		for {
			payment, err := paymentStream.Recv()
			if err != nil {
				return
			}
			if payment.Status != lnrpc.Payment_SUCCEEDED {
				continue
			}
			emit(Event{
				Type:      EventPaymentSent,
				AmountSat: btcutil.Amount(payment.ValueSat),
			})
		}
	}()
	go func() {
		defer wg.Done()
		for {
			tx, err := txStream.Recv()
			if err != nil {
				return
			}
			// Only announce the first confirmation, not every
			// subsequent one.
			if tx.NumConfirmations != 1 {
				continue
			}
			emit(Event{
				Type:      EventTransaction,
				AmountSat: btcutil.Amount(tx.Amount),
				Detail:    tx.TxHash,
			})
		}
	}()

	go func() {
		wg.Wait()
		close(events)
	}()

	return events, nil
}

// channelEvent converts a channel event update into an Event, skipping the
// update types the event log does not display.
func channelEvent(update *lnrpc.ChannelEventUpdate) (Event, bool) {
	switch update.Type {
	case lnrpc.ChannelEventUpdate_OPEN_CHANNEL:
		ch := update.GetOpenChannel()
		if ch == nil {
			return Event{}, false
		}
		return Event{
			Type:      EventChannelOpened,
			AmountSat: btcutil.Amount(ch.Capacity),
			Detail:    shortPubKey(ch.RemotePubkey),
		}, true

	case lnrpc.ChannelEventUpdate_CLOSED_CHANNEL:
		ch := update.GetClosedChannel()
		if ch == nil {
			return Event{}, false
		}
		return Event{
			Type:      EventChannelClosed,
			AmountSat: btcutil.Amount(ch.SettledBalance),
			Detail:    ch.CloseType.String(),
		}, true

	default:
		return Event{}, false
	}
}

// peerEvent converts a peer event update into an Event.
func peerEvent(update *lnrpc.PeerEvent) Event {
	eventType := EventPeerOnline
	if update.Type == lnrpc.PeerEvent_PEER_OFFLINE {
		eventType = EventPeerOffline
	}

	return Event{
		Type:   eventType,
		Detail: shortPubKey(update.PubKey),
	}
}

// shortPubKey abbreviates a hex pubkey for display.
func shortPubKey(pubKey string) string {
	if len(pubKey) <= 16 {
		return pubKey
	}
	return pubKey[:16] + "..."
}
