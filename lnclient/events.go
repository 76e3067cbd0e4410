package lnclient

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// EventType enumerates the node lifecycle events surfaced to the event log.
type EventType uint8

const (
	// EventChannelOpened fires when a channel reaches the active state.
	EventChannelOpened EventType = iota

	// EventChannelClosed fires when a channel close confirms.
	EventChannelClosed

	// EventPaymentSent fires when an outgoing payment settles.
	EventPaymentSent

	// EventPaymentReceived fires when one of our invoices settles.
	EventPaymentReceived

	// EventPeerOnline fires when a peer connection is established.
	EventPeerOnline

	// EventPeerOffline fires when a peer connection is lost.
	EventPeerOffline

	// EventTransaction fires when a relevant on-chain transaction is
	// detected.
	EventTransaction
)

// Event is a single node lifecycle event.
type Event struct {
	// Type is the event category.
	Type EventType

	// AmountSat is the amount involved, for payment and transaction
	// events.
	AmountSat btcutil.Amount

	// Detail is an event specific human readable fragment, such as a
	// peer pubkey or invoice memo.
	Detail string
}

// String renders the event as a single display line.
func (e Event) String() string {
	switch e.Type {
	case EventChannelOpened:
		return fmt.Sprintf("channel opened with %s", e.Detail)

	case EventChannelClosed:
		return fmt.Sprintf("channel closed: %s", e.Detail)

	case EventPaymentSent:
		return fmt.Sprintf("sent %s", e.AmountSat)

	case EventPaymentReceived:
		if e.Detail != "" {
			return fmt.Sprintf("received %s (%s)", e.AmountSat,
				e.Detail)
		}
		return fmt.Sprintf("received %s", e.AmountSat)

	case EventPeerOnline:
		return fmt.Sprintf("peer %s connected", e.Detail)

	case EventPeerOffline:
		return fmt.Sprintf("peer %s disconnected", e.Detail)

	case EventTransaction:
		return fmt.Sprintf("on-chain transaction %s: %s", e.Detail,
			e.AmountSat)

	default:
		return e.Detail
	}
}
