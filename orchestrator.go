package utwallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/ticker"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/ulrichard/utwallet/balance"
	"github.com/ulrichard/utwallet/chanmgr"
	"github.com/ulrichard/utwallet/chainwallet"
	"github.com/ulrichard/utwallet/dispatch"
	"github.com/ulrichard/utwallet/esplora"
	"github.com/ulrichard/utwallet/eventlog"
	"github.com/ulrichard/utwallet/inputeval"
	"github.com/ulrichard/utwallet/lnclient"
	"github.com/ulrichard/utwallet/lnurl"
	"github.com/ulrichard/utwallet/rates"
	"github.com/ulrichard/utwallet/sweep"
)

// ErrInvalidInput wraps a classification rejection. It is always recoverable
// by the user correcting the input.
var ErrInvalidInput = errors.New("invalid payment input")

const (
	// qrImageSize is the pixel edge length of generated QR codes.
	qrImageSize = 512

	// healthCheckInterval is how often collaborator liveness is probed.
	healthCheckInterval = time.Minute

	// healthCheckTimeout bounds a single liveness probe.
	healthCheckTimeout = 30 * time.Second

	// mempoolDateLabel is shown instead of a date for unconfirmed
	// transactions.
	mempoolDateLabel = "mempool"
)

// Deps packages the collaborator handles the orchestrator owns. The wallet
// engine and node are external collaborators; everything else is
// constructed internally.
type Deps struct {
	// Wallet is the on-chain wallet engine.
	Wallet chainwallet.Wallet

	// Node is the Lightning node.
	Node lnclient.Lightning

	// Chain is the Esplora chain backend.
	Chain *esplora.Client

	// RateSource quotes the fiat price of bitcoin.
	RateSource rates.Source

	// Clock is the time source. A nil value selects the system clock.
	Clock clock.Clock
}

// EvaluatedInput is the structured result of classifying a raw input
// together with the user's amount and description fields.
type EvaluatedInput struct {
	// Kind is the detected payment format.
	Kind inputeval.Kind

	// Recipient is the normalized recipient display string.
	Recipient string

	// Amount is the resolved amount, after target embedded amounts are
	// reconciled with the user field.
	Amount fn.Option[btcutil.Amount]

	// Description is the resolved description.
	Description string
}

// Orchestrator owns the wallet and node handles and exposes the operation
// surface consumed by the UI layer. It is constructed once at startup and
// every operation goes through it; nothing mutates the underlying state
// behind its back.
type Orchestrator struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg *Config

	wallet chainwallet.Wallet
	node   lnclient.Lightning
	chain  *esplora.Client
	clock  clock.Clock

	balances   *balance.Aggregator
	channels   *chanmgr.Manager
	dispatcher *dispatch.Dispatcher
	events     *eventlog.Log
	rateCache  *rates.Cache

	health *healthcheck.Monitor
}

// NewOrchestrator builds the component graph on top of the collaborator
// handles.
func NewOrchestrator(cfg *Config, deps Deps) (*Orchestrator, error) {
	clk := deps.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	events, err := eventlog.New(deps.Node, cfg.EventLogCapacity, clk)
	if err != nil {
		return nil, err
	}

	channels := chanmgr.NewManager(chanmgr.Config{
		Node:          deps.Node,
		DefaultPeer:   cfg.PeerAddr,
		ConfirmTicker: ticker.New(cfg.ChannelPollInterval),
		OpenTimeout:   cfg.ChannelOpenTimeout,
		Clock:         clk,
	})

	sweeper := sweep.New(sweep.Config{
		Chain:  deps.Chain,
		Wallet: deps.Wallet,
		Net:    cfg.ActiveNetParams,
	})

	dispatcher := dispatch.New(dispatch.Config{
		Wallet:  deps.Wallet,
		Node:    deps.Node,
		Lnurl:   lnurl.NewClient(),
		Sweeper: sweeper,
		Net:     cfg.ActiveNetParams,
		Clock:   clk,
	})

	return &Orchestrator{
		cfg:        cfg,
		wallet:     deps.Wallet,
		node:       deps.Node,
		chain:      deps.Chain,
		clock:      clk,
		balances:   balance.NewAggregator(deps.Wallet, deps.Node),
		channels:   channels,
		dispatcher: dispatcher,
		events:     events,
		rateCache:  rates.NewCache(deps.RateSource, clk, cfg.RateTTL),
	}, nil
}

// Start brings up the chain client, the channel manager, the event feed and
// the collaborator health monitor.
func (o *Orchestrator) Start() error {
	if !o.started.CompareAndSwap(false, true) {
		return nil
	}

	utwlLog.Infof("Starting wallet orchestrator on %s",
		o.cfg.ActiveNetParams.Name)

	if o.chain != nil {
		if err := o.chain.Start(); err != nil {
			return err
		}
	}
	if err := o.channels.Start(); err != nil {
		return err
	}
	if err := o.events.Start(); err != nil {
		// The event feed is a display concern, a node that rejects
		// the subscription must not block startup.
		utwlLog.Warnf("Event feed unavailable: %v", err)
	}

	if err := o.startHealthMonitor(); err != nil {
		return err
	}

	return nil
}

// Stop tears the orchestrator down in reverse start order.
func (o *Orchestrator) Stop() error {
	if !o.stopped.CompareAndSwap(false, true) {
		return nil
	}

	utwlLog.Info("Stopping wallet orchestrator")

	if o.health != nil {
		if err := o.health.Stop(); err != nil {
			utwlLog.Warnf("Health monitor shutdown: %v", err)
		}
	}
	if err := o.events.Stop(); err != nil {
		utwlLog.Warnf("Event log shutdown: %v", err)
	}
	if err := o.channels.Stop(); err != nil {
		utwlLog.Warnf("Channel manager shutdown: %v", err)
	}
	if o.chain != nil {
		if err := o.chain.Stop(); err != nil {
			utwlLog.Warnf("Chain client shutdown: %v", err)
		}
	}

	return nil
}

// startHealthMonitor wires liveness observations for the chain backend and
// the node. Failures are logged, not fatal: both collaborators degrade to
// cached data elsewhere.
func (o *Orchestrator) startHealthMonitor() error {
	probe := func(name string, check func(ctx context.Context) error) func() chan error {
		return func() chan error {
			errChan := make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(
					context.Background(),
					healthCheckTimeout,
				)
				defer cancel()

				if err := check(ctx); err != nil {
					errChan <- fmt.Errorf("%s: %w", name,
						err)
					return
				}
				errChan <- nil
			}()
			return errChan
		}
	}

	checks := []*healthcheck.Observation{
		{
			Check: probe("esplora", func(ctx context.Context) error {
				if o.chain == nil {
					return nil
				}
				_, err := o.chain.TipHeight(ctx)
				return err
			}),
			Interval: ticker.New(healthCheckInterval),
			Attempts: 3,
			Backoff:  time.Second,
			Timeout:  healthCheckTimeout,
		},
		{
			Check: probe("node", func(ctx context.Context) error {
				_, err := o.node.NodeInfo(ctx)
				return err
			}),
			Interval: ticker.New(healthCheckInterval),
			Attempts: 3,
			Backoff:  time.Second,
			Timeout:  healthCheckTimeout,
		},
	}

	o.health = healthcheck.NewMonitor(&healthcheck.Config{
		Checks: checks,
		Shutdown: func(format string, params ...interface{}) {
			// Collaborator outages degrade to stale data, they
			// do not bring the wallet down.
			utwlLog.Criticalf("Health check failed: "+format,
				params...)
		},
	})

	return o.health.Start()
}

// EvaluateInput classifies a raw input string and reconciles it with the
// user supplied amount and description. Invalid input returns
// ErrInvalidInput with the rejection reason attached; it never panics and
// never partially succeeds.
func (o *Orchestrator) EvaluateInput(raw, amountStr,
	desc string) (*EvaluatedInput, error) {

	target := inputeval.Evaluate(o.cfg.ActiveNetParams, raw)
	if target.Kind == inputeval.KindInvalid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput,
			target.Reason)
	}

	userAmount, err := parseUserAmount(amountStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	return &EvaluatedInput{
		Kind:        target.Kind,
		Recipient:   target.DisplayRecipient(),
		Amount:      target.EffectiveAmount(userAmount),
		Description: target.EffectiveDescription(desc),
	}, nil
}

// CurrentBalanceDisplay refreshes the aggregated balance and renders the
// display line. The fiat part is composed only when a rate is available; a
// rate source outage never fails the balance display.
func (o *Orchestrator) CurrentBalanceDisplay(ctx context.Context) (string,
	error) {

	bal, err := o.balances.Refresh(ctx)
	if err != nil {
		return "", err
	}

	onchain := bal.ConfirmedSat + bal.UnconfirmedSat
	line := fmt.Sprintf("Balance: %.8f + %.8f BTC",
		onchain.ToBTC(), bal.LightningSat.ToBTC())

	if bal.LightningStale {
		line += " (lightning stale)"
	}

	fiat, err := o.rateCache.Convert(ctx, bal.Total(), o.cfg.Currency)
	if err != nil {
		utwlLog.Debugf("No fiat conversion for balance display: %v",
			err)
		return line, nil
	}

	return line + " -> " + fiat, nil
}

// Balance refreshes and returns the aggregated balance in structured form.
func (o *Orchestrator) Balance(ctx context.Context) (balance.WalletBalance,
	error) {

	return o.balances.Refresh(ctx)
}

// ReceivingAddress derives the wallet's current on-chain receiving address.
func (o *Orchestrator) ReceivingAddress(ctx context.Context) (string,
	error) {

	addr, err := o.wallet.NewAddress(ctx)
	if err != nil {
		return "", err
	}

	return addr.String(), nil
}

// ReceivingAddressQR renders the receiving address as a QR code PNG,
// wrapped in a bitcoin: URI so scanners classify it.
func (o *Orchestrator) ReceivingAddressQR(ctx context.Context) ([]byte,
	error) {

	addr, err := o.ReceivingAddress(ctx)
	if err != nil {
		return nil, err
	}

	return qrcode.Encode("bitcoin:"+addr, qrcode.Medium, qrImageSize)
}

// CreateInvoice creates a BOLT11 invoice over the given amount and returns
// it together with its QR code PNG.
func (o *Orchestrator) CreateInvoice(ctx context.Context,
	amount btcutil.Amount, desc string) (string, []byte, error) {

	invoice, err := o.node.CreateInvoice(ctx, amount, desc)
	if err != nil {
		return "", nil, err
	}

	png, err := qrcode.Encode(
		strings.ToUpper(invoice.PaymentRequest), qrcode.Medium,
		qrImageSize,
	)
	if err != nil {
		return "", nil, err
	}

	return invoice.PaymentRequest, png, nil
}

// SendPayment classifies the raw target and dispatches the payment on the
// matching rail. A node pubkey target is routed to the channel manager
// instead of the payment dispatcher.
func (o *Orchestrator) SendPayment(ctx context.Context, rawTarget string,
	amountStr, desc string) (*dispatch.Receipt, error) {

	target := inputeval.Evaluate(o.cfg.ActiveNetParams, rawTarget)

	userAmount, err := parseUserAmount(amountStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	// Channel opens are a lifecycle operation, not a payment.
	if target.Kind == inputeval.KindNodeID {
		amount, err := userAmount.UnwrapOrErr(
			dispatch.ErrAmountRequired,
		)
		if err != nil {
			return nil, err
		}

		err = o.channels.Open(ctx, amount,
			fn.Some(&lnclient.NodeAddr{PubKey: target.NodeID}))
		if err != nil {
			return nil, err
		}

		return &dispatch.Receipt{
			Rail:      dispatch.RailOnchain,
			AmountSat: amount,
			Detail:    "channel open initiated",
		}, nil
	}

	receipt, err := o.dispatcher.Dispatch(ctx, target, userAmount, desc)
	if err != nil {
		return nil, err
	}

	o.events.Append(fmt.Sprintf("sent %v via %v", receipt.AmountSat,
		receipt.Rail))

	return receipt, nil
}

// OpenChannel opens the wallet's single channel. The peer target may be a
// pubkey@host address, a bare pubkey hex string, or empty to use the
// configured default peer.
func (o *Orchestrator) OpenChannel(ctx context.Context,
	amount btcutil.Amount, peerTarget string) error {

	peer := fn.None[*lnclient.NodeAddr]()

	if strings.TrimSpace(peerTarget) != "" {
		addr, err := lnclient.ParseNodeAddr(peerTarget)
		switch {
		case err == nil:
			peer = fn.Some(addr)

		default:
			target := inputeval.Evaluate(
				o.cfg.ActiveNetParams, peerTarget,
			)
			if target.Kind != inputeval.KindNodeID {
				return fmt.Errorf("%w: %q is not a node "+
					"pubkey or address", ErrInvalidInput,
					peerTarget)
			}
			peer = fn.Some(&lnclient.NodeAddr{
				PubKey: target.NodeID,
			})
		}
	}

	return o.channels.Open(ctx, amount, peer)
}

// CloseChannel closes the wallet's channel.
func (o *Orchestrator) CloseChannel(ctx context.Context) error {
	return o.channels.Close(ctx)
}

// ChannelStatus returns the display string for the channel's local balance
// ratio, or None when no channel exists.
func (o *Orchestrator) ChannelStatus(ctx context.Context) fn.Option[string] {
	status := o.channels.Status(ctx)
	if status.IsNone() {
		return fn.None[string]()
	}

	ch := status.UnwrapOr(chanmgr.Channel{})

	return fn.Some(fmt.Sprintf("%s: %.2f of %.8f BTC local",
		ch.State, ch.LocalRatio(), ch.CapacitySat.ToBTC()))
}

// RecentEvents renders the retained node events, oldest first.
func (o *Orchestrator) RecentEvents() string {
	return o.events.Render()
}

// RefreshExchangeRate refreshes the fiat rate and appends the quote to the
// event log.
func (o *Orchestrator) RefreshExchangeRate(
	ctx context.Context) (rates.ExchangeRate, error) {

	rate, err := o.rateCache.Rate(ctx, o.cfg.Currency)
	if err != nil {
		return rates.ExchangeRate{}, err
	}

	o.events.Append(fmt.Sprintf("1 BTC = %s %s",
		rate.Rate.StringFixed(2), rate.Currency))

	return rate, nil
}

// ToFiat renders the given amount in the configured fiat currency.
func (o *Orchestrator) ToFiat(ctx context.Context,
	amount btcutil.Amount) (string, error) {

	return o.rateCache.Convert(ctx, amount, o.cfg.Currency)
}

// RecentTransactions renders the on-chain transaction history, newest
// first. Unconfirmed transactions sort to the top and show "mempool"
// instead of a date.
func (o *Orchestrator) RecentTransactions(ctx context.Context) (string,
	error) {

	txns, err := o.wallet.ListTransactions(ctx)
	if err != nil {
		return "", err
	}

	sort.SliceStable(txns, func(i, j int) bool {
		// Mempool entries first, then newest first.
		if (txns[i].Confirmations == 0) !=
			(txns[j].Confirmations == 0) {

			return txns[i].Confirmations == 0
		}
		return txns[i].Timestamp.After(txns[j].Timestamp)
	})

	lines := make([]string, 0, len(txns))
	for _, tx := range txns {
		date := mempoolDateLabel
		if tx.Confirmations > 0 {
			date = tx.Timestamp.Format("2006-01-02 15:04")
		}

		lines = append(lines, fmt.Sprintf("%s  %.6f BTC", date,
			tx.AmountSat.ToBTC()))
	}

	return strings.Join(lines, "\n"), nil
}

// parseUserAmount maps the UI's BTC decimal amount field to an optional
// amount. The empty string means unset.
func parseUserAmount(amountStr string) (fn.Option[btcutil.Amount], error) {
	amount, err := inputeval.ParseBitcoinAmount(amountStr)
	if err != nil {
		return fn.None[btcutil.Amount](), err
	}
	if amount == 0 {
		return fn.None[btcutil.Amount](), nil
	}

	return fn.Some(amount), nil
}
