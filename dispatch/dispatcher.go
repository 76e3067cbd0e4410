// Package dispatch routes a classified payment target to its settlement
// rail: on-chain broadcast, Lightning payment, LNURL exchange or key sweep.
// Exactly one settlement attempt is made per call and a failed attempt
// leaves all wallet state untouched.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/ulrichard/utwallet/chainwallet"
	"github.com/ulrichard/utwallet/inputeval"
	"github.com/ulrichard/utwallet/lnclient"
	"github.com/ulrichard/utwallet/lnurl"
	"github.com/ulrichard/utwallet/sweep"
)

var (
	// ErrParse is returned when an invalid target is dispatched. The
	// reason from classification is attached.
	ErrParse = errors.New("unrecognized payment input")

	// ErrAmountRequired is returned when the rail needs an amount and
	// neither the user nor the target supplied one.
	ErrAmountRequired = errors.New("amount required")

	// ErrAmountMismatch is returned when an exchanged invoice does not
	// carry the amount that was requested.
	ErrAmountMismatch = errors.New("invoice amount does not match " +
		"requested amount")

	// ErrInvoiceExpired is returned when a BOLT11 invoice's expiry has
	// passed. No network call is made for expired invoices.
	ErrInvoiceExpired = errors.New("invoice expired")

	// ErrDispatchInFlight is returned when a dispatch is attempted while
	// another one is still running. Payments are serialized to avoid
	// double spend races against the same UTXO and channel state.
	ErrDispatchInFlight = errors.New("another payment is in flight")

	// ErrChannelTarget is returned when a node pubkey is dispatched as a
	// payment. Channel opens go through the channel manager instead.
	ErrChannelTarget = errors.New("node pubkey targets a channel open, " +
		"not a payment")

	// ErrDustAmount is returned when an on-chain amount is below the
	// dust threshold.
	ErrDustAmount = errors.New("amount is below the dust threshold")
)

// Rail identifies the settlement path a receipt came from.
type Rail uint8

const (
	// RailOnchain is a broadcast on-chain transaction.
	RailOnchain Rail = iota

	// RailLightning is a BOLT11 payment.
	RailLightning

	// RailLnurlWithdraw is a withdraw negotiated over LNURL.
	RailLnurlWithdraw

	// RailSweep is a key import sweep.
	RailSweep
)

// String returns a human readable rail identifier.
func (r Rail) String() string {
	switch r {
	case RailOnchain:
		return "on-chain"
	case RailLightning:
		return "lightning"
	case RailLnurlWithdraw:
		return "lnurl-withdraw"
	case RailSweep:
		return "sweep"
	default:
		return "unknown"
	}
}

// Receipt is the structured result of a successful dispatch.
type Receipt struct {
	// Rail is the settlement path taken.
	Rail Rail

	// TxHash is set for on-chain settlements.
	TxHash fn.Option[chainhash.Hash]

	// PaymentHash is set for Lightning settlements.
	PaymentHash fn.Option[lntypes.Hash]

	// Preimage is set for outgoing Lightning payments.
	Preimage fn.Option[lntypes.Preimage]

	// AmountSat is the settled amount.
	AmountSat btcutil.Amount

	// FeeSat is the fee paid, where known.
	FeeSat btcutil.Amount

	// Detail carries rail specific extra information, such as per-sweep
	// lines.
	Detail string
}

// Config packages the collaborators of the Dispatcher.
type Config struct {
	// Wallet is the on-chain wallet engine.
	Wallet chainwallet.Wallet

	// Node is the Lightning node collaborator.
	Node lnclient.Lightning

	// Lnurl executes LNURL round trips.
	Lnurl *lnurl.Client

	// Sweeper drains external key material.
	Sweeper *sweep.Sweeper

	// Net is the active network.
	Net *chaincfg.Params

	// Clock is the time source for invoice expiry checks.
	Clock clock.Clock
}

// Dispatcher selects and invokes the settlement rail for classified payment
// targets.
type Dispatcher struct {
	cfg Config

	// inFlight serializes dispatches. A dispatch observed in flight
	// fails fast instead of queueing.
	inFlight atomic.Bool
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{cfg: cfg}
}

// Dispatch routes the target to its settlement rail. The user amount is
// reconciled with any target embedded amount per rail: a BIP21 amount only
// fills a blank user field, while an invoice embedded amount always wins.
// Exactly one settlement attempt is made; no retry, no partial mutation on
// failure.
func (d *Dispatcher) Dispatch(ctx context.Context, target inputeval.Target,
	amount fn.Option[btcutil.Amount], desc string) (*Receipt, error) {

	if !d.inFlight.CompareAndSwap(false, true) {
		return nil, ErrDispatchInFlight
	}
	defer d.inFlight.Store(false)

	log.Infof("Dispatching %v payment", target.Kind)

	switch target.Kind {
	case inputeval.KindOnchainAddress:
		return d.sendOnchain(ctx, target, amount)

	case inputeval.KindBolt11Invoice:
		return d.payInvoice(ctx, target, amount)

	case inputeval.KindLnurlPay:
		return d.payLnurl(ctx, target.Endpoint, amount, desc)

	case inputeval.KindLightningAddress:
		endpoint := lnurl.ResolveLightningAddress(
			target.User, target.Domain,
		)
		return d.payLnurl(ctx, endpoint, amount, desc)

	case inputeval.KindLnurlWithdraw:
		return d.withdrawLnurl(ctx, target.Endpoint, amount, desc)

	case inputeval.KindKeySweep:
		return d.sweepKey(ctx, target.Sweep)

	case inputeval.KindNodeID:
		return nil, ErrChannelTarget

	default:
		return nil, fmt.Errorf("%w: %s", ErrParse, target.Reason)
	}
}

// sendOnchain broadcasts an on-chain payment. A URI embedded amount fills a
// blank user amount field but never overrides an explicit one.
func (d *Dispatcher) sendOnchain(ctx context.Context,
	target inputeval.Target,
	userAmount fn.Option[btcutil.Amount]) (*Receipt, error) {

	amount, err := requireAmount(target.EffectiveAmount(userAmount))
	if err != nil {
		return nil, err
	}

	pkScript, err := txscript.PayToAddrScript(target.Address)
	if err != nil {
		return nil, fmt.Errorf("unable to build output script: %w",
			err)
	}
	txOut := wire.TxOut{Value: int64(amount), PkScript: pkScript}
	if txrules.IsDustOutput(&txOut, txrules.DefaultRelayFeePerKb) {
		return nil, fmt.Errorf("%w: %v", ErrDustAmount, amount)
	}

	txHash, err := d.cfg.Wallet.Send(ctx, target.Address, amount)
	if err != nil {
		return nil, err
	}

	return &Receipt{
		Rail:      RailOnchain,
		TxHash:    fn.Some(*txHash),
		AmountSat: amount,
	}, nil
}

// payInvoice settles a BOLT11 invoice through the node. An embedded amount
// wins over the user supplied one, preventing over or underpayment against
// what the recipient signed.
func (d *Dispatcher) payInvoice(ctx context.Context,
	target inputeval.Target,
	userAmount fn.Option[btcutil.Amount]) (*Receipt, error) {

	if err := d.checkExpiry(target.Invoice); err != nil {
		return nil, err
	}

	// Only zero amount invoices take a caller supplied amount; the node
	// rejects an amount on top of an embedded one.
	var sendAmount btcutil.Amount
	if target.Amount.IsNone() {
		amount, err := requireAmount(userAmount)
		if err != nil {
			return nil, err
		}
		sendAmount = amount
	}

	result, err := d.cfg.Node.PayInvoice(ctx, target.PayReq, sendAmount)
	if err != nil {
		return nil, err
	}

	return &Receipt{
		Rail:        RailLightning,
		PaymentHash: fn.Some(result.PaymentHash),
		Preimage:    fn.Some(result.Preimage),
		AmountSat:   result.AmountSat,
		FeeSat:      result.FeeSat,
	}, nil
}

// payLnurl resolves an LNURL-pay endpoint, exchanges the requested amount
// for an invoice, verifies the invoice and pays it.
func (d *Dispatcher) payLnurl(ctx context.Context, endpoint string,
	userAmount fn.Option[btcutil.Amount], desc string) (*Receipt,
	error) {

	amount, err := requireAmount(userAmount)
	if err != nil {
		return nil, err
	}

	params, err := d.cfg.Lnurl.FetchPayParams(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	payReq, err := d.cfg.Lnurl.RequestPayInvoice(
		ctx, params, amount, desc,
	)
	if err != nil {
		return nil, err
	}

	// The endpoint chose the invoice, so verify it carries exactly the
	// amount the user asked for before anything is paid.
	invoice, err := zpay32.Decode(payReq, d.cfg.Net)
	if err != nil {
		return nil, fmt.Errorf("endpoint returned a malformed "+
			"invoice: %w", err)
	}
	if invoice.MilliSat == nil ||
		invoice.MilliSat.ToSatoshis() != amount {

		return nil, fmt.Errorf("%w: requested %v", ErrAmountMismatch,
			amount)
	}
	if err := d.checkExpiry(invoice); err != nil {
		return nil, err
	}

	result, err := d.cfg.Node.PayInvoice(ctx, payReq, 0)
	if err != nil {
		return nil, err
	}

	return &Receipt{
		Rail:        RailLightning,
		PaymentHash: fn.Some(result.PaymentHash),
		Preimage:    fn.Some(result.Preimage),
		AmountSat:   result.AmountSat,
		FeeSat:      result.FeeSat,
	}, nil
}

// withdrawLnurl negotiates an LNURL withdraw: our own invoice over the
// requested amount, clamped to the endpoint's bounds, is handed to the
// endpoint for payment.
func (d *Dispatcher) withdrawLnurl(ctx context.Context, endpoint string,
	userAmount fn.Option[btcutil.Amount], desc string) (*Receipt,
	error) {

	params, err := d.cfg.Lnurl.FetchWithdrawParams(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	amount := params.ClampWithdrawAmount(userAmount.UnwrapOr(0))

	memo := desc
	if memo == "" {
		memo = params.DefaultDescription
	}

	invoice, err := d.cfg.Node.CreateInvoice(ctx, amount, memo)
	if err != nil {
		return nil, err
	}

	if err := d.cfg.Lnurl.SubmitWithdraw(
		ctx, params, invoice.PaymentRequest,
	); err != nil {
		return nil, err
	}

	return &Receipt{
		Rail:        RailLnurlWithdraw,
		PaymentHash: fn.Some(invoice.PaymentHash),
		AmountSat:   amount,
	}, nil
}

// sweepKey imports external key material and drains its entire discovered
// balance to one of our own addresses. No user amount applies.
func (d *Dispatcher) sweepKey(ctx context.Context,
	key *inputeval.KeyMaterial) (*Receipt, error) {

	dest, err := d.cfg.Wallet.NewAddress(ctx)
	if err != nil {
		return nil, err
	}

	results, err := d.cfg.Sweeper.Sweep(ctx, key, dest)
	if err != nil {
		return nil, err
	}

	var (
		total btcutil.Amount
		lines []string
	)
	for _, result := range results {
		total += result.AmountSat
		lines = append(lines, fmt.Sprintf("swept %v in %s",
			result.AmountSat, result.TxHash))
	}

	receipt := &Receipt{
		Rail:      RailSweep,
		AmountSat: total,
		Detail:    strings.Join(lines, "\n"),
	}
	if len(results) == 1 {
		receipt.TxHash = fn.Some(results[0].TxHash)
	}

	return receipt, nil
}

// checkExpiry rejects invoices whose expiry has already passed, before any
// network call is made.
func (d *Dispatcher) checkExpiry(invoice *zpay32.Invoice) error {
	expiresAt := invoice.Timestamp.Add(invoice.Expiry())
	if d.cfg.Clock.Now().After(expiresAt) {
		return fmt.Errorf("%w at %v", ErrInvoiceExpired, expiresAt)
	}

	return nil
}

// requireAmount unwraps an optional amount, rejecting absent or zero
// values.
func requireAmount(amount fn.Option[btcutil.Amount]) (btcutil.Amount,
	error) {

	value := amount.UnwrapOr(0)
	if value <= 0 {
		return 0, ErrAmountRequired
	}

	return value, nil
}
