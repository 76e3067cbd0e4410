// Package chainwallet defines the contract the wallet core requires from the
// on-chain wallet engine collaborator. Key derivation, coin selection,
// signing and broadcast all live behind this interface.
package chainwallet

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrInsufficientFunds is returned when the confirmed balance cannot
	// cover an outgoing amount plus fees.
	ErrInsufficientFunds = errors.New("insufficient on-chain funds")

	// ErrBroadcastFailed is returned when a built transaction is
	// rejected by the network backend.
	ErrBroadcastFailed = errors.New("transaction broadcast failed")
)

// Balance is the on-chain balance split by confirmation state.
type Balance struct {
	// ConfirmedSat is the spendable, confirmed balance.
	ConfirmedSat btcutil.Amount

	// UnconfirmedSat is the balance still waiting for confirmation.
	UnconfirmedSat btcutil.Amount
}

// Transaction is one on-chain transaction relevant to the wallet.
type Transaction struct {
	// TxHash is the transaction id.
	TxHash chainhash.Hash

	// AmountSat is the net effect on the wallet balance, negative for
	// outgoing transactions.
	AmountSat btcutil.Amount

	// Confirmations is the current confirmation count, zero while in
	// the mempool.
	Confirmations int32

	// Timestamp is the block time, or the time the wallet first saw the
	// transaction while unconfirmed.
	Timestamp time.Time
}

// SweepResult reports one drained script balance from an ImportAndSweep
// call.
type SweepResult struct {
	// TxHash is the sweep transaction id.
	TxHash chainhash.Hash

	// AmountSat is the amount recovered, after fees.
	AmountSat btcutil.Amount
}

// Wallet is the on-chain wallet engine contract. Implementations must be
// safe for concurrent use.
type Wallet interface {
	// Balance returns the current on-chain balance.
	Balance(ctx context.Context) (*Balance, error)

	// NewAddress derives the wallet's current receiving address.
	NewAddress(ctx context.Context) (btcutil.Address, error)

	// Send builds, signs and broadcasts a transaction paying the given
	// amount to the address. No partial state change survives a failed
	// broadcast.
	Send(ctx context.Context, addr btcutil.Address,
		amount btcutil.Amount) (*chainhash.Hash, error)

	// EstimateFee returns the fee for a typical send at the current
	// feerate.
	EstimateFee(ctx context.Context) (btcutil.Amount, error)

	// SweepOutputs drains the balances spendable by the given output
	// descriptors into the destination address, one transaction per
	// funded descriptor. Descriptors with no discovered balance are
	// skipped.
	SweepOutputs(ctx context.Context, descriptors []string,
		dest btcutil.Address) ([]SweepResult, error)

	// ListTransactions returns the wallet's transaction history.
	ListTransactions(ctx context.Context) ([]Transaction, error)
}
