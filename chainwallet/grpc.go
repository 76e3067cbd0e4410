package chainwallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/walletrpc"
	"google.golang.org/grpc"
)

// ErrSweepUnsupported is returned by NodeWallet for external key sweeps:
// the node's wallet does not expose private key import over RPC. Engines
// that support import-and-sweep implement SweepOutputs natively.
var ErrSweepUnsupported = errors.New("the node wallet does not support " +
	"external key import")

// defaultConfTarget is the confirmation target used for fee estimates.
const defaultConfTarget = 6

// NodeWallet implements the Wallet interface on top of the Lightning
// node's built-in on-chain wallet, over the same gRPC connection the
// Lightning client uses.
type NodeWallet struct {
	ln        lnrpc.LightningClient
	walletKit walletrpc.WalletKitClient
	net       *chaincfg.Params
}

// Compile time check that NodeWallet satisfies the Wallet interface.
var _ Wallet = (*NodeWallet)(nil)

// NewNodeWallet constructs a NodeWallet over an established connection.
func NewNodeWallet(conn *grpc.ClientConn, net *chaincfg.Params) *NodeWallet {
	return &NodeWallet{
		ln:        lnrpc.NewLightningClient(conn),
		walletKit: walletrpc.NewWalletKitClient(conn),
		net:       net,
	}
}

// Balance returns the node wallet's on-chain balance.
func (w *NodeWallet) Balance(ctx context.Context) (*Balance, error) {
	resp, err := w.ln.WalletBalance(ctx, &lnrpc.WalletBalanceRequest{})
	if err != nil {
		return nil, fmt.Errorf("wallet balance query: %w", err)
	}

	return &Balance{
		ConfirmedSat:   btcutil.Amount(resp.ConfirmedBalance),
		UnconfirmedSat: btcutil.Amount(resp.UnconfirmedBalance),
	}, nil
}

// NewAddress derives a fresh receiving address.
func (w *NodeWallet) NewAddress(ctx context.Context) (btcutil.Address,
	error) {

	resp, err := w.ln.NewAddress(ctx, &lnrpc.NewAddressRequest{
		Type: lnrpc.AddressType_WITNESS_PUBKEY_HASH,
	})
	if err != nil {
		return nil, fmt.Errorf("address derivation: %w", err)
	}

	addr, err := btcutil.DecodeAddress(resp.Address, w.net)
	if err != nil {
		return nil, fmt.Errorf("malformed address %q: %w",
			resp.Address, err)
	}

	return addr, nil
}

// Send builds, signs and broadcasts a payment to the given address.
func (w *NodeWallet) Send(ctx context.Context, addr btcutil.Address,
	amount btcutil.Amount) (*chainhash.Hash, error) {

	resp, err := w.ln.SendCoins(ctx, &lnrpc.SendCoinsRequest{
		Addr:       addr.String(),
		Amount:     int64(amount),
		TargetConf: defaultConfTarget,
	})
	if err != nil {
		if strings.Contains(err.Error(), "insufficient") {
			return nil, fmt.Errorf("%w: %v",
				ErrInsufficientFunds, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}

	return chainhash.NewHashFromStr(resp.Txid)
}

// EstimateFee returns the fee of a typical send at the current feerate.
func (w *NodeWallet) EstimateFee(ctx context.Context) (btcutil.Amount,
	error) {

	resp, err := w.walletKit.EstimateFee(ctx,
		&walletrpc.EstimateFeeRequest{
			ConfTarget: defaultConfTarget,
		})
	if err != nil {
		return 0, fmt.Errorf("fee estimate: %w", err)
	}

	// A single input, two output segwit spend weighs roughly 561 weight
	// units; round up to keep the estimate conservative.
	const typicalTxWeight = 600
	feePerKw := btcutil.Amount(resp.SatPerKw)

	return feePerKw * typicalTxWeight / 1000, nil
}

// SweepOutputs is unsupported by the node wallet.
func (w *NodeWallet) SweepOutputs(_ context.Context, _ []string,
	_ btcutil.Address) ([]SweepResult, error) {

	return nil, ErrSweepUnsupported
}

// ListTransactions returns the wallet's on-chain transaction history.
func (w *NodeWallet) ListTransactions(ctx context.Context) ([]Transaction,
	error) {

	resp, err := w.ln.GetTransactions(ctx,
		&lnrpc.GetTransactionsRequest{})
	if err != nil {
		return nil, fmt.Errorf("transaction history query: %w", err)
	}

	txns := make([]Transaction, 0, len(resp.Transactions))
	for _, tx := range resp.Transactions {
		hash, err := chainhash.NewHashFromStr(tx.TxHash)
		if err != nil {
			return nil, fmt.Errorf("malformed txid %q: %w",
				tx.TxHash, err)
		}

		txns = append(txns, Transaction{
			TxHash:        *hash,
			AmountSat:     btcutil.Amount(tx.Amount),
			Confirmations: tx.NumConfirmations,
			Timestamp:     time.Unix(tx.TimeStamp, 0),
		})
	}

	return txns, nil
}
