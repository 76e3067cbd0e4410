package chainwallet

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MockWallet is a configurable in-memory Wallet implementation used by the
// consumer packages' tests.
type MockWallet struct {
	mu sync.Mutex

	// Bal is returned from Balance when BalanceErr is nil.
	Bal Balance

	// BalanceErr fails Balance calls when set.
	BalanceErr error

	// Addr is returned from NewAddress.
	Addr btcutil.Address

	// AddrErr fails NewAddress calls when set.
	AddrErr error

	// SendErr fails Send calls when set.
	SendErr error

	// Fee is returned from EstimateFee.
	Fee btcutil.Amount

	// Sweeps is returned from SweepOutputs when SweepErr is nil.
	Sweeps []SweepResult

	// SweepErr fails SweepOutputs calls when set.
	SweepErr error

	// Txns is returned from ListTransactions.
	Txns []Transaction

	// Call records, appended in order.
	SentAddrs        []btcutil.Address
	SentAmounts      []btcutil.Amount
	SweptDescriptors [][]string
}

// Compile time check that MockWallet satisfies the Wallet interface.
var _ Wallet = (*MockWallet)(nil)

// Balance returns the configured balance.
func (m *MockWallet) Balance(_ context.Context) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.BalanceErr != nil {
		return nil, m.BalanceErr
	}
	bal := m.Bal
	return &bal, nil
}

// SetBalance replaces the balance returned from Balance.
func (m *MockWallet) SetBalance(confirmed, unconfirmed btcutil.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Bal = Balance{
		ConfirmedSat:   confirmed,
		UnconfirmedSat: unconfirmed,
	}
}

// NewAddress returns the configured address.
func (m *MockWallet) NewAddress(_ context.Context) (btcutil.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AddrErr != nil {
		return nil, m.AddrErr
	}
	return m.Addr, nil
}

// Send records the send request.
func (m *MockWallet) Send(_ context.Context, addr btcutil.Address,
	amount btcutil.Amount) (*chainhash.Hash, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SendErr != nil {
		return nil, m.SendErr
	}
	m.SentAddrs = append(m.SentAddrs, addr)
	m.SentAmounts = append(m.SentAmounts, amount)

	var hash chainhash.Hash
	hash[0] = byte(len(m.SentAddrs))
	return &hash, nil
}

// EstimateFee returns the configured fee.
func (m *MockWallet) EstimateFee(_ context.Context) (btcutil.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.Fee, nil
}

// SweepOutputs records the sweep request and returns the configured results.
func (m *MockWallet) SweepOutputs(_ context.Context, descriptors []string,
	_ btcutil.Address) ([]SweepResult, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SweepErr != nil {
		return nil, m.SweepErr
	}
	m.SweptDescriptors = append(m.SweptDescriptors, descriptors)
	return m.Sweeps, nil
}

// ListTransactions returns the configured history.
func (m *MockWallet) ListTransactions(_ context.Context) ([]Transaction,
	error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	txns := make([]Transaction, len(m.Txns))
	copy(txns, m.Txns)
	return txns, nil
}

// AddTransaction appends a transaction to the mock history.
func (m *MockWallet) AddTransaction(hash chainhash.Hash,
	amount btcutil.Amount, confs int32, ts time.Time) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Txns = append(m.Txns, Transaction{
		TxHash:        hash,
		AmountSat:     amount,
		Confirmations: confs,
		Timestamp:     ts,
	})
}
