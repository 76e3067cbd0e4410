package lnclient

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// MockLightning is a configurable in-memory Lightning implementation used by
// the consumer packages' tests.
type MockLightning struct {
	mu sync.Mutex

	// Info is returned from NodeInfo when InfoErr is nil.
	Info NodeInfo

	// InfoErr fails NodeInfo calls when set.
	InfoErr error

	// InvoiceToReturn is returned from CreateInvoice.
	InvoiceToReturn *Invoice

	// InvoiceErr fails CreateInvoice calls when set.
	InvoiceErr error

	// PayResult is returned from PayInvoice when PayErr is nil.
	PayResult *PaymentResult

	// PayErr fails PayInvoice calls when set.
	PayErr error

	// Balance is returned from ChannelBalance when BalanceErr is nil.
	Balance btcutil.Amount

	// BalanceErr fails ChannelBalance calls when set.
	BalanceErr error

	// Channels is returned from ListChannels when ListErr is nil.
	Channels []ChannelInfo

	// ListErr fails ListChannels calls when set.
	ListErr error

	// ConnectErr fails ConnectPeer calls when set.
	ConnectErr error

	// OpenErr fails OpenChannel calls when set.
	OpenErr error

	// CloseErr fails CloseChannel calls when set.
	CloseErr error

	// Events is the channel handed out by SubscribeEvents.
	Events chan Event

	// Call records, appended in order.
	PaidRequests   []string
	PaidAmounts    []btcutil.Amount
	ConnectedPeers []*NodeAddr
	OpenedPeers    []*btcec.PublicKey
	OpenedAmounts  []btcutil.Amount
	ClosedChannels []string
}

// Compile time check that MockLightning satisfies the Lightning interface.
var _ Lightning = (*MockLightning)(nil)

// NewMockLightning returns a mock with an event channel ready for use.
func NewMockLightning() *MockLightning {
	return &MockLightning{
		Events: make(chan Event, 16),
	}
}

// NodeInfo returns the configured node info.
func (m *MockLightning) NodeInfo(_ context.Context) (*NodeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.InfoErr != nil {
		return nil, m.InfoErr
	}
	info := m.Info
	return &info, nil
}

// CreateInvoice returns the configured invoice.
func (m *MockLightning) CreateInvoice(_ context.Context,
	amt btcutil.Amount, memo string) (*Invoice, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.InvoiceErr != nil {
		return nil, m.InvoiceErr
	}
	if m.InvoiceToReturn != nil {
		return m.InvoiceToReturn, nil
	}
	return &Invoice{AmountSat: amt}, nil
}

// PayInvoice records the payment and returns the configured result.
func (m *MockLightning) PayInvoice(_ context.Context, payReq string,
	amt btcutil.Amount) (*PaymentResult, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.PaidRequests = append(m.PaidRequests, payReq)
	m.PaidAmounts = append(m.PaidAmounts, amt)

	if m.PayErr != nil {
		return nil, m.PayErr
	}
	if m.PayResult != nil {
		return m.PayResult, nil
	}
	return &PaymentResult{AmountSat: amt}, nil
}

// ChannelBalance returns the configured balance.
func (m *MockLightning) ChannelBalance(_ context.Context) (btcutil.Amount,
	error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.BalanceErr != nil {
		return 0, m.BalanceErr
	}
	return m.Balance, nil
}

// ListChannels returns the configured channel set.
func (m *MockLightning) ListChannels(_ context.Context) ([]ChannelInfo,
	error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListErr != nil {
		return nil, m.ListErr
	}
	channels := make([]ChannelInfo, len(m.Channels))
	copy(channels, m.Channels)
	return channels, nil
}

// SetChannels replaces the channel set returned by ListChannels.
func (m *MockLightning) SetChannels(channels []ChannelInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Channels = channels
}

// ConnectPeer records the connection attempt.
func (m *MockLightning) ConnectPeer(_ context.Context,
	addr *NodeAddr) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.ConnectedPeers = append(m.ConnectedPeers, addr)
	return nil
}

// OpenChannel records the open request.
func (m *MockLightning) OpenChannel(_ context.Context,
	peer *btcec.PublicKey, capacity btcutil.Amount) (string, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.OpenErr != nil {
		return "", m.OpenErr
	}
	m.OpenedPeers = append(m.OpenedPeers, peer)
	m.OpenedAmounts = append(m.OpenedAmounts, capacity)
	return "0000000000000000000000000000000000000000000000000000000000000000:0",
		nil
}

// CloseChannel records the close request.
func (m *MockLightning) CloseChannel(_ context.Context,
	channelPoint string) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CloseErr != nil {
		return m.CloseErr
	}
	m.ClosedChannels = append(m.ClosedChannels, channelPoint)
	return nil
}

// SubscribeEvents hands out the mock's event channel.
func (m *MockLightning) SubscribeEvents(_ context.Context) (<-chan Event,
	error) {

	return m.Events, nil
}
