// Package chanmgr drives the lifecycle of the wallet's single private
// channel against the node collaborator. The single-channel invariant is
// enforced here, in the core, so it holds regardless of what any UI layer
// permits.
package chanmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/ulrichard/utwallet/lnclient"
)

var (
	// ErrChannelAlreadyOpen is returned when an open is requested while
	// a channel is already open.
	ErrChannelAlreadyOpen = errors.New("channel already open")

	// ErrChannelPending is returned when an open is requested while a
	// channel open or close is still pending.
	ErrChannelPending = errors.New("channel operation pending")

	// ErrChannelNotOpen is returned when a close is requested without
	// an open channel.
	ErrChannelNotOpen = errors.New("no channel open")

	// ErrPeerUnreachable is returned when the peer connection for a
	// channel open cannot be established.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrNoPeer is returned when neither a peer target nor a default
	// peer is available for a channel open.
	ErrNoPeer = errors.New("no channel peer configured")
)

// State is the app level channel lifecycle state.
type State uint8

const (
	// NoChannel means no channel exists in any non-terminal state.
	NoChannel State = iota

	// Opening means a funding transaction is waiting for confirmation.
	Opening

	// Open means the channel is confirmed and usable.
	Open

	// Closing means a close has been requested and its confirmation is
	// pending.
	Closing
)

// String returns a human readable state identifier.
func (s State) String() string {
	switch s {
	case NoChannel:
		return "no channel"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Channel is a snapshot of the managed channel.
type Channel struct {
	// PeerNodeID is the remote peer's identity key.
	PeerNodeID string

	// ChannelPoint is the funding outpoint.
	ChannelPoint string

	// CapacitySat is the total channel capacity.
	CapacitySat btcutil.Amount

	// LocalSat is our balance in the channel.
	LocalSat btcutil.Amount

	// State is the lifecycle state the snapshot was taken in.
	State State
}

// LocalRatio returns the share of the capacity on our side, in [0, 1].
func (c *Channel) LocalRatio() float64 {
	if c.CapacitySat == 0 {
		return 0
	}

	ratio := float64(c.LocalSat) / float64(c.CapacitySat)
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

// Config packages the collaborators and tuning of the Manager.
type Config struct {
	// Node is the Lightning node collaborator.
	Node lnclient.Lightning

	// DefaultPeer is used as the open target when the caller supplies
	// none.
	DefaultPeer *lnclient.NodeAddr

	// ConfirmTicker drives the background reconciliation polls while an
	// open or close is pending.
	ConfirmTicker ticker.Ticker

	// OpenTimeout is how long a pending open may go unobserved at the
	// node before it is considered failed and the state falls back to
	// NoChannel.
	OpenTimeout time.Duration

	// Clock is the time source for the open timeout.
	Clock clock.Clock
}

// Manager is the single-channel lifecycle state machine. All transitions,
// guard checks included, happen under one lock.
type Manager struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg Config

	mu       sync.Mutex
	state    State
	channel  *Channel
	openedAt time.Time

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a Manager in the NoChannel state.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Start launches the background reconciliation loop.
func (m *Manager) Start() error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Starting channel manager")

	m.cfg.ConfirmTicker.Resume()

	m.wg.Add(1)
	go m.reconcileLoop()

	return nil
}

// Stop terminates the background loop.
func (m *Manager) Stop() error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Stopping channel manager")

	m.cfg.ConfirmTicker.Stop()
	close(m.quit)
	m.wg.Wait()

	return nil
}

// reconcileLoop re-queries the node on every tick, so pending transitions
// make progress even when no consumer polls.
func (m *Manager) reconcileLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.cfg.ConfirmTicker.Ticks():
			ctx, cancel := context.WithTimeout(
				context.Background(), 30*time.Second,
			)
			if err := m.Reconcile(ctx); err != nil {
				log.Warnf("Channel reconciliation failed: %v",
					err)
			}
			cancel()

		case <-m.quit:
			return
		}
	}
}

// Open requests a channel to the given peer, funded with the given capacity.
// It is valid only in the NoChannel state: an open channel yields
// ErrChannelAlreadyOpen, a pending open or close yields ErrChannelPending,
// both without side effects. The configured default peer is used when the
// caller supplies none.
func (m *Manager) Open(ctx context.Context, capacity btcutil.Amount,
	peer fn.Option[*lnclient.NodeAddr]) error {

	addr := peer.UnwrapOr(m.cfg.DefaultPeer)
	if addr == nil {
		return ErrNoPeer
	}

	// Reserve the state machine before any network call, so a second
	// open cannot slip in while this one negotiates.
	m.mu.Lock()
	switch m.state {
	case Open:
		m.mu.Unlock()
		return ErrChannelAlreadyOpen

	case Opening, Closing:
		m.mu.Unlock()
		return ErrChannelPending
	}

	m.state = Opening
	m.openedAt = m.cfg.Clock.Now()
	m.channel = &Channel{
		PeerNodeID: fmt.Sprintf("%x",
			addr.PubKey.SerializeCompressed()),
		CapacitySat: capacity,
		LocalSat:    capacity,
		State:       Opening,
	}
	m.mu.Unlock()

	fail := func(err error) error {
		m.mu.Lock()
		m.state = NoChannel
		m.channel = nil
		m.mu.Unlock()
		return err
	}

	// A bare pubkey target carries no host; the node must already know
	// the peer in that case, so the explicit connect is skipped.
	if addr.Host != "" {
		if err := m.cfg.Node.ConnectPeer(ctx, addr); err != nil {
			return fail(fmt.Errorf("%w: %v",
				ErrPeerUnreachable, err))
		}
	}

	channelPoint, err := m.cfg.Node.OpenChannel(
		ctx, addr.PubKey, capacity,
	)
	if err != nil {
		return fail(fmt.Errorf("channel open rejected: %w", err))
	}

	m.mu.Lock()
	if m.channel != nil {
		m.channel.ChannelPoint = channelPoint
	}
	m.mu.Unlock()

	log.Infof("Channel open initiated: peer=%v, capacity=%v, point=%s",
		addr, capacity, channelPoint)

	return nil
}

// Close requests a cooperative close of the open channel. It is valid only
// in the Open state; any other state yields ErrChannelNotOpen without side
// effects. Closure is asynchronous and may outlive several poll cycles.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Open {
		m.mu.Unlock()
		return ErrChannelNotOpen
	}

	channelPoint := m.channel.ChannelPoint
	m.state = Closing
	m.channel.State = Closing
	m.mu.Unlock()

	if err := m.cfg.Node.CloseChannel(ctx, channelPoint); err != nil {
		m.mu.Lock()
		// The close never left this process, the channel is still
		// usable.
		if m.state == Closing {
			m.state = Open
			if m.channel != nil {
				m.channel.State = Open
			}
		}
		m.mu.Unlock()

		return fmt.Errorf("channel close rejected: %w", err)
	}

	log.Infof("Channel close initiated: point=%s", channelPoint)

	return nil
}

// Status reconciles against the node and returns the current channel
// snapshot, or None in the NoChannel state. A failed node query degrades to
// the last known snapshot instead of failing, so a flaky node connection
// never blanks the display.
func (m *Manager) Status(ctx context.Context) fn.Option[Channel] {
	if err := m.Reconcile(ctx); err != nil {
		log.Warnf("Channel status refresh failed, serving last "+
			"known state: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == NoChannel || m.channel == nil {
		return fn.None[Channel]()
	}

	return fn.Some(*m.channel)
}

// Reconcile aligns the state machine with what the node reports. Pending
// transitions advance once the node confirms them; a pending open that the
// node has stopped reporting falls back to NoChannel after the open
// timeout. A node query failure leaves the state untouched, the next poll
// re-queries instead of assuming success or failure.
func (m *Manager) Reconcile(ctx context.Context) error {
	channels, err := m.cfg.Node.ListChannels(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	observed := m.matchObserved(channels)

	switch m.state {
	case Opening:
		switch {
		case observed == nil:
			// The funding transaction may not have reached the
			// node's view yet. Only give up after the timeout.
			if m.cfg.Clock.Now().Sub(m.openedAt) >
				m.cfg.OpenTimeout {

				log.Warnf("Pending channel open no longer " +
					"reported, giving up")
				m.state = NoChannel
				m.channel = nil
			}

		case observed.State == lnclient.ChannelActive,
			observed.State == lnclient.ChannelInactive:

			log.Infof("Channel confirmed open: point=%s",
				observed.ChannelPoint)
			m.state = Open
			m.setSnapshot(observed, Open)

		default:
			m.setSnapshot(observed, Opening)
		}

	case Open:
		switch {
		case observed == nil:
			log.Warnf("Open channel disappeared from node view")
			m.state = NoChannel
			m.channel = nil

		case observed.State == lnclient.ChannelPendingClose:
			m.state = Closing
			m.setSnapshot(observed, Closing)

		default:
			m.setSnapshot(observed, Open)
		}

	case Closing:
		if observed == nil {
			log.Infof("Channel close confirmed")
			m.state = NoChannel
			m.channel = nil
		} else {
			m.setSnapshot(observed, Closing)
		}

	case NoChannel:
		// Adopt a channel the node already carries, e.g. after a
		// process restart with a pending open in flight.
		if observed == nil && len(channels) > 0 {
			observed = &channels[0]
		}
		if observed != nil {
			state := Open
			switch observed.State {
			case lnclient.ChannelPendingOpen:
				state = Opening
				m.openedAt = m.cfg.Clock.Now()
			case lnclient.ChannelPendingClose:
				state = Closing
			}

			log.Infof("Adopting node reported channel: "+
				"point=%s, state=%v", observed.ChannelPoint,
				state)
			m.state = state
			m.setSnapshot(observed, state)
		}
	}

	return nil
}

// matchObserved finds the node reported channel matching the managed one.
// Must be called with the lock held.
func (m *Manager) matchObserved(
	channels []lnclient.ChannelInfo) *lnclient.ChannelInfo {

	if m.channel == nil {
		return nil
	}

	for i := range channels {
		ch := &channels[i]

		if m.channel.ChannelPoint != "" &&
			ch.ChannelPoint == m.channel.ChannelPoint {

			return ch
		}

		peer := fmt.Sprintf("%x",
			ch.PeerNodeID.SerializeCompressed())
		if peer == m.channel.PeerNodeID {
			return ch
		}
	}

	return nil
}

// setSnapshot refreshes the channel snapshot from a node report. Must be
// called with the lock held.
func (m *Manager) setSnapshot(observed *lnclient.ChannelInfo, state State) {
	m.channel = &Channel{
		PeerNodeID: fmt.Sprintf("%x",
			observed.PeerNodeID.SerializeCompressed()),
		ChannelPoint: observed.ChannelPoint,
		CapacitySat:  observed.CapacitySat,
		LocalSat:     observed.LocalSat,
		State:        state,
	}
}
