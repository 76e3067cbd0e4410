package chanmgr

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
	"github.com/ulrichard/utwallet/lnclient"
)

const (
	testCapacity    = btcutil.Amount(1_000_000)
	testOpenTimeout = 30 * time.Minute
)

var (
	testTime = time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)

	testPubKeyHex = "03a46be38d068c2bc5af3fc13da840790ed5643f3d6d27e5e34" +
		"d67ed2aec16ce67"
)

func testPubKey(t *testing.T) *btcec.PublicKey {
	t.Helper()

	keyBytes, err := hex.DecodeString(testPubKeyHex)
	require.NoError(t, err)

	pub, err := btcec.ParsePubKey(keyBytes)
	require.NoError(t, err)

	return pub
}

type testHarness struct {
	manager *Manager
	node    *lnclient.MockLightning
	clock   *clock.TestClock
	peer    *lnclient.NodeAddr
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	node := lnclient.NewMockLightning()
	clk := clock.NewTestClock(testTime)

	manager := NewManager(Config{
		Node:          node,
		ConfirmTicker: ticker.NewForce(time.Hour),
		OpenTimeout:   testOpenTimeout,
		Clock:         clk,
	})

	return &testHarness{
		manager: manager,
		node:    node,
		clock:   clk,
		peer: &lnclient.NodeAddr{
			PubKey: testPubKey(t),
			Host:   "peer.example.com:9735",
		},
	}
}

// activeChannel is the node report matching the mock's open result.
func (h *testHarness) activeChannel(
	state lnclient.ChannelObservedState) lnclient.ChannelInfo {

	return lnclient.ChannelInfo{
		PeerNodeID: h.peer.PubKey,
		ChannelPoint: "00000000000000000000000000000000000000000000" +
			"00000000000000000000:0",
		CapacitySat: testCapacity,
		LocalSat:    900_000,
		State:       state,
	}
}

// TestOpenSuccess asserts a successful open connects the peer, requests the
// channel and lands in the Opening state.
func TestOpenSuccess(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	ctx := context.Background()

	err := h.manager.Open(ctx, testCapacity, fn.Some(h.peer))
	require.NoError(t, err)

	require.Len(t, h.node.ConnectedPeers, 1)
	require.Len(t, h.node.OpenedPeers, 1)
	require.Equal(t, testCapacity, h.node.OpenedAmounts[0])

	// The node does not report the pending channel yet; inside the open
	// timeout the state must stay Opening.
	status := h.manager.Status(ctx)
	require.True(t, status.IsSome())

	ch := status.UnwrapOr(Channel{})
	require.Equal(t, Opening, ch.State)
	require.Equal(t, testCapacity, ch.CapacitySat)
}

// TestOpenSkipsConnectForBarePubkey asserts no peer connection is attempted
// when the open target carries no host.
func TestOpenSkipsConnectForBarePubkey(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	err := h.manager.Open(
		context.Background(), testCapacity,
		fn.Some(&lnclient.NodeAddr{PubKey: testPubKey(t)}),
	)
	require.NoError(t, err)

	require.Empty(t, h.node.ConnectedPeers)
	require.Len(t, h.node.OpenedPeers, 1)
}

// TestOpenWithoutPeer asserts an open without a target and without a default
// peer fails.
func TestOpenWithoutPeer(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	err := h.manager.Open(
		context.Background(), testCapacity,
		fn.None[*lnclient.NodeAddr](),
	)
	require.ErrorIs(t, err, ErrNoPeer)
}

// TestOpenGuards asserts the single-channel invariant: opens are rejected
// without side effects while a channel exists in any non-terminal state.
func TestOpenGuards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("pending open", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		require.NoError(
			t, h.manager.Open(ctx, testCapacity, fn.Some(h.peer)),
		)

		err := h.manager.Open(ctx, testCapacity, fn.Some(h.peer))
		require.ErrorIs(t, err, ErrChannelPending)
		require.Len(t, h.node.OpenedPeers, 1)
	})

	t.Run("open channel", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		require.NoError(
			t, h.manager.Open(ctx, testCapacity, fn.Some(h.peer)),
		)

		h.node.SetChannels([]lnclient.ChannelInfo{
			h.activeChannel(lnclient.ChannelActive),
		})
		require.NoError(t, h.manager.Reconcile(ctx))

		err := h.manager.Open(ctx, testCapacity, fn.Some(h.peer))
		require.ErrorIs(t, err, ErrChannelAlreadyOpen)
		require.Len(t, h.node.OpenedPeers, 1)
	})

	t.Run("pending close", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		require.NoError(
			t, h.manager.Open(ctx, testCapacity, fn.Some(h.peer)),
		)

		h.node.SetChannels([]lnclient.ChannelInfo{
			h.activeChannel(lnclient.ChannelActive),
		})
		require.NoError(t, h.manager.Reconcile(ctx))
		require.NoError(t, h.manager.Close(ctx))

		err := h.manager.Open(ctx, testCapacity, fn.Some(h.peer))
		require.ErrorIs(t, err, ErrChannelPending)
	})
}

// TestOpenFailureRevertsState asserts a failed open leaves the manager back
// in NoChannel, so the next attempt is not blocked.
func TestOpenFailureRevertsState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("peer unreachable", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		h.node.ConnectErr = errors.New("connection refused")

		err := h.manager.Open(ctx, testCapacity, fn.Some(h.peer))
		require.ErrorIs(t, err, ErrPeerUnreachable)
		require.Empty(t, h.node.OpenedPeers)

		// The failed attempt must not leave a phantom pending open.
		h.node.ConnectErr = nil
		require.NoError(
			t, h.manager.Open(ctx, testCapacity, fn.Some(h.peer)),
		)
	})

	t.Run("open rejected", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		h.node.OpenErr = errors.New("insufficient funds")

		err := h.manager.Open(ctx, testCapacity, fn.Some(h.peer))
		require.Error(t, err)

		require.True(t, h.manager.Status(ctx).IsNone())
	})
}

// TestReconcileConfirmsOpen asserts a pending open advances to Open once the
// node reports the channel as confirmed.
func TestReconcileConfirmsOpen(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	ctx := context.Background()

	require.NoError(
		t, h.manager.Open(ctx, testCapacity, fn.Some(h.peer)),
	)

	// Still pending at the node.
	h.node.SetChannels([]lnclient.ChannelInfo{
		h.activeChannel(lnclient.ChannelPendingOpen),
	})
	require.NoError(t, h.manager.Reconcile(ctx))

	ch := h.manager.Status(ctx).UnwrapOr(Channel{})
	require.Equal(t, Opening, ch.State)

	// Confirmed.
	h.node.SetChannels([]lnclient.ChannelInfo{
		h.activeChannel(lnclient.ChannelActive),
	})
	require.NoError(t, h.manager.Reconcile(ctx))

	ch = h.manager.Status(ctx).UnwrapOr(Channel{})
	require.Equal(t, Open, ch.State)
	require.Equal(t, btcutil.Amount(900_000), ch.LocalSat)
	require.InDelta(t, 0.9, ch.LocalRatio(), 0.0001)
}

// TestOpenTimeout asserts a pending open that the node never reports falls
// back to NoChannel after the open timeout.
func TestOpenTimeout(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	ctx := context.Background()

	require.NoError(
		t, h.manager.Open(ctx, testCapacity, fn.Some(h.peer)),
	)

	// Inside the timeout the pending open survives.
	h.clock.SetTime(testTime.Add(testOpenTimeout - time.Minute))
	require.NoError(t, h.manager.Reconcile(ctx))
	require.True(t, h.manager.Status(ctx).IsSome())

	// Past the timeout it is given up.
	h.clock.SetTime(testTime.Add(testOpenTimeout + time.Minute))
	require.NoError(t, h.manager.Reconcile(ctx))
	require.True(t, h.manager.Status(ctx).IsNone())
}

// TestCloseLifecycle asserts the close path: Open to Closing on request,
// Closing to NoChannel once the node stops reporting the channel.
func TestCloseLifecycle(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	ctx := context.Background()

	// No channel yet.
	require.ErrorIs(t, h.manager.Close(ctx), ErrChannelNotOpen)

	require.NoError(
		t, h.manager.Open(ctx, testCapacity, fn.Some(h.peer)),
	)

	// A pending open cannot be closed.
	require.ErrorIs(t, h.manager.Close(ctx), ErrChannelNotOpen)

	h.node.SetChannels([]lnclient.ChannelInfo{
		h.activeChannel(lnclient.ChannelActive),
	})
	require.NoError(t, h.manager.Reconcile(ctx))

	require.NoError(t, h.manager.Close(ctx))
	require.Len(t, h.node.ClosedChannels, 1)

	h.node.SetChannels([]lnclient.ChannelInfo{
		h.activeChannel(lnclient.ChannelPendingClose),
	})
	ch := h.manager.Status(ctx).UnwrapOr(Channel{})
	require.Equal(t, Closing, ch.State)

	// The closing transaction confirmed, the node no longer reports the
	// channel.
	h.node.SetChannels(nil)
	require.True(t, h.manager.Status(ctx).IsNone())
}

// TestCloseRejectedStaysOpen asserts a close the node rejects leaves the
// channel usable.
func TestCloseRejectedStaysOpen(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	ctx := context.Background()

	require.NoError(
		t, h.manager.Open(ctx, testCapacity, fn.Some(h.peer)),
	)
	h.node.SetChannels([]lnclient.ChannelInfo{
		h.activeChannel(lnclient.ChannelActive),
	})
	require.NoError(t, h.manager.Reconcile(ctx))

	h.node.CloseErr = errors.New("peer offline")
	require.Error(t, h.manager.Close(ctx))

	ch := h.manager.Status(ctx).UnwrapOr(Channel{})
	require.Equal(t, Open, ch.State)
}

// TestAdoptNodeReportedChannel asserts a channel the node already carries,
// e.g. after a process restart, is adopted into the state machine.
func TestAdoptNodeReportedChannel(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	ctx := context.Background()

	h.node.SetChannels([]lnclient.ChannelInfo{
		h.activeChannel(lnclient.ChannelActive),
	})

	ch := h.manager.Status(ctx).UnwrapOr(Channel{})
	require.Equal(t, Open, ch.State)
	require.Equal(t, testCapacity, ch.CapacitySat)

	// And the single-channel guard applies to the adopted channel.
	err := h.manager.Open(ctx, testCapacity, fn.Some(h.peer))
	require.ErrorIs(t, err, ErrChannelAlreadyOpen)
}

// TestStatusDegradesOnNodeFailure asserts a failed node query serves the last
// known snapshot instead of blanking the display.
func TestStatusDegradesOnNodeFailure(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	ctx := context.Background()

	h.node.SetChannels([]lnclient.ChannelInfo{
		h.activeChannel(lnclient.ChannelActive),
	})
	require.NoError(t, h.manager.Reconcile(ctx))

	h.node.ListErr = errors.New("node unreachable")

	ch := h.manager.Status(ctx).UnwrapOr(Channel{})
	require.Equal(t, Open, ch.State)
}

// TestLocalRatio asserts the clamped local balance ratio.
func TestLocalRatio(t *testing.T) {
	t.Parallel()

	require.Equal(t, float64(0), (&Channel{}).LocalRatio())
	require.Equal(t, 0.25, (&Channel{
		CapacitySat: 1000, LocalSat: 250,
	}).LocalRatio())
	require.Equal(t, float64(1), (&Channel{
		CapacitySat: 1000, LocalSat: 2000,
	}).LocalRatio())
}
