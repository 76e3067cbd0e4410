package eventlog

import (
	"fmt"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
	"github.com/ulrichard/utwallet/lnclient"
)

var testTime = time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)

// TestAppendEvictsOldest asserts the bounded FIFO behavior: appending past
// the capacity evicts the oldest entry and the render order stays oldest
// first.
func TestAppendEvictsOldest(t *testing.T) {
	t.Parallel()

	log, err := New(nil, DefaultCapacity, clock.NewTestClock(testTime))
	require.NoError(t, err)

	for i := 1; i <= DefaultCapacity+1; i++ {
		log.Append(fmt.Sprintf("event %d", i))
	}

	rendered := log.Render()
	require.NotContains(t, rendered, "event 1")
	require.Equal(
		t, "event 2\nevent 3\nevent 4\nevent 5\nevent 6", rendered,
	)
}

// TestRenderEmpty asserts an empty log renders to an empty string.
func TestRenderEmpty(t *testing.T) {
	t.Parallel()

	log, err := New(nil, DefaultCapacity, clock.NewTestClock(testTime))
	require.NoError(t, err)

	require.Empty(t, log.Render())
}

// TestInvalidCapacity asserts construction fails for a non-positive
// capacity.
func TestInvalidCapacity(t *testing.T) {
	t.Parallel()

	_, err := New(nil, 0, clock.NewTestClock(testTime))
	require.Error(t, err)
}

// TestFeedFromNodeEvents asserts node events arriving on the subscription
// are appended as display lines.
func TestFeedFromNodeEvents(t *testing.T) {
	t.Parallel()

	node := lnclient.NewMockLightning()

	log, err := New(node, DefaultCapacity, clock.NewTestClock(testTime))
	require.NoError(t, err)
	require.NoError(t, log.Start())

	node.Events <- lnclient.Event{
		Type:      lnclient.EventPaymentReceived,
		AmountSat: 1500,
	}

	require.Eventually(t, func() bool {
		return log.Render() != ""
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, log.Stop())
}
