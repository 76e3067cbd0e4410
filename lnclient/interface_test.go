package lnclient

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testNodePubKey = "03a46be38d068c2bc5af3fc13da840790ed5643f3d6d27e5e34" +
	"d67ed2aec16ce67"

// TestParseNodeAddr exercises the pubkey@host parser.
func TestParseNodeAddr(t *testing.T) {
	t.Parallel()

	addr, err := ParseNodeAddr(testNodePubKey + "@192.0.2.1:9735")
	require.NoError(t, err)
	require.Equal(t, "192.0.2.1:9735", addr.Host)
	require.Equal(t, testNodePubKey+"@192.0.2.1:9735", addr.String())

	_, err = ParseNodeAddr(testNodePubKey)
	require.ErrorContains(t, err, "pubkey@host")

	_, err = ParseNodeAddr("zz@host:9735")
	require.ErrorContains(t, err, "pubkey")

	_, err = ParseNodeAddr(testNodePubKey + "@")
	require.ErrorContains(t, err, "host")
}

// TestEventString asserts the display line per event type.
func TestEventString(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		event    Event
		expected string
	}{{
		name: "channel opened",
		event: Event{
			Type: EventChannelOpened, Detail: "02abcd",
		},
		expected: "channel opened with 02abcd",
	}, {
		name: "payment received with memo",
		event: Event{
			Type:      EventPaymentReceived,
			AmountSat: 1500,
			Detail:    "coffee",
		},
		expected: "received 0.00001500 BTC (coffee)",
	}, {
		name: "payment sent",
		event: Event{
			Type:      EventPaymentSent,
			AmountSat: 42_000,
		},
		expected: "sent 0.00042000 BTC",
	}, {
		name: "peer offline",
		event: Event{
			Type: EventPeerOffline, Detail: "02abcd",
		},
		expected: "peer 02abcd disconnected",
	}}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.expected, tc.event.String())
		})
	}
}
