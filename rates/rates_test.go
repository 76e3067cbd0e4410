package rates

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeSource is a scriptable Source counting its invocations.
type fakeSource struct {
	rate  decimal.Decimal
	err   error
	calls int
}

func (f *fakeSource) FetchRate(_ context.Context,
	_ string) (decimal.Decimal, error) {

	f.calls++
	if f.err != nil {
		return decimal.Decimal{}, f.err
	}
	return f.rate, nil
}

// TestRateCachedWithinTTL asserts a rate younger than the TTL is served from
// the cache, bit identical, without touching the source.
func TestRateCachedWithinTTL(t *testing.T) {
	t.Parallel()

	source := &fakeSource{rate: decimal.NewFromInt(50_000)}
	clk := clock.NewTestClock(testTime)
	cache := NewCache(source, clk, 0)
	ctx := context.Background()

	first, err := cache.Rate(ctx, "CHF")
	require.NoError(t, err)
	require.Equal(t, 1, source.calls)
	require.False(t, first.Stale)

	// A second read just inside the TTL must not refetch and must return
	// the exact same value.
	clk.SetTime(testTime.Add(DefaultTTL - time.Second))

	second, err := cache.Rate(ctx, "CHF")
	require.NoError(t, err)
	require.Equal(t, 1, source.calls)
	require.Equal(t, first, second)

	// Crossing the TTL triggers a refetch.
	source.rate = decimal.NewFromInt(51_000)
	clk.SetTime(testTime.Add(DefaultTTL + time.Second))

	third, err := cache.Rate(ctx, "CHF")
	require.NoError(t, err)
	require.Equal(t, 2, source.calls)
	require.True(t, third.Rate.Equal(decimal.NewFromInt(51_000)))
}

// TestRateServesStaleOnFailure asserts an expired rate is served marked
// stale when the refresh fails, and that only a cache miss plus failure
// yields ErrRateUnavailable.
func TestRateServesStaleOnFailure(t *testing.T) {
	t.Parallel()

	source := &fakeSource{rate: decimal.NewFromInt(50_000)}
	clk := clock.NewTestClock(testTime)
	cache := NewCache(source, clk, 0)
	ctx := context.Background()

	_, err := cache.Rate(ctx, "CHF")
	require.NoError(t, err)

	source.err = errors.New("api down")
	clk.SetTime(testTime.Add(DefaultTTL * 2))

	stale, err := cache.Rate(ctx, "CHF")
	require.NoError(t, err)
	require.True(t, stale.Stale)
	require.True(t, stale.Rate.Equal(decimal.NewFromInt(50_000)))

	// A currency that was never fetched has nothing to fall back to.
	_, err = cache.Rate(ctx, "EUR")
	require.ErrorIs(t, err, ErrRateUnavailable)
}

// TestConvert asserts the fixed point fiat rendering.
func TestConvert(t *testing.T) {
	t.Parallel()

	source := &fakeSource{rate: decimal.NewFromFloat(50_000.50)}
	cache := NewCache(source, clock.NewTestClock(testTime), 0)
	ctx := context.Background()

	// One whole coin.
	rendered, err := cache.Convert(
		ctx, btcutil.Amount(100_000_000), "CHF",
	)
	require.NoError(t, err)
	require.Equal(t, "50000.50 CHF", rendered)

	// A small amount rounds to cents.
	rendered, err = cache.Convert(ctx, btcutil.Amount(1_000), "CHF")
	require.NoError(t, err)
	require.Equal(t, "0.50 CHF", rendered)

	// Repeated conversions within the TTL are bit identical.
	again, err := cache.Convert(
		ctx, btcutil.Amount(100_000_000), "CHF",
	)
	require.NoError(t, err)
	require.Equal(t, "50000.50 CHF", again)
	require.Equal(t, 1, source.calls)
}
