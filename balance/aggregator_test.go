package balance

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
	"github.com/ulrichard/utwallet/chainwallet"
	"github.com/ulrichard/utwallet/lnclient"
)

// TestRefreshMergesBothRails asserts the happy path merge of the on-chain and
// Lightning balances.
func TestRefreshMergesBothRails(t *testing.T) {
	t.Parallel()

	wallet := &chainwallet.MockWallet{}
	wallet.SetBalance(100_000, 5_000)

	node := lnclient.NewMockLightning()
	node.Balance = 40_000

	agg := NewAggregator(wallet, node)

	bal, err := agg.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(100_000), bal.ConfirmedSat)
	require.Equal(t, btcutil.Amount(5_000), bal.UnconfirmedSat)
	require.Equal(t, btcutil.Amount(40_000), bal.LightningSat)
	require.False(t, bal.LightningStale)
	require.Equal(t, btcutil.Amount(145_000), bal.Total())
}

// TestRefreshOnchainFailure asserts that an on-chain query failure fails the
// whole refresh.
func TestRefreshOnchainFailure(t *testing.T) {
	t.Parallel()

	wallet := &chainwallet.MockWallet{
		BalanceErr: errors.New("wallet locked"),
	}
	node := lnclient.NewMockLightning()

	agg := NewAggregator(wallet, node)

	_, err := agg.Refresh(context.Background())
	require.ErrorContains(t, err, "wallet locked")
}

// TestRefreshLightningFailureDegrades asserts that a Lightning query failure
// reuses the last good value with the stale flag set, instead of failing.
func TestRefreshLightningFailureDegrades(t *testing.T) {
	t.Parallel()

	wallet := &chainwallet.MockWallet{}
	wallet.SetBalance(100_000, 0)

	node := lnclient.NewMockLightning()
	node.Balance = 40_000

	agg := NewAggregator(wallet, node)
	ctx := context.Background()

	// Seed the last good value with a successful refresh.
	bal, err := agg.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(40_000), bal.LightningSat)

	// Now fail the node side; the on-chain part must stay live and the
	// Lightning part must degrade to the seeded value.
	node.BalanceErr = errors.New("node unreachable")
	wallet.SetBalance(200_000, 0)

	bal, err = agg.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(200_000), bal.ConfirmedSat)
	require.Equal(t, btcutil.Amount(40_000), bal.LightningSat)
	require.True(t, bal.LightningStale)

	// A recovered node clears the stale flag again.
	node.BalanceErr = nil
	node.Balance = 60_000

	bal, err = agg.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(60_000), bal.LightningSat)
	require.False(t, bal.LightningStale)
}

// TestRefreshLightningFailureWithoutHistory asserts the first ever refresh
// with a failing node reports a zero, stale Lightning balance.
func TestRefreshLightningFailureWithoutHistory(t *testing.T) {
	t.Parallel()

	wallet := &chainwallet.MockWallet{}
	wallet.SetBalance(100_000, 0)

	node := lnclient.NewMockLightning()
	node.BalanceErr = errors.New("node unreachable")

	agg := NewAggregator(wallet, node)

	bal, err := agg.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(0), bal.LightningSat)
	require.True(t, bal.LightningStale)
}
