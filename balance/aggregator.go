// Package balance merges the independently failing on-chain and Lightning
// balance queries into one consistent wallet balance view.
package balance

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ulrichard/utwallet/chainwallet"
	"github.com/ulrichard/utwallet/lnclient"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// WalletBalance is the merged balance view across both rails.
type WalletBalance struct {
	// ConfirmedSat is the confirmed on-chain balance.
	ConfirmedSat btcutil.Amount

	// UnconfirmedSat is the unconfirmed on-chain balance.
	UnconfirmedSat btcutil.Amount

	// LightningSat is the sum of local channel balances.
	LightningSat btcutil.Amount

	// LightningStale is true when LightningSat is a reused value from
	// the last successful node query because the most recent attempt
	// failed.
	LightningStale bool
}

// Aggregator queries the on-chain and Lightning collaborators concurrently
// and tolerates Lightning-side failures by reusing the last good value.
type Aggregator struct {
	wallet chainwallet.Wallet
	node   lnclient.Lightning

	// group collapses concurrent refreshes into a single query pair, so
	// fast polling never issues duplicate load.
	group singleflight.Group

	mu            sync.Mutex
	lastLightning btcutil.Amount
}

// NewAggregator creates an Aggregator on top of the two collaborators.
func NewAggregator(wallet chainwallet.Wallet,
	node lnclient.Lightning) *Aggregator {

	return &Aggregator{
		wallet: wallet,
		node:   node,
	}
}

// Refresh queries both collaborators and returns the merged balance. An
// on-chain failure fails the refresh, since the chain backend is expected to
// be reachable locally. A Lightning failure degrades to the last successful
// value with the stale flag set, because partial data beats no data for a
// balance display. A refresh already in flight is joined instead of
// duplicated.
func (a *Aggregator) Refresh(ctx context.Context) (WalletBalance, error) {
	result, err, shared := a.group.Do("refresh", func() (interface{},
		error) {

		return a.refresh(ctx)
	})
	if err != nil {
		return WalletBalance{}, err
	}
	if shared {
		log.Debug("Joined in-flight balance refresh")
	}

	return result.(WalletBalance), nil
}

func (a *Aggregator) refresh(ctx context.Context) (WalletBalance, error) {
	var (
		onchain      *chainwallet.Balance
		lightning    btcutil.Amount
		lightningErr error
	)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		onchain, err = a.wallet.Balance(ctx)
		if err != nil {
			return fmt.Errorf("on-chain balance query: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		// A node side failure must not cancel the on-chain query, so
		// it is captured instead of returned.
		lightning, lightningErr = a.node.ChannelBalance(ctx)
		return nil
	})
	if err := eg.Wait(); err != nil {
		return WalletBalance{}, err
	}

	bal := WalletBalance{
		ConfirmedSat:   onchain.ConfirmedSat,
		UnconfirmedSat: onchain.UnconfirmedSat,
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if lightningErr != nil {
		log.Warnf("Lightning balance query failed, reusing last "+
			"known value: %v", lightningErr)

		bal.LightningSat = a.lastLightning
		bal.LightningStale = true

		return bal, nil
	}

	a.lastLightning = lightning
	bal.LightningSat = lightning

	return bal, nil
}

// Total returns the combined balance across both rails, unconfirmed funds
// included.
func (b WalletBalance) Total() btcutil.Amount {
	return b.ConfirmedSat + b.UnconfirmedSat + b.LightningSat
}
