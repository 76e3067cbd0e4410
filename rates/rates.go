// Package rates caches the fiat exchange rate of bitcoin with a TTL, backed
// by an external quote source. Stale values are served over failures so the
// balance display never goes blank just because the rate source is down.
package rates

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"
)

// DefaultTTL is how long a fetched rate stays fresh.
const DefaultTTL = 600 * time.Second

// ErrRateUnavailable is returned when no rate was ever fetched successfully
// and the current attempt failed as well.
var ErrRateUnavailable = errors.New("exchange rate unavailable")

// satoshisPerBitcoin is used for the fixed point fiat conversion.
var satoshisPerBitcoin = decimal.New(btcutil.SatoshiPerBitcoin, 0)

// ExchangeRate is one cached fiat quote.
type ExchangeRate struct {
	// Currency is the fiat currency code the rate converts to.
	Currency string

	// Rate is the price of one bitcoin in the fiat currency.
	Rate decimal.Decimal

	// FetchedAt is when the rate was fetched from the source.
	FetchedAt time.Time

	// Stale is true when the rate is older than the TTL and is only
	// served because the most recent refresh failed.
	Stale bool
}

// Source fetches a live quote from an external price API.
type Source interface {
	// FetchRate returns the current price of one bitcoin in the given
	// fiat currency.
	FetchRate(ctx context.Context, currency string) (decimal.Decimal,
		error)
}

// Cache is a TTL bounded holder of the most recent exchange rate.
type Cache struct {
	source Source
	clock  clock.Clock
	ttl    time.Duration

	mu     sync.Mutex
	cached map[string]ExchangeRate
}

// NewCache creates a Cache over the given source. A zero ttl selects the
// default.
func NewCache(source Source, clk clock.Clock, ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = DefaultTTL
	}

	return &Cache{
		source: source,
		clock:  clk,
		ttl:    ttl,
		cached: make(map[string]ExchangeRate),
	}
}

// Rate returns the exchange rate for the given currency. A cached value
// younger than the TTL is returned as is, bit identical, without touching
// the source. Otherwise the source is queried; on failure the last good
// value is returned marked stale, and only when no value was ever fetched
// does the call fail with ErrRateUnavailable.
func (c *Cache) Rate(ctx context.Context, currency string) (ExchangeRate,
	error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()

	cached, ok := c.cached[currency]
	if ok && now.Sub(cached.FetchedAt) < c.ttl {
		return cached, nil
	}

	rate, err := c.source.FetchRate(ctx, currency)
	if err != nil {
		if !ok {
			return ExchangeRate{}, fmt.Errorf("%w: %v",
				ErrRateUnavailable, err)
		}

		log.Warnf("Exchange rate refresh for %s failed, serving "+
			"stale value from %v: %v", currency,
			cached.FetchedAt, err)

		cached.Stale = true
		c.cached[currency] = cached

		return cached, nil
	}

	fresh := ExchangeRate{
		Currency:  currency,
		Rate:      rate,
		FetchedAt: now,
	}
	c.cached[currency] = fresh

	log.Debugf("Refreshed exchange rate: 1 BTC = %s %s", rate, currency)

	return fresh, nil
}

// Convert renders the given amount in the fiat currency, using the cached
// rate. The conversion is fixed point throughout, so repeated calls within a
// TTL window produce identical strings.
func (c *Cache) Convert(ctx context.Context, amount btcutil.Amount,
	currency string) (string, error) {

	rate, err := c.Rate(ctx, currency)
	if err != nil {
		return "", err
	}

	fiat := decimal.New(int64(amount), 0).
		Div(satoshisPerBitcoin).
		Mul(rate.Rate)

	return fmt.Sprintf("%s %s", fiat.StringFixed(2), currency), nil
}
