package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// coinMarketCapURL is the quote endpoint of the CoinMarketCap v2
	// API.
	coinMarketCapURL = "https://pro-api.coinmarketcap.com/v2/" +
		"cryptocurrency/quotes/latest"

	// defaultRequestTimeout bounds a single quote request.
	defaultRequestTimeout = 30 * time.Second
)

// CoinMarketCapSource fetches BTC quotes from the CoinMarketCap API.
type CoinMarketCapSource struct {
	apiKey string
	client *http.Client

	// baseURL is overridable for tests.
	baseURL string
}

// Compile time check that CoinMarketCapSource satisfies the Source
// interface.
var _ Source = (*CoinMarketCapSource)(nil)

// NewCoinMarketCapSource creates a source using the given API key.
func NewCoinMarketCapSource(apiKey string) *CoinMarketCapSource {
	return &CoinMarketCapSource{
		apiKey: apiKey,
		client: &http.Client{
			Timeout: defaultRequestTimeout,
		},
		baseURL: coinMarketCapURL,
	}
}

// quoteResponse mirrors the slice of the CoinMarketCap response we care
// about. Prices are decoded as json.Number so no float conversion happens
// before the fixed point math.
type quoteResponse struct {
	Data map[string][]struct {
		Quote map[string]struct {
			Price json.Number `json:"price"`
		} `json:"quote"`
	} `json:"data"`

	Status struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}

// FetchRate returns the current price of one bitcoin in the given fiat
// currency.
func (s *CoinMarketCapSource) FetchRate(ctx context.Context,
	currency string) (decimal.Decimal, error) {

	query := url.Values{
		"symbol":  {"BTC"},
		"convert": {currency},
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, s.baseURL+"?"+query.Encode(), nil,
	)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("X-CMC_PRO_API_KEY", s.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote request failed: %w",
			err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("quote request returned "+
			"status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, err
	}

	var quotes quoteResponse
	if err := json.Unmarshal(body, &quotes); err != nil {
		return decimal.Zero, fmt.Errorf("malformed quote response: "+
			"%w", err)
	}
	if quotes.Status.ErrorCode != 0 {
		return decimal.Zero, fmt.Errorf("quote request rejected: %s",
			quotes.Status.ErrorMessage)
	}

	entries, ok := quotes.Data["BTC"]
	if !ok || len(entries) == 0 {
		return decimal.Zero, fmt.Errorf("quote response carries no " +
			"BTC entry")
	}
	quote, ok := entries[0].Quote[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("quote response carries no "+
			"%s conversion", currency)
	}

	price, err := decimal.NewFromString(quote.Price.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed price %q: %w",
			quote.Price, err)
	}

	return price, nil
}
