// Package esplora implements a REST client for Esplora block explorer
// backends, reduced to the queries the wallet needs: chain tip, address
// UTXOs and history, fee estimates and transaction broadcast. Requests fail
// over across the configured server list.
package esplora

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrNotConnected is returned when no configured server is
	// reachable.
	ErrNotConnected = errors.New("no esplora server reachable")

	// ErrTxNotFound is returned when a transaction cannot be found.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrNoServers is returned when the client is configured without
	// servers.
	ErrNoServers = errors.New("no esplora servers configured")
)

const (
	// defaultRequestTimeout bounds a single HTTP request.
	defaultRequestTimeout = 30 * time.Second

	// defaultMaxRetries is how many times a failed request is retried
	// per server before failing over to the next one.
	defaultMaxRetries = 2

	// retryBackoff is the linear backoff step between retries.
	retryBackoff = time.Second
)

// ClientConfig holds the configuration for the Esplora client.
type ClientConfig struct {
	// Servers is the ordered list of Esplora base URLs. The first
	// reachable server wins; later entries are failover targets.
	Servers []string

	// RequestTimeout is the timeout for individual HTTP requests.
	RequestTimeout time.Duration

	// MaxRetries is the maximum number of retries per server for failed
	// requests.
	MaxRetries int
}

// TxStatus represents transaction confirmation status.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID   string   `json:"txid"`
	Vout   uint32   `json:"vout"`
	Status TxStatus `json:"status"`
	Value  int64    `json:"value"`
}

// AddressStats is the chain/mempool summary Esplora keeps per address.
type AddressStats struct {
	Address    string `json:"address"`
	ChainStats struct {
		FundedTxoSum int64 `json:"funded_txo_sum"`
		SpentTxoSum  int64 `json:"spent_txo_sum"`
		TxCount      int   `json:"tx_count"`
	} `json:"chain_stats"`
	MempoolStats struct {
		FundedTxoSum int64 `json:"funded_txo_sum"`
		SpentTxoSum  int64 `json:"spent_txo_sum"`
		TxCount      int   `json:"tx_count"`
	} `json:"mempool_stats"`
}

// ConfirmedSat returns the confirmed balance of the address.
func (s *AddressStats) ConfirmedSat() btcutil.Amount {
	return btcutil.Amount(
		s.ChainStats.FundedTxoSum - s.ChainStats.SpentTxoSum,
	)
}

// MempoolSat returns the net unconfirmed balance delta of the address.
func (s *AddressStats) MempoolSat() btcutil.Amount {
	return btcutil.Amount(
		s.MempoolStats.FundedTxoSum - s.MempoolStats.SpentTxoSum,
	)
}

// FeeEstimates maps confirmation targets to fee rates in sat/vB.
type FeeEstimates map[string]float64

// Client is a multi-server Esplora REST client.
type Client struct {
	started int32
	stopped int32

	cfg        *ClientConfig
	httpClient *http.Client

	// activeServer indexes the server the last successful request went
	// through. Requests start there and rotate on failure.
	activeServer atomic.Int32

	quit chan struct{}
}

// NewClient creates a new Esplora client from the given config.
func NewClient(cfg *ClientConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		quit: make(chan struct{}),
	}
}

// Start verifies connectivity against the configured servers.
func (c *Client) Start() error {
	if atomic.AddInt32(&c.started, 1) != 1 {
		return nil
	}

	if len(c.cfg.Servers) == 0 {
		return ErrNoServers
	}

	log.Infof("Starting Esplora client, servers=%v", c.cfg.Servers)

	ctx, cancel := context.WithTimeout(
		context.Background(), c.httpClient.Timeout,
	)
	defer cancel()

	height, err := c.TipHeight(ctx)
	if err != nil {
		return fmt.Errorf("unable to reach any esplora server: %w",
			err)
	}

	log.Infof("Connected to Esplora, tip height=%d", height)

	return nil
}

// Stop shuts the client down.
func (c *Client) Stop() error {
	if atomic.AddInt32(&c.stopped, 1) != 1 {
		return nil
	}

	log.Info("Stopping Esplora client")
	close(c.quit)

	return nil
}

// doGet performs a GET against the active server, rotating through the
// server list with linear backoff until one answers.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) do(ctx context.Context, method, path string,
	body []byte) ([]byte, error) {

	numServers := len(c.cfg.Servers)
	if numServers == 0 {
		return nil, ErrNoServers
	}

	start := int(c.activeServer.Load())
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		for i := 0; i < numServers; i++ {
			select {
			case <-c.quit:
				return nil, ErrNotConnected
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}

			idx := (start + i) % numServers
			server := strings.TrimRight(c.cfg.Servers[idx], "/")

			payload, err := c.request(
				ctx, method, server+path, body,
			)
			if err != nil {
				log.Debugf("Esplora request %s%s failed: %v",
					server, path, err)
				lastErr = err
				continue
			}

			c.activeServer.Store(int32(idx))
			return payload, nil
		}

		// All servers failed this round, back off linearly before
		// the next pass.
		select {
		case <-time.After(time.Duration(attempt+1) * retryBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.quit:
			return nil, ErrNotConnected
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrNotConnected, lastErr)
}

// request performs a single HTTP round trip.
func (c *Client) request(ctx context.Context, method, url string,
	body []byte) ([]byte, error) {

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<23))
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return payload, nil
	case http.StatusNotFound:
		return nil, ErrTxNotFound
	default:
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode,
			strings.TrimSpace(string(payload)))
	}
}

// TipHeight returns the current chain tip height.
func (c *Client) TipHeight(ctx context.Context) (int64, error) {
	payload, err := c.doGet(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	var height int64
	if _, err := fmt.Sscanf(string(payload), "%d", &height); err != nil {
		return 0, fmt.Errorf("malformed tip height %q: %w", payload,
			err)
	}

	return height, nil
}

// TipHash returns the current chain tip block hash.
func (c *Client) TipHash(ctx context.Context) (*chainhash.Hash, error) {
	payload, err := c.doGet(ctx, "/blocks/tip/hash")
	if err != nil {
		return nil, err
	}

	return chainhash.NewHashFromStr(strings.TrimSpace(string(payload)))
}

// AddressStats returns the balance summary of an address.
func (c *Client) AddressStats(ctx context.Context,
	address string) (*AddressStats, error) {

	payload, err := c.doGet(ctx, "/address/"+address)
	if err != nil {
		return nil, err
	}

	var stats AddressStats
	if err := json.Unmarshal(payload, &stats); err != nil {
		return nil, fmt.Errorf("malformed address stats: %w", err)
	}

	return &stats, nil
}

// AddressUTXOs returns the unspent outputs of an address.
func (c *Client) AddressUTXOs(ctx context.Context,
	address string) ([]*UTXO, error) {

	payload, err := c.doGet(ctx, "/address/"+address+"/utxo")
	if err != nil {
		return nil, err
	}

	var utxos []*UTXO
	if err := json.Unmarshal(payload, &utxos); err != nil {
		return nil, fmt.Errorf("malformed utxo list: %w", err)
	}

	return utxos, nil
}

// TxStatus returns the confirmation status of a transaction.
func (c *Client) TxStatus(ctx context.Context, txid string) (*TxStatus,
	error) {

	payload, err := c.doGet(ctx, "/tx/"+txid+"/status")
	if err != nil {
		return nil, err
	}

	var status TxStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, fmt.Errorf("malformed tx status: %w", err)
	}

	return &status, nil
}

// FeeEstimates returns the backend's fee estimates in sat/vB by
// confirmation target.
func (c *Client) FeeEstimates(ctx context.Context) (FeeEstimates, error) {
	payload, err := c.doGet(ctx, "/fee-estimates")
	if err != nil {
		return nil, err
	}

	var estimates FeeEstimates
	if err := json.Unmarshal(payload, &estimates); err != nil {
		return nil, fmt.Errorf("malformed fee estimates: %w", err)
	}

	return estimates, nil
}

// BroadcastTx serializes and broadcasts a transaction, returning its hash.
func (c *Client) BroadcastTx(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("unable to serialize tx: %w", err)
	}

	hexTx := fmt.Sprintf("%x", buf.Bytes())
	payload, err := c.do(ctx, http.MethodPost, "/tx", []byte(hexTx))
	if err != nil {
		return nil, fmt.Errorf("broadcast failed: %w", err)
	}

	txid := strings.TrimSpace(string(payload))
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("malformed broadcast response %q: %w",
			txid, err)
	}

	log.Infof("Broadcast transaction %s", hash)

	return hash, nil
}
