// Package lnurl implements the client side of the LNURL pay and withdraw
// flows: fetching endpoint parameters, requesting invoices and submitting
// withdraw callbacks. Lightning addresses resolve to LNURL-pay endpoints
// here as well.
package lnurl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnwire"
)

const (
	// defaultRequestTimeout bounds a single LNURL round trip.
	defaultRequestTimeout = 30 * time.Second

	// maxResponseSize caps how much of an endpoint response is read.
	maxResponseSize = 1 << 20
)

var (
	// ErrEndpointFailure is returned when the endpoint responds with the
	// LNURL error envelope.
	ErrEndpointFailure = errors.New("lnurl endpoint reported an error")

	// ErrAmountOutOfBounds is returned when a requested amount is
	// outside the endpoint's declared min/max range.
	ErrAmountOutOfBounds = errors.New("amount outside endpoint bounds")
)

// PayParams are the first-phase parameters of an LNURL-pay flow.
type PayParams struct {
	// Callback is the URL that produces the invoice.
	Callback string `json:"callback"`

	// MaxSendableMsat is the largest amount the endpoint accepts, in
	// millisatoshis.
	MaxSendableMsat lnwire.MilliSatoshi `json:"maxSendable"`

	// MinSendableMsat is the smallest amount the endpoint accepts, in
	// millisatoshis.
	MinSendableMsat lnwire.MilliSatoshi `json:"minSendable"`

	// Metadata is the raw metadata string the invoice will commit to.
	Metadata string `json:"metadata"`

	// Tag identifies the flow and must be "payRequest".
	Tag string `json:"tag"`
}

// WithdrawParams are the first-phase parameters of an LNURL-withdraw flow.
type WithdrawParams struct {
	// Callback is the URL the invoice is submitted to.
	Callback string `json:"callback"`

	// K1 is the opaque secret echoed back in the callback.
	K1 string `json:"k1"`

	// MaxWithdrawableMsat is the largest amount the endpoint pays out,
	// in millisatoshis.
	MaxWithdrawableMsat lnwire.MilliSatoshi `json:"maxWithdrawable"`

	// MinWithdrawableMsat is the smallest amount the endpoint pays out,
	// in millisatoshis.
	MinWithdrawableMsat lnwire.MilliSatoshi `json:"minWithdrawable"`

	// DefaultDescription is the endpoint's suggested description.
	DefaultDescription string `json:"defaultDescription"`

	// Tag identifies the flow and must be "withdrawRequest".
	Tag string `json:"tag"`
}

// errorEnvelope is the LNURL error response shape.
type errorEnvelope struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// invoiceResponse is the second-phase LNURL-pay response.
type invoiceResponse struct {
	PayRequest string `json:"pr"`
}

// Client executes LNURL round trips.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a Client with the default request timeout.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: defaultRequestTimeout,
		},
	}
}

// ResolveLightningAddress maps a user@domain lightning address to its
// well-known LNURL-pay endpoint.
func ResolveLightningAddress(user, domain string) string {
	return fmt.Sprintf("https://%s/.well-known/lnurlp/%s", domain, user)
}

// FetchPayParams retrieves the pay flow parameters from an endpoint.
func (c *Client) FetchPayParams(ctx context.Context,
	endpoint string) (*PayParams, error) {

	var params PayParams
	if err := c.get(ctx, endpoint, &params); err != nil {
		return nil, err
	}
	if params.Tag != "payRequest" {
		return nil, fmt.Errorf("endpoint is not an lnurl-pay "+
			"endpoint, tag=%q", params.Tag)
	}
	if params.Callback == "" {
		return nil, errors.New("lnurl-pay endpoint carries no " +
			"callback")
	}

	return &params, nil
}

// RequestPayInvoice asks the endpoint for an invoice over the given amount.
// The amount must be within the endpoint's declared bounds.
func (c *Client) RequestPayInvoice(ctx context.Context, params *PayParams,
	amount btcutil.Amount, comment string) (string, error) {

	amountMsat := lnwire.NewMSatFromSatoshis(amount)
	if amountMsat < params.MinSendableMsat ||
		amountMsat > params.MaxSendableMsat {

		return "", fmt.Errorf("%w: %v not in [%v, %v]",
			ErrAmountOutOfBounds, amountMsat,
			params.MinSendableMsat, params.MaxSendableMsat)
	}

	callback, err := appendQuery(params.Callback, url.Values{
		"amount": {fmt.Sprintf("%d", uint64(amountMsat))},
	})
	if err != nil {
		return "", err
	}
	if comment != "" {
		callback, err = appendQuery(callback, url.Values{
			"comment": {comment},
		})
		if err != nil {
			return "", err
		}
	}

	var resp invoiceResponse
	if err := c.get(ctx, callback, &resp); err != nil {
		return "", err
	}
	if resp.PayRequest == "" {
		return "", errors.New("endpoint returned no invoice")
	}

	return resp.PayRequest, nil
}

// FetchWithdrawParams retrieves the withdraw flow parameters from an
// endpoint.
func (c *Client) FetchWithdrawParams(ctx context.Context,
	endpoint string) (*WithdrawParams, error) {

	var params WithdrawParams
	if err := c.get(ctx, endpoint, &params); err != nil {
		return nil, err
	}
	if params.Tag != "withdrawRequest" {
		return nil, fmt.Errorf("endpoint is not an lnurl-withdraw "+
			"endpoint, tag=%q", params.Tag)
	}
	if params.Callback == "" {
		return nil, errors.New("lnurl-withdraw endpoint carries no " +
			"callback")
	}

	return &params, nil
}

// ClampWithdrawAmount bounds a requested withdraw amount to the endpoint's
// declared range. A zero request selects the maximum.
func (p *WithdrawParams) ClampWithdrawAmount(
	requested btcutil.Amount) btcutil.Amount {

	requestedMsat := lnwire.NewMSatFromSatoshis(requested)
	if requestedMsat == 0 || requestedMsat > p.MaxWithdrawableMsat {
		requestedMsat = p.MaxWithdrawableMsat
	}
	if requestedMsat < p.MinWithdrawableMsat {
		requestedMsat = p.MinWithdrawableMsat
	}

	return requestedMsat.ToSatoshis()
}

// SubmitWithdraw hands our invoice to the endpoint's callback, asking it to
// pay the invoice.
func (c *Client) SubmitWithdraw(ctx context.Context,
	params *WithdrawParams, invoice string) error {

	callback, err := appendQuery(params.Callback, url.Values{
		"k1": {params.K1},
		"pr": {invoice},
	})
	if err != nil {
		return err
	}

	var status errorEnvelope
	if err := c.get(ctx, callback, &status); err != nil {
		return err
	}

	return nil
}

// get performs one GET round trip, decoding the LNURL error envelope before
// the expected response shape.
func (c *Client) get(ctx context.Context, endpoint string,
	result interface{}) error {

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, endpoint, nil,
	)
	if err != nil {
		return fmt.Errorf("invalid lnurl endpoint %q: %w", endpoint,
			err)
	}

	log.Debugf("LNURL request: %s", scrubURL(endpoint))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("lnurl request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("lnurl response read failed: %w", err)
	}

	// The error envelope takes priority over the HTTP status, endpoints
	// are inconsistent about the latter.
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil &&
		envelope.Status == "ERROR" {

		return fmt.Errorf("%w: %s", ErrEndpointFailure,
			envelope.Reason)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lnurl endpoint returned status %d",
			resp.StatusCode)
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("malformed lnurl response: %w", err)
	}

	return nil
}

// appendQuery adds parameters to a URL that may already carry a query
// string.
func appendQuery(endpoint string, values url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid callback url %q: %w", endpoint,
			err)
	}

	query := u.Query()
	for key, vals := range values {
		for _, val := range vals {
			query.Set(key, val)
		}
	}
	u.RawQuery = query.Encode()

	return u.String(), nil
}

// scrubURL strips query parameters from a URL for logging, since withdraw
// callbacks carry secrets.
func scrubURL(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "<unparsable>"
	}
	u.RawQuery = ""

	return u.String()
}

// DecodeMetadataDescription extracts the text/plain entry of an LNURL-pay
// metadata array for display.
func DecodeMetadataDescription(metadata string) string {
	var entries [][2]string
	if err := json.Unmarshal([]byte(metadata), &entries); err != nil {
		return ""
	}

	for _, entry := range entries {
		if entry[0] == "text/plain" {
			return entry[1]
		}
	}

	return ""
}
