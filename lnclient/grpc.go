package lnclient

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/macaroons"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"
)

const (
	// defaultPaymentTimeoutSeconds bounds how long the node keeps trying
	// to find a route before failing the payment.
	defaultPaymentTimeoutSeconds = 60

	// defaultFeeLimitSat caps the routing fee of a single payment.
	defaultFeeLimitSat = 1000
)

// GRPCConfig holds the connection parameters for the node's gRPC interface.
type GRPCConfig struct {
	// Host is the host:port of the node's gRPC listener.
	Host string

	// TLSCertPath is the path to the node's TLS certificate.
	TLSCertPath string

	// MacaroonPath is the path to an admin macaroon.
	MacaroonPath string
}

// GRPCClient implements the Lightning interface against an lnd node over
// gRPC.
type GRPCClient struct {
	ln     lnrpc.LightningClient
	router routerrpc.RouterClient
	conn   *grpc.ClientConn
}

// Compile time check that GRPCClient satisfies the Lightning interface.
var _ Lightning = (*GRPCClient)(nil)

// NewGRPCClient dials the node and constructs the subservice clients.
func NewGRPCClient(cfg *GRPCConfig) (*GRPCClient, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("unable to load tls cert: %w", err)
	}

	macBytes, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read macaroon: %w", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("unable to decode macaroon: %w", err)
	}
	macCreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("unable to create macaroon "+
			"credential: %w", err)
	}

	conn, err := grpc.Dial(
		cfg.Host,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCreds),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to dial node: %w", err)
	}

	return &GRPCClient{
		ln:     lnrpc.NewLightningClient(conn),
		router: routerrpc.NewRouterClient(conn),
		conn:   conn,
	}, nil
}

// Conn exposes the underlying gRPC connection, so further subservice
// clients can share it.
func (c *GRPCClient) Conn() *grpc.ClientConn {
	return c.conn
}

// Close tears down the underlying gRPC connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// NodeInfo returns the identity and sync state of the node.
func (c *GRPCClient) NodeInfo(ctx context.Context) (*NodeInfo, error) {
	resp, err := c.ln.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	keyBytes, err := hex.DecodeString(resp.IdentityPubkey)
	if err != nil {
		return nil, fmt.Errorf("invalid identity pubkey: %w", err)
	}
	pub, err := btcec.ParsePubKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid identity pubkey: %w", err)
	}

	return &NodeInfo{
		IdentityPubKey: pub,
		Alias:          resp.Alias,
		SyncedToChain:  resp.SyncedToChain,
	}, nil
}

// CreateInvoice creates a BOLT11 invoice for the given amount and memo.
func (c *GRPCClient) CreateInvoice(ctx context.Context, amt btcutil.Amount,
	memo string) (*Invoice, error) {

	resp, err := c.ln.AddInvoice(ctx, &lnrpc.Invoice{
		Memo:  memo,
		Value: int64(amt),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to add invoice: %w", err)
	}

	hash, err := lntypes.MakeHash(resp.RHash)
	if err != nil {
		return nil, fmt.Errorf("invalid payment hash: %w", err)
	}

	return &Invoice{
		PaymentRequest: resp.PaymentRequest,
		PaymentHash:    hash,
		AmountSat:      amt,
	}, nil
}

// PayInvoice pays a BOLT11 payment request and blocks until the payment
// terminally succeeds or fails.
func (c *GRPCClient) PayInvoice(ctx context.Context, payReq string,
	amt btcutil.Amount) (*PaymentResult, error) {

	req := &routerrpc.SendPaymentRequest{
		PaymentRequest: payReq,
		TimeoutSeconds: defaultPaymentTimeoutSeconds,
		FeeLimitSat:    defaultFeeLimitSat,
	}

	// The amount may only be set for zero amount invoices, the node
	// rejects it otherwise.
	if amt != 0 {
		req.Amt = int64(amt)
	}

	stream, err := c.router.SendPaymentV2(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("unable to send payment: %w", err)
	}

	for {
		update, err := stream.Recv()
		if err != nil {
			return nil, fmt.Errorf("payment stream ended: %w", err)
		}

		switch update.Status {
		case lnrpc.Payment_SUCCEEDED:
			return paymentResult(update)

		case lnrpc.Payment_FAILED:
			if update.FailureReason ==
				lnrpc.PaymentFailureReason_FAILURE_REASON_NO_ROUTE {

				return nil, ErrNoRoute
			}
			return nil, fmt.Errorf("%w: %v", ErrPaymentFailed,
				update.FailureReason)
		}

		log.Debugf("Payment %v in flight, %d htlcs",
			update.PaymentHash, len(update.Htlcs))
	}
}

// paymentResult converts a terminal payment update into a PaymentResult.
func paymentResult(p *lnrpc.Payment) (*PaymentResult, error) {
	hash, err := lntypes.MakeHashFromStr(p.PaymentHash)
	if err != nil {
		return nil, fmt.Errorf("invalid payment hash: %w", err)
	}
	preimage, err := lntypes.MakePreimageFromStr(p.PaymentPreimage)
	if err != nil {
		return nil, fmt.Errorf("invalid preimage: %w", err)
	}

	return &PaymentResult{
		PaymentHash: hash,
		Preimage:    preimage,
		AmountSat:   btcutil.Amount(p.ValueSat),
		FeeSat:      btcutil.Amount(p.FeeSat),
	}, nil
}

// ChannelBalance returns the sum of our local balances across all open
// channels.
func (c *GRPCClient) ChannelBalance(ctx context.Context) (btcutil.Amount,
	error) {

	resp, err := c.ln.ChannelBalance(
		ctx, &lnrpc.ChannelBalanceRequest{},
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	return btcutil.Amount(resp.LocalBalance.GetSat()), nil
}

// ListChannels returns a snapshot of all channels, pending and confirmed.
func (c *GRPCClient) ListChannels(ctx context.Context) ([]ChannelInfo,
	error) {

	var channels []ChannelInfo

	pending, err := c.ln.PendingChannels(
		ctx, &lnrpc.PendingChannelsRequest{},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	for _, pc := range pending.PendingOpenChannels {
		info, err := pendingChannelInfo(pc.Channel, ChannelPendingOpen)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *info)
	}
	for _, wc := range pending.WaitingCloseChannels {
		info, err := pendingChannelInfo(wc.Channel, ChannelPendingClose)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *info)
	}

	open, err := c.ln.ListChannels(ctx, &lnrpc.ListChannelsRequest{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	for _, ch := range open.Channels {
		peer, err := parseHexPubKey(ch.RemotePubkey)
		if err != nil {
			return nil, err
		}

		state := ChannelActive
		if !ch.Active {
			state = ChannelInactive
		}

		channels = append(channels, ChannelInfo{
			PeerNodeID:   peer,
			ChannelPoint: ch.ChannelPoint,
			CapacitySat:  btcutil.Amount(ch.Capacity),
			LocalSat:     btcutil.Amount(ch.LocalBalance),
			State:        state,
		})
	}

	return channels, nil
}

// pendingChannelInfo converts a pending channel report into a ChannelInfo.
func pendingChannelInfo(ch *lnrpc.PendingChannelsResponse_PendingChannel,
	state ChannelObservedState) (*ChannelInfo, error) {

	peer, err := parseHexPubKey(ch.RemoteNodePub)
	if err != nil {
		return nil, err
	}

	return &ChannelInfo{
		PeerNodeID:   peer,
		ChannelPoint: ch.ChannelPoint,
		CapacitySat:  btcutil.Amount(ch.Capacity),
		LocalSat:     btcutil.Amount(ch.LocalBalance),
		State:        state,
	}, nil
}

func parseHexPubKey(s string) (*btcec.PublicKey, error) {
	keyBytes, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid peer pubkey %q: %w", s, err)
	}
	pub, err := btcec.ParsePubKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid peer pubkey %q: %w", s, err)
	}
	return pub, nil
}

// ConnectPeer establishes a persistent connection to the given peer. An
// already established connection is not reported as an error.
func (c *GRPCClient) ConnectPeer(ctx context.Context, addr *NodeAddr) error {
	_, err := c.ln.ConnectPeer(ctx, &lnrpc.ConnectPeerRequest{
		Addr: &lnrpc.LightningAddress{
			Pubkey: hex.EncodeToString(
				addr.PubKey.SerializeCompressed(),
			),
			Host: addr.Host,
		},
	})
	if err != nil && !isAlreadyConnectedErr(err) {
		return fmt.Errorf("unable to connect to %v: %w", addr, err)
	}

	return nil
}

// isAlreadyConnectedErr detects the node's already-connected rejection, which
// we treat as success.
func isAlreadyConnectedErr(err error) bool {
	return err != nil &&
		strings.Contains(err.Error(), "already connected")
}

// OpenChannel requests a private channel to the given peer.
func (c *GRPCClient) OpenChannel(ctx context.Context,
	peer *btcec.PublicKey, capacity btcutil.Amount) (string, error) {

	resp, err := c.ln.OpenChannelSync(ctx, &lnrpc.OpenChannelRequest{
		NodePubkey:         peer.SerializeCompressed(),
		LocalFundingAmount: int64(capacity),
		Private:            true,
	})
	if err != nil {
		return "", fmt.Errorf("unable to open channel: %w", err)
	}

	return fmt.Sprintf("%x:%d", resp.GetFundingTxidBytes(),
		resp.OutputIndex), nil
}

// CloseChannel initiates a cooperative close of the given channel. The close
// confirmation is observed through ListChannels polling, so the update
// stream is drained in the background.
func (c *GRPCClient) CloseChannel(ctx context.Context,
	channelPoint string) error {

	cp, err := parseChannelPoint(channelPoint)
	if err != nil {
		return err
	}

	stream, err := c.ln.CloseChannel(ctx, &lnrpc.CloseChannelRequest{
		ChannelPoint: cp,
	})
	if err != nil {
		return fmt.Errorf("unable to close channel: %w", err)
	}

	go func() {
		for {
			if _, err := stream.Recv(); err != nil {
				return
			}
		}
	}()

	return nil
}

// parseChannelPoint parses a txid:index channel point string.
func parseChannelPoint(s string) (*lnrpc.ChannelPoint, error) {
	txid, indexStr, found := strings.Cut(s, ":")
	if !found || txid == "" {
		return nil, fmt.Errorf("invalid channel point %q", s)
	}
	index, err := strconv.ParseUint(indexStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid channel point %q: %w", s, err)
	}

	return &lnrpc.ChannelPoint{
		FundingTxid: &lnrpc.ChannelPoint_FundingTxidStr{
			FundingTxidStr: txid,
		},
		OutputIndex: uint32(index),
	}, nil
}
