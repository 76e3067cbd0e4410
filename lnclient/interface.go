package lnclient

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"
)

var (
	// ErrNotConnected is returned when the node backend cannot be
	// reached.
	ErrNotConnected = errors.New("lightning node not reachable")

	// ErrPaymentFailed is returned when a payment attempt terminally
	// failed at the node.
	ErrPaymentFailed = errors.New("payment failed")

	// ErrNoRoute is returned when the node could not find a route to the
	// destination.
	ErrNoRoute = errors.New("no route to destination")
)

// NodeInfo describes the identity and sync state of the backing node.
type NodeInfo struct {
	// IdentityPubKey is the node's identity public key.
	IdentityPubKey *btcec.PublicKey

	// Alias is the node's configured alias.
	Alias string

	// SyncedToChain is true once the node's chain view is caught up.
	SyncedToChain bool
}

// Invoice is a payment request created by our own node.
type Invoice struct {
	// PaymentRequest is the bech32 encoded BOLT11 invoice.
	PaymentRequest string

	// PaymentHash is the hash the invoice is locked to.
	PaymentHash lntypes.Hash

	// AmountSat is the invoice amount.
	AmountSat btcutil.Amount
}

// PaymentResult describes a settled outgoing payment.
type PaymentResult struct {
	// PaymentHash identifies the settled payment.
	PaymentHash lntypes.Hash

	// Preimage is the proof of payment.
	Preimage lntypes.Preimage

	// AmountSat is the amount delivered to the destination.
	AmountSat btcutil.Amount

	// FeeSat is the routing fee paid on top of the amount.
	FeeSat btcutil.Amount
}

// ChannelObservedState is the state of a channel as reported by the node
// backend, before any app level interpretation.
type ChannelObservedState uint8

const (
	// ChannelPendingOpen is a channel whose funding transaction has not
	// confirmed yet.
	ChannelPendingOpen ChannelObservedState = iota

	// ChannelActive is a confirmed, usable channel.
	ChannelActive

	// ChannelInactive is a confirmed channel whose peer is currently
	// offline.
	ChannelInactive

	// ChannelPendingClose is a channel waiting for its closing
	// transaction to confirm.
	ChannelPendingClose
)

// String returns a human readable channel state identifier.
func (s ChannelObservedState) String() string {
	switch s {
	case ChannelPendingOpen:
		return "pending open"
	case ChannelActive:
		return "active"
	case ChannelInactive:
		return "inactive"
	case ChannelPendingClose:
		return "pending close"
	default:
		return "unknown"
	}
}

// ChannelInfo is a snapshot of one channel as reported by the node.
type ChannelInfo struct {
	// PeerNodeID is the identity key of the remote peer.
	PeerNodeID *btcec.PublicKey

	// ChannelPoint is the funding outpoint in txid:index form.
	ChannelPoint string

	// CapacitySat is the total channel capacity.
	CapacitySat btcutil.Amount

	// LocalSat is our current balance in the channel.
	LocalSat btcutil.Amount

	// State is the node observed channel state.
	State ChannelObservedState
}

// Lightning is the contract the wallet core requires from the Lightning node
// collaborator. Implementations must be safe for concurrent use.
type Lightning interface {
	// NodeInfo returns the identity and sync state of the node.
	NodeInfo(ctx context.Context) (*NodeInfo, error)

	// CreateInvoice creates a BOLT11 invoice for the given amount and
	// memo.
	CreateInvoice(ctx context.Context, amt btcutil.Amount,
		memo string) (*Invoice, error)

	// PayInvoice pays a BOLT11 payment request. For zero amount invoices
	// the amount to send must be supplied, otherwise it must be zero.
	PayInvoice(ctx context.Context, payReq string,
		amt btcutil.Amount) (*PaymentResult, error)

	// ChannelBalance returns the sum of our local balances across all
	// open channels.
	ChannelBalance(ctx context.Context) (btcutil.Amount, error)

	// ListChannels returns a snapshot of all channels, pending and
	// confirmed.
	ListChannels(ctx context.Context) ([]ChannelInfo, error)

	// ConnectPeer establishes a persistent connection to the given peer.
	// Connecting to an already connected peer is not an error.
	ConnectPeer(ctx context.Context, addr *NodeAddr) error

	// OpenChannel requests a private channel to the given peer, funded
	// with the given capacity from our on-chain balance. It returns the
	// funding channel point once the funding transaction is published.
	OpenChannel(ctx context.Context, peer *btcec.PublicKey,
		capacity btcutil.Amount) (string, error)

	// CloseChannel initiates a cooperative close of the channel with the
	// given channel point.
	CloseChannel(ctx context.Context, channelPoint string) error

	// SubscribeEvents returns a stream of node lifecycle events. The
	// returned channel is closed when the subscription terminates.
	SubscribeEvents(ctx context.Context) (<-chan Event, error)
}

// NodeAddr is a network address of a Lightning peer.
type NodeAddr struct {
	// PubKey is the peer's identity public key.
	PubKey *btcec.PublicKey

	// Host is the peer's host:port network address.
	Host string
}

// String returns the pubkey@host form of the address.
func (a *NodeAddr) String() string {
	return fmt.Sprintf("%x@%s",
		a.PubKey.SerializeCompressed(), a.Host)
}

// ParseNodeAddr parses a peer address in pubkey@host:port form.
func ParseNodeAddr(s string) (*NodeAddr, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "@", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("peer address %q is not in "+
			"pubkey@host form", s)
	}

	keyBytes, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid peer pubkey: %w", err)
	}
	pub, err := btcec.ParsePubKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid peer pubkey: %w", err)
	}
	if parts[1] == "" {
		return nil, fmt.Errorf("peer address %q has no host", s)
	}

	return &NodeAddr{PubKey: pub, Host: parts[1]}, nil
}
