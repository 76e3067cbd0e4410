package inputeval

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/zpay32"
)

// Kind enumerates the payment target variants a raw input string can resolve
// to. Exactly one kind is produced per evaluation.
type Kind uint8

const (
	// KindInvalid is produced for input that matches no known format, or
	// that matches a format but fails its internal validation. The reason
	// is carried in Target.Reason.
	KindInvalid Kind = iota

	// KindOnchainAddress is a base58 or bech32/bech32m Bitcoin address,
	// optionally carrying a BIP21 amount and label.
	KindOnchainAddress

	// KindBolt11Invoice is a BOLT11 payment request.
	KindBolt11Invoice

	// KindLnurlPay is an LNURL-pay endpoint.
	KindLnurlPay

	// KindLnurlWithdraw is an LNURL-withdraw endpoint.
	KindLnurlWithdraw

	// KindLightningAddress is a user@domain lightning address, resolved
	// to an LNURL-pay endpoint at dispatch time.
	KindLightningAddress

	// KindKeySweep is external private key material (WIF, extended
	// private key or script descriptor) to be imported and swept.
	KindKeySweep

	// KindNodeID is a compressed secp256k1 public key identifying a
	// Lightning node, used as a channel-open target.
	KindNodeID
)

// String returns a human readable identifier for the target kind.
func (k Kind) String() string {
	switch k {
	case KindOnchainAddress:
		return "onchain address"
	case KindBolt11Invoice:
		return "bolt11 invoice"
	case KindLnurlPay:
		return "lnurl-pay"
	case KindLnurlWithdraw:
		return "lnurl-withdraw"
	case KindLightningAddress:
		return "lightning address"
	case KindKeySweep:
		return "key sweep"
	case KindNodeID:
		return "node id"
	default:
		return "invalid"
	}
}

// KeyKind enumerates the supported formats for sweepable private key
// material.
type KeyKind uint8

const (
	// KeyWIF is a base58 wallet import format private key.
	KeyWIF KeyKind = iota

	// KeyXprv is a BIP32 extended private key.
	KeyXprv

	// KeyDescriptor is an output script descriptor wrapping private key
	// material.
	KeyDescriptor
)

// String returns a human readable identifier for the key material format.
func (k KeyKind) String() string {
	switch k {
	case KeyWIF:
		return "WIF private key"
	case KeyXprv:
		return "extended private key"
	default:
		return "script descriptor"
	}
}

// KeyMaterial holds decoded private key material for the sweep rail. Exactly
// one of the typed fields is set, according to Kind.
type KeyMaterial struct {
	Kind       KeyKind
	WIF        *btcutil.WIF
	Xprv       *hdkeychain.ExtendedKey
	Descriptor string
}

// Target is the typed result of evaluating a raw input string. Kind selects
// the variant; only the fields documented for that variant are populated.
type Target struct {
	Kind Kind

	// Address is set for KindOnchainAddress.
	Address btcutil.Address

	// Amount carries a BIP21 uri amount (KindOnchainAddress) or the
	// invoice embedded amount (KindBolt11Invoice), when present.
	Amount fn.Option[btcutil.Amount]

	// Label carries the BIP21 label or message parameter for
	// KindOnchainAddress.
	Label fn.Option[string]

	// PayReq is the normalized (lower case) payment request string and
	// Invoice its decoded form, set for KindBolt11Invoice.
	PayReq  string
	Invoice *zpay32.Invoice

	// Endpoint is the https endpoint URL for KindLnurlPay and
	// KindLnurlWithdraw.
	Endpoint string

	// User and Domain are the parts of a KindLightningAddress.
	User   string
	Domain string

	// Sweep is set for KindKeySweep.
	Sweep *KeyMaterial

	// NodeID is set for KindNodeID.
	NodeID *btcec.PublicKey

	// Reason describes why the input was rejected, set for KindInvalid.
	Reason string
}

// lightningAddrRegexp matches localpart@domain with no scheme, the shape of
// a lightning address (LUD-16). The domain needs at least one dot so that
// bare host names don't shadow other formats.
var lightningAddrRegexp = regexp.MustCompile(
	`^[a-zA-Z0-9\-_.+]+@[a-zA-Z0-9\-.]+\.[a-zA-Z]{2,}$`,
)

// descriptorMarkers are the script template functions that identify an input
// as an output descriptor.
var descriptorMarkers = []string{"wpkh(", "wsh(", "tr(", "pkh(", "sh("}

// invoicePrefixes are the BOLT11 human readable part prefixes per network.
var invoicePrefixes = []string{"lnbc", "lntbs", "lntb", "lnbcrt"}

// Evaluate classifies a raw user supplied string into a payment target for
// the given network. It is deterministic and side effect free: any input,
// including the empty string, yields a Target, never an error. Formats can
// structurally overlap, so matching follows a fixed precedence: bitcoin:
// URI, BOLT11 invoice, LNURL, lightning address, private key material,
// plain address, node public key.
func Evaluate(net *chaincfg.Params, raw string) Target {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return invalid("empty input")
	}

	// BIP21 payment URI.
	if len(raw) >= 8 && strings.EqualFold(raw[:8], "bitcoin:") {
		return evalBitcoinURI(net, raw[8:])
	}

	// QR payloads commonly prefix lightning payloads with a lightning:
	// scheme. Strip it so the remainder classifies as usual.
	candidate := raw
	if len(raw) >= 10 && strings.EqualFold(raw[:10], "lightning:") {
		candidate = raw[10:]
	}
	lower := strings.ToLower(candidate)

	// BOLT11 payment request.
	for _, prefix := range invoicePrefixes {
		// lnurl1 also starts with "ln", so only the exact invoice
		// prefixes select this branch.
		if strings.HasPrefix(lower, prefix) && !strings.HasPrefix(lower, "lnurl") {
			return evalInvoice(net, lower)
		}
	}

	// BOLT12 offers are recognized so the rejection is explicit instead
	// of falling through to the generic unknown format error.
	if strings.HasPrefix(lower, "lno1") {
		return invalid("BOLT12 offers not supported yet")
	}

	// LNURL, either bech32 encoded or as a clearnet URL.
	if strings.HasPrefix(lower, "lnurl1") {
		return evalLnurlBech32(lower)
	}
	if t, ok := evalLnurlURL(candidate); ok {
		return t
	}

	// Lightning address.
	if lightningAddrRegexp.MatchString(candidate) {
		parts := strings.SplitN(candidate, "@", 2)
		return Target{
			Kind:   KindLightningAddress,
			User:   parts[0],
			Domain: parts[1],
		}
	}

	// Private key material for the import and sweep flow.
	if t, ok := evalKeyMaterial(net, raw); ok {
		return t
	}

	// Plain on-chain address.
	if t, ok := evalAddress(net, raw); ok {
		return t
	}

	// Compressed node public key, used as a channel open target.
	if t, ok := evalNodeID(raw); ok {
		return t
	}

	return invalid("unrecognized input format")
}

func invalid(reason string) Target {
	return Target{Kind: KindInvalid, Reason: reason}
}

// evalBitcoinURI parses the remainder of a bitcoin: URI. A URI with a missing
// or invalid address yields an invalid target, never a partially populated
// one.
func evalBitcoinURI(net *chaincfg.Params, rest string) Target {
	addrPart := rest
	var query string
	if idx := strings.IndexByte(rest, '?'); idx >= 0 {
		addrPart = rest[:idx]
		query = rest[idx+1:]
	}

	if addrPart == "" {
		return invalid("bitcoin uri carries no address")
	}
	addr, err := decodeAddress(net, addrPart)
	if err != nil {
		return invalid(fmt.Sprintf("invalid address %q in bitcoin uri: %v",
			addrPart, err))
	}

	target := Target{
		Kind:    KindOnchainAddress,
		Address: addr,
	}
	if query == "" {
		return target
	}

	params, err := url.ParseQuery(query)
	if err != nil {
		return invalid(fmt.Sprintf("malformed bitcoin uri query: %v", err))
	}
	if amtStr := params.Get("amount"); amtStr != "" {
		amt, err := ParseBitcoinAmount(amtStr)
		if err != nil {
			return invalid(fmt.Sprintf("invalid amount in bitcoin "+
				"uri: %v", err))
		}
		target.Amount = fn.Some(amt)
	}

	// The BIP21 label identifies the recipient, the message a payment
	// note. The label takes precedence when both are present.
	if label := params.Get("label"); label != "" {
		target.Label = fn.Some(label)
	} else if msg := params.Get("message"); msg != "" {
		target.Label = fn.Some(msg)
	}

	return target
}

// evalInvoice decodes a BOLT11 payment request and extracts its embedded
// amount, when one is encoded.
func evalInvoice(net *chaincfg.Params, payReq string) Target {
	inv, err := zpay32.Decode(payReq, net)
	if err != nil {
		return invalid(fmt.Sprintf("failed to parse invoice: %v", err))
	}

	target := Target{
		Kind:    KindBolt11Invoice,
		PayReq:  payReq,
		Invoice: inv,
	}
	if inv.MilliSat != nil {
		target.Amount = fn.Some(inv.MilliSat.ToSatoshis())
	}

	return target
}

// evalKeyMaterial attempts to interpret the input as sweepable private key
// material: a descriptor, a WIF key, or an extended private key.
func evalKeyMaterial(net *chaincfg.Params, raw string) (Target, bool) {
	for _, marker := range descriptorMarkers {
		if strings.Contains(raw, marker) {
			return Target{
				Kind: KindKeySweep,
				Sweep: &KeyMaterial{
					Kind:       KeyDescriptor,
					Descriptor: raw,
				},
			}, true
		}
	}

	if wif, err := btcutil.DecodeWIF(raw); err == nil {
		if !wif.IsForNet(net) {
			return invalid("private key is for a different network"), true
		}
		return Target{
			Kind:  KindKeySweep,
			Sweep: &KeyMaterial{Kind: KeyWIF, WIF: wif},
		}, true
	}

	// Extended keys share the base58 alphabet with addresses but are much
	// longer, so a successful parse is unambiguous.
	if key, err := hdkeychain.NewKeyFromString(raw); err == nil {
		if !key.IsPrivate() {
			return invalid("extended public keys cannot be swept"), true
		}
		if !key.IsForNet(net) {
			return invalid("extended key is for a different network"), true
		}
		return Target{
			Kind:  KindKeySweep,
			Sweep: &KeyMaterial{Kind: KeyXprv, Xprv: key},
		}, true
	}

	return Target{}, false
}

// evalAddress attempts to decode a checksummed on-chain address.
func evalAddress(net *chaincfg.Params, raw string) (Target, bool) {
	addr, err := decodeAddress(net, raw)
	if err != nil {
		return Target{}, false
	}
	return Target{Kind: KindOnchainAddress, Address: addr}, true
}

// decodeAddress wraps btcutil address decoding with the checks shared by the
// plain and uri paths: the address must be for the configured network, and
// bare serialized public keys are not accepted as payment addresses (a 66
// character hex string classifies as a node id instead).
func decodeAddress(net *chaincfg.Params, s string) (btcutil.Address, error) {
	addr, err := btcutil.DecodeAddress(s, net)
	if err != nil {
		return nil, err
	}
	if _, isPubKey := addr.(*btcutil.AddressPubKey); isPubKey {
		return nil, fmt.Errorf("serialized public key is not a " +
			"payment address")
	}
	if !addr.IsForNet(net) {
		return nil, fmt.Errorf("address is not for %s", net.Name)
	}
	return addr, nil
}

// evalNodeID attempts to interpret the input as a 33 byte compressed node
// public key in hex encoding.
func evalNodeID(raw string) (Target, bool) {
	if len(raw) != 66 {
		return Target{}, false
	}
	keyBytes, err := hex.DecodeString(raw)
	if err != nil {
		return Target{}, false
	}
	if keyBytes[0] != 0x02 && keyBytes[0] != 0x03 {
		return Target{}, false
	}
	pub, err := btcec.ParsePubKey(keyBytes)
	if err != nil {
		return invalid(fmt.Sprintf("invalid node public key: %v", err)), true
	}
	return Target{Kind: KindNodeID, NodeID: pub}, true
}

// EffectiveAmount resolves the amount to use for this target against a user
// supplied one. An invoice embedded amount always wins over the user field,
// preventing accidental over or underpayment against what the recipient
// signed. A BIP21 uri amount only fills in a blank user field.
func (t Target) EffectiveAmount(
	user fn.Option[btcutil.Amount]) fn.Option[btcutil.Amount] {

	switch t.Kind {
	case KindBolt11Invoice:
		return t.Amount.Alt(user)
	case KindOnchainAddress:
		return user.Alt(t.Amount)
	default:
		return user
	}
}

// EffectiveDescription resolves the description to display for this target
// against a user supplied one. Descriptions embedded in the recipient
// supplied material (invoice description, uri label) take precedence, since
// they describe what the recipient expects the payment for.
func (t Target) EffectiveDescription(user string) string {
	switch t.Kind {
	case KindBolt11Invoice:
		if t.Invoice != nil && t.Invoice.Description != nil {
			return *t.Invoice.Description
		}
	case KindOnchainAddress:
		if t.Label.IsSome() {
			return t.Label.UnwrapOr("")
		}
	}
	return user
}

// DisplayRecipient renders the normalized recipient for the UI. Private key
// material is never echoed back.
func (t Target) DisplayRecipient() string {
	switch t.Kind {
	case KindOnchainAddress:
		return t.Address.String()
	case KindBolt11Invoice:
		return t.PayReq
	case KindLnurlPay, KindLnurlWithdraw:
		return t.Endpoint
	case KindLightningAddress:
		return t.User + "@" + t.Domain
	case KindKeySweep:
		return t.Sweep.Kind.String()
	case KindNodeID:
		return hex.EncodeToString(t.NodeID.SerializeCompressed())
	default:
		return ""
	}
}
