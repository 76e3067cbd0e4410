package inputeval

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

const (
	// Test vectors shared across the classification cases. The invoices
	// are the well known BOLT11 examples, signed for mainnet.
	testAddrBech32 = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	testAddrURI    = "bc1qa8dn66xn2yq4fcaee4f0gwkkr6e6em643cm8fa"
	testAddrBase58 = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	testAddrP2SH   = "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy"

	// 2500 uBTC invoice for "1 cup coffee", 60 second expiry.
	testInvoice2500u = "lnbc2500u1pvjluezpp5qqqsyqcyq5rqwzqfqqqsyqcyq5rqw" +
		"zqfqqqsyqcyq5rqwzqfqypqdq5xysxxatsyp3k7enxv4jsxqzpuaztrnwngzn" +
		"3kdzw5hydlzf03qdgm2hdq27cqv3agm2awhz5se903vruatfhq77w3ls4evs3" +
		"ch9zw97j25emudupq63nyw24cg27h2rspfj9srp"

	// Invoice without an embedded amount.
	testInvoiceNoAmt = "lnbc1pvjluezpp5qqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqq" +
		"qsyqcyq5rqwzqfqypqdq5xysxxatsyp3k7enxv4jshwlglv23cytkzvq8ld39" +
		"drs8sq656yh2zn0aevrwu6uqctaklelhtpjnmgjdzmvwsh0kuxuwqf69fjeap" +
		"9m5mev2qzpp27xfswhs5vgqmn9xzq"

	// LUD-01 example LNURL, decoding to testLnurlEndpoint.
	testLnurlBech32 = "lnurl1dp68gurn8ghj7um9wfmxjcm99e3k7mf0v9cxj0m385ek" +
		"vcenxc6r2c35xvukxefcv5mkvv34x5ekzd3ev56nyd3hxqurzepexejxxepnx" +
		"scrvwfnv9nxzcn9xq6xyefhvgcxxcmyxymnserxfq5fns"
	testLnurlEndpoint = "https://service.com/api?q=3fc3645b439ce8e7f2553a" +
		"69e5267081d96dcd340693afabe04be7b0ccd178df"

	testWIFUncompressed = "5HpHagT65TZzG1PH3CSu63k8DbpvD8s5ip4nEB3kEsreAn" +
		"chuDf"
	testWIFCompressed = "KwDiBf89QgGbjEhKnhXJuH7LrciVrZi3qYjgd9M7rFU73sVH" +
		"noWn"

	// BIP32 test vector 1 master keys.
	testXprv = "xprv9s21ZrQH143K3QTDL4LXw2F7HEK3wJUD2nW2nRk4stbPy6cq3jPPq" +
		"jiChkVvvNKmPGJxWUtg6LnF5kejMRNNU3TGtRBeJgk33yuGBxrMPHi"
	testXpub = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGheP" +
		"Y2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"

	testNodePubKey = "03a46be38d068c2bc5af3fc13da840790ed5643f3d6d27e5e34" +
		"d67ed2aec16ce67"
)

// TestEvaluate exercises the classification precedence across every supported
// input format.
func TestEvaluate(t *testing.T) {
	t.Parallel()

	net := &chaincfg.MainNetParams

	testCases := []struct {
		name  string
		input string
		check func(t *testing.T, target Target)
	}{{
		name:  "empty input",
		input: "",
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindInvalid, target.Kind)
			require.Equal(t, "empty input", target.Reason)
		},
	}, {
		name:  "whitespace only",
		input: "  \t ",
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindInvalid, target.Kind)
		},
	}, {
		name:  "unknown format",
		input: "certainly not a payment target",
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindInvalid, target.Kind)
			require.Equal(
				t, "unrecognized input format", target.Reason,
			)
		},
	}, {
		name:  "bech32 address",
		input: testAddrBech32,
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindOnchainAddress, target.Kind)
			require.Equal(
				t, testAddrBech32, target.Address.String(),
			)
			require.True(t, target.Amount.IsNone())
		},
	}, {
		name:  "base58 address",
		input: testAddrBase58,
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindOnchainAddress, target.Kind)
			require.Equal(
				t, testAddrBase58, target.Address.String(),
			)
		},
	}, {
		name:  "p2sh address",
		input: testAddrP2SH,
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindOnchainAddress, target.Kind)
		},
	}, {
		name:  "testnet address on mainnet",
		input: "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx",
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindInvalid, target.Kind)
		},
	}, {
		name: "bitcoin uri with amount and label",
		input: "bitcoin:" + testAddrURI +
			"?label=test&amount=100",
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindOnchainAddress, target.Kind)
			require.Equal(
				t, testAddrURI, target.Address.String(),
			)
			require.Equal(
				t, btcutil.Amount(10_000_000_000),
				target.Amount.UnwrapOr(0),
			)
			require.Equal(t, "test", target.Label.UnwrapOr(""))
		},
	}, {
		name:  "bitcoin uri without query",
		input: "bitcoin:" + testAddrBech32,
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindOnchainAddress, target.Kind)
			require.True(t, target.Amount.IsNone())
			require.True(t, target.Label.IsNone())
		},
	}, {
		name:  "bitcoin uri with message fallback",
		input: "bitcoin:" + testAddrBech32 + "?message=rent",
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindOnchainAddress, target.Kind)
			require.Equal(t, "rent", target.Label.UnwrapOr(""))
		},
	}, {
		name:  "bitcoin uri with bad amount",
		input: "bitcoin:" + testAddrBech32 + "?amount=abc",
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindInvalid, target.Kind)
		},
	}, {
		name:  "bitcoin uri without address",
		input: "bitcoin:?amount=1",
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindInvalid, target.Kind)
		},
	}, {
		name:  "invoice with embedded amount",
		input: testInvoice2500u,
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindBolt11Invoice, target.Kind)
			require.Equal(t, testInvoice2500u, target.PayReq)
			require.Equal(
				t, btcutil.Amount(250_000),
				target.Amount.UnwrapOr(0),
			)
			require.NotNil(t, target.Invoice)
			require.Equal(
				t, "1 cup coffee",
				*target.Invoice.Description,
			)
		},
	}, {
		name:  "invoice without amount",
		input: testInvoiceNoAmt,
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindBolt11Invoice, target.Kind)
			require.True(t, target.Amount.IsNone())
		},
	}, {
		name:  "invoice with lightning prefix",
		input: "lightning:" + testInvoice2500u,
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindBolt11Invoice, target.Kind)
			require.Equal(t, testInvoice2500u, target.PayReq)
		},
	}, {
		name:  "malformed invoice",
		input: "lnbc1qqqqqqqqqqqq",
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindInvalid, target.Kind)
			require.Contains(t, target.Reason, "invoice")
		},
	}, {
		name:  "bolt12 offer rejected",
		input: "lno1qcp4256ypqpq86q2pucnq42ngssx2an9wfujqerp0y2pqun4wd68jtn00fkxzcnn9ehhyec6qgqsz",
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindInvalid, target.Kind)
			require.Contains(t, target.Reason, "BOLT12")
		},
	}, {
		name:  "lnurl bech32",
		input: testLnurlBech32,
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindLnurlPay, target.Kind)
			require.Equal(
				t, testLnurlEndpoint, target.Endpoint,
			)
		},
	}, {
		name:  "lnurl bech32 with lightning prefix",
		input: "lightning:" + testLnurlBech32,
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindLnurlPay, target.Kind)
		},
	}, {
		name:  "lnurl pay url",
		input: "https://example.com/lnurlp/alice",
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindLnurlPay, target.Kind)
			require.Equal(
				t, "https://example.com/lnurlp/alice",
				target.Endpoint,
			)
		},
	}, {
		name:  "lnurl withdraw url",
		input: "https://example.com/lnurlw/api?k1=deadbeef",
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindLnurlWithdraw, target.Kind)
		},
	}, {
		name:  "plain https url is not a target",
		input: "https://example.com/index.html",
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindInvalid, target.Kind)
		},
	}, {
		name:  "lightning address",
		input: "satoshi@bitcoin.org",
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindLightningAddress, target.Kind)
			require.Equal(t, "satoshi", target.User)
			require.Equal(t, "bitcoin.org", target.Domain)
		},
	}, {
		name:  "wif uncompressed",
		input: testWIFUncompressed,
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindKeySweep, target.Kind)
			require.Equal(t, KeyWIF, target.Sweep.Kind)
			require.NotNil(t, target.Sweep.WIF)
			require.False(t, target.Sweep.WIF.CompressPubKey)
		},
	}, {
		name:  "wif compressed",
		input: testWIFCompressed,
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindKeySweep, target.Kind)
			require.Equal(t, KeyWIF, target.Sweep.Kind)
			require.True(t, target.Sweep.WIF.CompressPubKey)
		},
	}, {
		name:  "extended private key",
		input: testXprv,
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindKeySweep, target.Kind)
			require.Equal(t, KeyXprv, target.Sweep.Kind)
			require.True(t, target.Sweep.Xprv.IsPrivate())
		},
	}, {
		name:  "extended public key rejected",
		input: testXpub,
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindInvalid, target.Kind)
			require.Contains(t, target.Reason, "public")
		},
	}, {
		name:  "descriptor",
		input: "wpkh(" + testXprv + "/0/*)",
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindKeySweep, target.Kind)
			require.Equal(t, KeyDescriptor, target.Sweep.Kind)
			require.Contains(
				t, target.Sweep.Descriptor, testXprv,
			)
		},
	}, {
		name:  "node public key",
		input: testNodePubKey,
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindNodeID, target.Kind)
			require.Equal(
				t, testNodePubKey, target.DisplayRecipient(),
			)
		},
	}, {
		name:  "hex string of the wrong length",
		input: testNodePubKey[:64],
		check: func(t *testing.T, target Target) {
			require.Equal(t, KindInvalid, target.Kind)
		},
	}}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tc.check(t, Evaluate(net, tc.input))
		})
	}
}

// TestEffectiveAmount asserts the amount reconciliation rules: an invoice
// embedded amount always wins, a uri amount only fills a blank user field.
func TestEffectiveAmount(t *testing.T) {
	t.Parallel()

	net := &chaincfg.MainNetParams
	userAmount := fn.Some(btcutil.Amount(42_000))

	// The invoice encodes 250'000 sat; the user field is ignored.
	invoice := Evaluate(net, testInvoice2500u)
	require.Equal(
		t, btcutil.Amount(250_000),
		invoice.EffectiveAmount(userAmount).UnwrapOr(0),
	)

	// An invoice without an amount passes the user field through.
	blank := Evaluate(net, testInvoiceNoAmt)
	require.Equal(
		t, btcutil.Amount(42_000),
		blank.EffectiveAmount(userAmount).UnwrapOr(0),
	)

	// A uri amount fills a blank user field.
	uri := Evaluate(net, "bitcoin:"+testAddrBech32+"?amount=0.001")
	require.Equal(
		t, btcutil.Amount(100_000),
		uri.EffectiveAmount(fn.None[btcutil.Amount]()).UnwrapOr(0),
	)

	// But an explicit user amount overrides the uri.
	require.Equal(
		t, btcutil.Amount(42_000),
		uri.EffectiveAmount(userAmount).UnwrapOr(0),
	)
}

// TestEffectiveDescription asserts that recipient supplied descriptions win
// over the user field.
func TestEffectiveDescription(t *testing.T) {
	t.Parallel()

	net := &chaincfg.MainNetParams

	invoice := Evaluate(net, testInvoice2500u)
	require.Equal(t, "1 cup coffee", invoice.EffectiveDescription("mine"))

	uri := Evaluate(net, "bitcoin:"+testAddrBech32+"?label=rent")
	require.Equal(t, "rent", uri.EffectiveDescription("mine"))

	plain := Evaluate(net, testAddrBech32)
	require.Equal(t, "mine", plain.EffectiveDescription("mine"))
}

// TestDisplayRecipientNeverEchoesKeys asserts that private key material is
// not reflected in the display string.
func TestDisplayRecipientNeverEchoesKeys(t *testing.T) {
	t.Parallel()

	net := &chaincfg.MainNetParams

	for _, input := range []string{
		testWIFUncompressed, testXprv, "wpkh(" + testXprv + "/0/*)",
	} {
		target := Evaluate(net, input)
		require.Equal(t, KindKeySweep, target.Kind)
		require.NotContains(t, target.DisplayRecipient(), input)
	}
}

// TestParseBitcoinAmount exercises the decimal BTC amount parser.
func TestParseBitcoinAmount(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected btcutil.Amount
		wantErr  bool
	}{{
		name:     "empty means unset",
		input:    "",
		expected: 0,
	}, {
		name:     "whole coins",
		input:    "100",
		expected: 10_000_000_000,
	}, {
		name:     "fraction",
		input:    "0.5",
		expected: 50_000_000,
	}, {
		name:     "single satoshi",
		input:    "0.00000001",
		expected: 1,
	}, {
		name:    "negative",
		input:   "-1",
		wantErr: true,
	}, {
		name:    "not a number",
		input:   "abc",
		wantErr: true,
	}}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			amount, err := ParseBitcoinAmount(tc.input)
			if tc.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.expected, amount)
		})
	}
}
