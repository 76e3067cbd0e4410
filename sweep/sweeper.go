// Package sweep implements the key-import sweep rail: external private key
// material is expanded into candidate output descriptors, their balances are
// discovered through the chain backend, and the wallet engine drains every
// funded candidate into one of our own addresses.
package sweep

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/ulrichard/utwallet/chainwallet"
	"github.com/ulrichard/utwallet/esplora"
	"github.com/ulrichard/utwallet/inputeval"
)

// ErrNothingToSweep is returned when none of the candidate scripts holds a
// balance.
var ErrNothingToSweep = errors.New("no balances found to sweep")

// scriptTemplates are the descriptor shapes tried for bare key material.
// Wallets have historically used any of these for the same key, so all four
// are probed.
var scriptTemplates = []string{
	"pkh(%s)",
	"wpkh(%s)",
	"wsh(pk(%s))",
	"sh(wsh(pk(%s)))",
}

// Config packages the collaborators of the Sweeper.
type Config struct {
	// Chain is the chain backend used for balance discovery.
	Chain *esplora.Client

	// Wallet is the wallet engine that imports and drains the funded
	// candidates.
	Wallet chainwallet.Wallet

	// Net is the active network.
	Net *chaincfg.Params
}

// Sweeper drains external key material into the wallet.
type Sweeper struct {
	cfg Config
}

// New creates a Sweeper.
func New(cfg Config) *Sweeper {
	return &Sweeper{cfg: cfg}
}

// Candidates expands key material into the descriptor strings to probe. A
// descriptor input is used as is; bare keys are wrapped in each script
// template.
func Candidates(key *inputeval.KeyMaterial) []string {
	switch key.Kind {
	case inputeval.KeyDescriptor:
		return []string{key.Descriptor}

	case inputeval.KeyWIF:
		return expandTemplates(key.WIF.String())

	default:
		return expandTemplates(key.Xprv.String() + "/*")
	}
}

func expandTemplates(inner string) []string {
	candidates := make([]string, 0, len(scriptTemplates))
	for _, template := range scriptTemplates {
		candidates = append(candidates,
			fmt.Sprintf(template, inner))
	}

	return candidates
}

// Sweep discovers the balances spendable by the given key material and
// drains them into dest. Discovery is read only; each funded candidate is
// drained by the wallet engine in its own atomic broadcast. The returned
// results carry one entry per swept candidate.
func (s *Sweeper) Sweep(ctx context.Context, key *inputeval.KeyMaterial,
	dest btcutil.Address) ([]chainwallet.SweepResult, error) {

	candidates := Candidates(key)

	// For a bare WIF key the candidate addresses are computable locally,
	// so an empty sweep is detected before the wallet engine does any
	// work. Extended keys and descriptors need the engine's derivation
	// machinery and skip the probe.
	if key.Kind == inputeval.KeyWIF {
		total, err := s.probeWIF(ctx, key)
		if err != nil {
			log.Warnf("Sweep balance probe failed, proceeding "+
				"without it: %v", err)
		} else if total == 0 {
			return nil, ErrNothingToSweep
		} else {
			log.Infof("Sweep probe discovered %v across "+
				"candidate scripts", total)
		}
	}

	results, err := s.cfg.Wallet.SweepOutputs(ctx, candidates, dest)
	if err != nil {
		return nil, fmt.Errorf("sweep failed: %w", err)
	}
	if len(results) == 0 {
		return nil, ErrNothingToSweep
	}

	for _, result := range results {
		log.Infof("Swept %v in %s", result.AmountSat, result.TxHash)
	}

	return results, nil
}

// probeWIF sums the confirmed and mempool balances across the candidate
// addresses of a WIF key.
func (s *Sweeper) probeWIF(ctx context.Context,
	key *inputeval.KeyMaterial) (btcutil.Amount, error) {

	addrs, err := CandidateAddresses(key, s.cfg.Net)
	if err != nil {
		return 0, err
	}

	var total btcutil.Amount
	for _, addr := range addrs {
		stats, err := s.cfg.Chain.AddressStats(ctx, addr.String())
		if err != nil {
			return 0, err
		}

		total += stats.ConfirmedSat() + stats.MempoolSat()
	}

	return total, nil
}

// CandidateAddresses computes the address of each script template for a
// bare WIF key: p2pkh, p2wpkh, p2wsh over pay-to-pubkey, and p2sh wrapping
// that p2wsh.
func CandidateAddresses(key *inputeval.KeyMaterial,
	net *chaincfg.Params) ([]btcutil.Address, error) {

	if key.Kind != inputeval.KeyWIF {
		return nil, errors.New("candidate addresses require a WIF key")
	}

	pubKey := key.WIF.PrivKey.PubKey().SerializeCompressed()
	pubKeyHash := btcutil.Hash160(pubKey)

	pkh, err := btcutil.NewAddressPubKeyHash(pubKeyHash, net)
	if err != nil {
		return nil, err
	}

	wpkh, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, net)
	if err != nil {
		return nil, err
	}

	// wsh(pk): a p2wsh output whose witness script is a bare
	// pay-to-pubkey.
	pkScript, err := txscript.NewScriptBuilder().
		AddData(pubKey).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return nil, err
	}
	scriptHash := sha256.Sum256(pkScript)
	wsh, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], net)
	if err != nil {
		return nil, err
	}

	// sh(wsh(pk)): the same p2wsh output nested in p2sh.
	wshScript, err := txscript.PayToAddrScript(wsh)
	if err != nil {
		return nil, err
	}
	sh, err := btcutil.NewAddressScriptHash(wshScript, net)
	if err != nil {
		return nil, err
	}

	return []btcutil.Address{pkh, wpkh, wsh, sh}, nil
}
