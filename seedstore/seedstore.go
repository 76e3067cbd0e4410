// Package seedstore handles the lifecycle of the wallet seed file: loaded at
// startup when present, generated and persisted exactly once when absent.
// The byte level encryption of wallet material is the wallet engine's
// concern, not ours.
package seedstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// ErrCorruptSeed is returned when an existing seed file cannot be decoded.
// This is the only fatal startup error class: the wallet cannot operate
// without its key material, and overwriting a corrupt file could destroy
// funds.
var ErrCorruptSeed = errors.New("seed file is corrupt")

// seedFilePerm keeps the seed readable by the owning user only.
const seedFilePerm = 0o600

// LoadOrCreate returns the seed stored at path, creating the file with a
// freshly generated seed when it does not exist. An existing but unreadable
// or malformed file is never overwritten.
func LoadOrCreate(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		return decode(path, content)

	case os.IsNotExist(err):
		return create(path)

	default:
		return nil, fmt.Errorf("%w: %v", ErrCorruptSeed, err)
	}
}

// decode parses an existing seed file.
func decode(path string, content []byte) ([]byte, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(string(content)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not hex encoded: %v",
			ErrCorruptSeed, path, err)
	}

	if len(seed) < hdkeychain.MinSeedBytes ||
		len(seed) > hdkeychain.MaxSeedBytes {

		return nil, fmt.Errorf("%w: unexpected seed length %d",
			ErrCorruptSeed, len(seed))
	}

	return seed, nil
}

// create generates a fresh seed and persists it before returning it, so a
// crash between generation and first use never loses funds.
func create(path string) ([]byte, error) {
	seed, err := hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
	if err != nil {
		return nil, fmt.Errorf("unable to generate seed: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("unable to create seed dir: %w", err)
	}

	encoded := hex.EncodeToString(seed) + "\n"
	if err := os.WriteFile(
		path, []byte(encoded), seedFilePerm,
	); err != nil {
		return nil, fmt.Errorf("unable to persist seed: %w", err)
	}

	return seed, nil
}
