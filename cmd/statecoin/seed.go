package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/statecoin/walletd/client"
)

// loadOrCreateSeed reads the hex-encoded seed at path, generating and
// persisting a fresh one via client.GenerateSeed if the file doesn't exist
// yet. The mnemonic is only ever printed at generation time; it is never
// written to disk.
func loadOrCreateSeed(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		seed, decodeErr := hex.DecodeString(string(raw))
		if decodeErr != nil {
			return nil, fmt.Errorf("seed file %s is not valid hex: %w", path, decodeErr)
		}
		return seed, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	mnemonic, seed, err := client.GenerateSeed()
	if err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0600); err != nil {
		return nil, fmt.Errorf("write seed file: %w", err)
	}

	fmt.Fprintf(os.Stderr, "new wallet seed written to %s\nback this mnemonic up, it is shown only once:\n%s\n", path, mnemonic)
	return seed, nil
}
