package walletcrypto

import (
	"crypto/rand"
	"crypto/sha256"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// BlindingFactor is the per-round secret the client mixes into the sighash
// before asking the statechain entity for a partial signature, so the
// commitment it hands over reveals nothing about the transaction being
// signed.
type BlindingFactor [32]byte

// NewBlindingFactor draws a fresh random blinding factor.
func NewBlindingFactor() (BlindingFactor, error) {
	var b BlindingFactor
	if _, err := rand.Read(b[:]); err != nil {
		return BlindingFactor{}, err
	}
	return b, nil
}

// Commitment computes H(sighash || blinding_factor), the value sent to the
// statechain entity's blind-cosign endpoints in place of the real sighash.
func Commitment(sighash chainhash.Hash, blind BlindingFactor) [32]byte {
	h := sha256.New()
	h.Write(sighash[:])
	h.Write(blind[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
