package walletcrypto

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// SignDigest produces a BIP-340 Schnorr signature over sha256(data). The
// client uses it to sign a token_id at deposit init; the transfer package
// signs its statechain_id and transfer commitments with schnorr.Sign
// directly.
func SignDigest(priv *btcec.PrivateKey, data []byte) (*schnorr.Signature, error) {
	digest := sha256.Sum256(data)
	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig, nil
}

// VerifyDigest verifies a signature produced by SignDigest.
func VerifyDigest(pub *btcec.PublicKey, data []byte, sig *schnorr.Signature) bool {
	digest := sha256.Sum256(data)
	return sig.Verify(digest[:], pub)
}
