// Package transfer implements TransferSender and TransferReceiver: the
// two halves of moving a statecoin between owners without an on-chain
// transaction, by rotating the private-key shares behind a fixed funding
// output rather than spending it.
package transfer

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// computeT1 derives the sender's transport tweak for a key-update round: a
// multiplicative blinding of the sender's user secret key relative to the
// receiver's incoming public key, so that once the receiver combines it
// with the SE's freshly issued share the two new shares still sum to the
// same funding aggregate key tx0 was locked to. The TransferMsg carrying
// it is itself ECIES-encrypted to the receiver's auth key, so no further
// blinding of the wire bytes is needed here.
func computeT1(senderUserSeckey *btcec.PrivateKey, receiverUserPubkey *btcec.PublicKey) ([]byte, error) {
	if senderUserSeckey == nil || receiverUserPubkey == nil {
		return nil, fmt.Errorf("transfer: sender key and receiver pubkey required")
	}

	blind := blindingScalar(receiverUserPubkey)

	var senderScalar btcec.ModNScalar
	senderScalar.Set(&senderUserSeckey.Key)

	var t1 btcec.ModNScalar
	t1.Mul2(&senderScalar, &blind)

	out := t1.Bytes()
	return out[:], nil
}

// deriveReceiverUserSeckey combines the sender's t1 with the SE's freshly
// issued share x1 to produce the receiver's new user secret key: the
// inverse of the blinding computeT1 applied, then folded with the SE's
// contribution.
func deriveReceiverUserSeckey(t1 []byte, receiverUserPubkey *btcec.PublicKey, sePriv []byte) (*btcec.PrivateKey, error) {
	var t1Scalar btcec.ModNScalar
	if overflow := t1Scalar.SetByteSlice(t1); overflow {
		return nil, fmt.Errorf("transfer: t1 out of range")
	}

	blind := blindingScalar(receiverUserPubkey)
	var blindInv btcec.ModNScalar
	blindInv.Set(&blind).InverseNonConst()

	var unblinded btcec.ModNScalar
	unblinded.Mul2(&t1Scalar, &blindInv)

	if len(sePriv) > 0 {
		var seScalar btcec.ModNScalar
		if overflow := seScalar.SetByteSlice(sePriv); !overflow {
			unblinded.Add(&seScalar)
		}
	}

	keyBytes := unblinded.Bytes()
	priv, _ := btcec.PrivKeyFromBytes(keyBytes[:])
	return priv, nil
}

// blindingScalar derives a deterministic, non-zero per-transfer blinding
// factor from the receiver's incoming public key, so both sides compute
// the same value without exchanging one separately.
func blindingScalar(receiverUserPubkey *btcec.PublicKey) btcec.ModNScalar {
	h := sha256.Sum256(receiverUserPubkey.SerializeCompressed())
	var s btcec.ModNScalar
	if overflow := s.SetBytes(&h); overflow != 0 || s.IsZero() {
		s.SetInt(1)
	}
	return s
}
