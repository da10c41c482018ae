package transfer

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/statecoin/walletd/statecoin"
	"github.com/statecoin/walletd/walletcrypto"
)

// taprootAddress returns the P2TR address and scriptPubKey for the MuSig2
// aggregate of a and b, exactly the pairing every backup's destination and
// every funding output is locked to.
func taprootAddress(params *chaincfg.Params, a, b *btcec.PublicKey) (string, []byte, error) {
	outputKey := walletcrypto.ComputeTaprootOutputKey(aggregate(a, b))

	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), params)
	if err != nil {
		return "", nil, err
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return "", nil, err
	}
	return addr.EncodeAddress(), script, nil
}

// aggregate returns the raw (pre-tweak) MuSig2 aggregate of two signer
// keys. Callers pass the result through walletcrypto.ComputeTaprootOutputKey
// for the spendable P2TR output key, matching walletcrypto.Session's own
// convention.
func aggregate(a, b *btcec.PublicKey) *btcec.PublicKey {
	agg, _, _, err := musig2.AggregateKeys([]*btcec.PublicKey{a, b}, true, musig2.WithBIP86KeyTweak())
	if err != nil {
		return nil
	}
	return agg.PreTweakedKey
}

// transferCommitment is the message TransferSender signs with auth_seckey:
// the funding outpoint bound to the receiver's incoming user pubkey, so the
// signature cannot be replayed against a different recipient.
func transferCommitment(outpoint wire.OutPoint, receiverUserPubkey *btcec.PublicKey) []byte {
	h := chainhash.HashH(append(
		append([]byte{}, outpoint.Hash[:]...),
		receiverUserPubkey.SerializeCompressed()...,
	))
	return h[:]
}

// verifyTransferSignature checks msg.TransferSignature is a valid Schnorr
// signature by msg.SenderAuthPubkey over the funding outpoint bound to
// msg.NewUserPubkey. This is the receiver's first mandatory check on an
// incoming mailbox message: it rejects a forged or replayed bundle before
// any chain validation or SE round trip is attempted.
func verifyTransferSignature(msg statecoin.TransferMsg, outpoint wire.OutPoint) error {
	if msg.SenderAuthPubkey == nil {
		return &statecoin.CryptoInvalid{Which: "transfer_signature: missing sender auth pubkey"}
	}
	sig, err := schnorr.ParseSignature(msg.TransferSignature)
	if err != nil {
		return &statecoin.CryptoInvalid{Which: "transfer_signature: malformed"}
	}
	if !sig.Verify(transferCommitment(outpoint, msg.NewUserPubkey), msg.SenderAuthPubkey) {
		return &statecoin.CryptoInvalid{Which: "transfer_signature"}
	}
	return nil
}
