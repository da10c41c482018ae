package client

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/statecoin/walletd/walletcrypto"
)

// aggregateAddress returns the raw MuSig2 aggregate key and the P2TR
// address it spends to for a user/server pubkey pair: the deposit address
// a fresh coin is funded at before it has ever been transferred.
func aggregateAddress(params *chaincfg.Params, userPub, serverPub *btcec.PublicKey) (*btcec.PublicKey, string, error) {
	agg, _, _, err := musig2.AggregateKeys(
		[]*btcec.PublicKey{userPub, serverPub}, true,
		musig2.WithBIP86KeyTweak(),
	)
	if err != nil {
		return nil, "", err
	}

	outputKey := walletcrypto.ComputeTaprootOutputKey(agg.PreTweakedKey)
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), params)
	if err != nil {
		return nil, "", err
	}
	return agg.PreTweakedKey, addr.EncodeAddress(), nil
}
