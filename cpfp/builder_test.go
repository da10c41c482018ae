package cpfp

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

func testAddr(t *testing.T) string {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	outputKey := txscript.ComputeTaprootKeyNoScript(priv.PubKey())
	addr, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(outputKey), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func baseParams(t *testing.T) Params {
	t.Helper()
	addr := testAddr(t)
	script, err := addressScript(addr, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	return Params{
		NetParams:              &chaincfg.RegressionNetParams,
		ParentTxid:             "4f3d1b0f57a8e1e6a7e6d6c0a7d2f5b1e1c8a9f0b2d3e4f5a6b7c8d9e0f1a2b3",
		ParentVout:             0,
		ParentValue:            99000,
		ParentPkScript:         script,
		DestAddress:            addr,
		TargetFeeRateSatsVByte: 20,
		ParentFeeRateSatsVByte: 5,
	}
}

func TestBuildCoversDeficit(t *testing.T) {
	t.Parallel()

	res, err := Build(baseParams(t))
	require.NoError(t, err)
	require.Len(t, res.Tx.TxOut, 1)
	require.Less(t, res.Tx.TxOut[0].Value, int64(99000))
}

func TestBuildNoDeficitStillPaysOwnFee(t *testing.T) {
	t.Parallel()

	p := baseParams(t)
	p.ParentFeeRateSatsVByte = p.TargetFeeRateSatsVByte

	res, err := Build(p)
	require.NoError(t, err)
	wantFee := int64(p.TargetFeeRateSatsVByte * childVsize)
	require.Equal(t, p.ParentValue-wantFee, res.Tx.TxOut[0].Value)
}

func TestBuildRejectsDustOutput(t *testing.T) {
	t.Parallel()

	p := baseParams(t)
	p.ParentValue = 400

	_, err := Build(p)
	require.ErrorIs(t, err, ErrInsufficientValue)
}

func TestPackageFeeDeficit(t *testing.T) {
	t.Parallel()

	require.Equal(t, uint64(15), packageFeeDeficit(20, 5))
	require.Equal(t, uint64(0), packageFeeDeficit(20, 20))
	require.Equal(t, uint64(0), packageFeeDeficit(20, 30))
}
