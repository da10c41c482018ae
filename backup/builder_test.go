package backup

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"

	"github.com/statecoin/walletd/statecoin"
)

func testTaprootAddress(t *testing.T) (string, []byte) {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	outputKey := txscript.ComputeTaprootKeyNoScript(priv.PubKey())

	addr, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(outputKey), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return addr.EncodeAddress(), script
}

func baseParams(t *testing.T) Params {
	t.Helper()

	addr, script := testTaprootAddress(t)

	return Params{
		NetParams:             &chaincfg.RegressionNetParams,
		CurrentHeight:         100,
		FundingTxid:           "4f3d1b0f57a8e1e6a7e6d6c0a7d2f5b1e1c8a9f0b2d3e4f5a6b7c8d9e0f1a2b3",
		FundingVout:           0,
		FundingPkScript:       script,
		AmountSats:            100000,
		DestAddress:           addr,
		Interval:              10,
		InitialLocktimeDelta:  144,
		FeeRateSatsVByte:      10,
		FeeToleranceSatsVByte: 2,
	}
}

func TestBuildFirstBackup(t *testing.T) {
	t.Parallel()

	res, err := Build(baseParams(t))
	require.NoError(t, err)
	require.Equal(t, uint32(244), res.Locktime)
	require.Len(t, res.Tx.TxIn, 1)
	require.Len(t, res.Tx.TxOut, 1)
	require.Less(t, res.Tx.TxOut[0].Value, int64(100000))
}

func TestBuildSubsequentBackupDecrementsLocktime(t *testing.T) {
	t.Parallel()

	p := baseParams(t)
	prev := uint32(500)
	p.PrevLocktime = &prev

	res, err := Build(p)
	require.NoError(t, err)
	require.Equal(t, uint32(490), res.Locktime)
}

func TestBuildRejectsExhaustedLocktime(t *testing.T) {
	t.Parallel()

	p := baseParams(t)
	prev := uint32(5)
	p.PrevLocktime = &prev

	_, err := Build(p)
	require.ErrorIs(t, err, statecoin.ErrLocktimeExhausted)
}

func TestBuildRejectsLocktimeAtInterval(t *testing.T) {
	t.Parallel()

	p := baseParams(t)
	prev := p.Interval
	p.PrevLocktime = &prev

	_, err := Build(p)
	require.ErrorIs(t, err, statecoin.ErrLocktimeExhausted)
}

func TestCheckFeeToleranceBoundaries(t *testing.T) {
	t.Parallel()

	vsize := estimateVsize()
	rate := uint64(10)
	tolerance := uint64(2)

	require.NoError(t, checkFeeTolerance((rate+tolerance)*vsize, vsize, rate, tolerance))
	require.Error(t, checkFeeTolerance((rate+tolerance+1)*vsize, vsize, rate, tolerance))
}

func TestBlindingFactorsDiffer(t *testing.T) {
	t.Parallel()

	p := baseParams(t)
	r1, err := Build(p)
	require.NoError(t, err)
	r2, err := Build(p)
	require.NoError(t, err)
	require.NotEqual(t, r1.BlindingFactor, r2.BlindingFactor)
	require.NotEqual(t, r1.Commitment, r2.Commitment)
}
