package sigscheme

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"

	"github.com/statecoin/walletd/backup"
	"github.com/statecoin/walletd/statecoin"
	"github.com/statecoin/walletd/walletcrypto"
)

// testChain builds a two-backup chain co-signed by a user and an enclave
// key, funding itself locked to their MuSig2 aggregate, exactly as a
// SigSchemeValidator input expects to find it.
type testChain struct {
	userPriv, sePriv                 *btcec.PrivateKey
	fundingPkScript                  []byte
	fundingAmount                    int64
	backups                          []statecoin.BackupTx
	info                             statecoin.StatechainInfo
}

func buildTestChain(t *testing.T, interval uint32, tolerance uint64) testChain {
	t.Helper()

	userPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	sePriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	sess, err := walletcrypto.NewSession(userPriv, sePriv.PubKey())
	require.NoError(t, err)
	fundingScript, err := txscript.PayToTaprootScript(sess.TaprootOutputKey())
	require.NoError(t, err)

	destAddr, _ := testTaprootAddr(t, userPriv.PubKey(), sePriv.PubKey())

	amount := int64(100000)
	rate := uint64(10)

	backup1, rawBackup1 := signBackup(t, backup.Params{
		NetParams:             &chaincfg.RegressionNetParams,
		CurrentHeight:         100,
		FundingTxid:           "4f3d1b0f57a8e1e6a7e6d6c0a7d2f5b1e1c8a9f0b2d3e4f5a6b7c8d9e0f1a2b3",
		FundingVout:           0,
		FundingPkScript:       fundingScript,
		AmountSats:            amount,
		DestAddress:           destAddr,
		Interval:              interval,
		InitialLocktimeDelta:  144,
		FeeRateSatsVByte:      rate,
		FeeToleranceSatsVByte: tolerance,
	}, userPriv, sePriv, fundingScript, amount)

	prevLock := backup1.Locktime
	backup2, rawBackup2 := signBackup(t, backup.Params{
		NetParams:             &chaincfg.RegressionNetParams,
		CurrentHeight:         100,
		FundingTxid:           "4f3d1b0f57a8e1e6a7e6d6c0a7d2f5b1e1c8a9f0b2d3e4f5a6b7c8d9e0f1a2b3",
		FundingVout:           0,
		FundingPkScript:       fundingScript,
		AmountSats:            amount,
		DestAddress:           destAddr,
		Interval:              interval,
		PrevLocktime:          &prevLock,
		FeeRateSatsVByte:      rate,
		FeeToleranceSatsVByte: tolerance,
	}, userPriv, sePriv, fundingScript, amount)

	chainBackups := []statecoin.BackupTx{
		{StatechainID: "sc1", TxN: 1, RawTx: rawBackup1, BlindingFactor: backup1.BlindingFactor, Locktime: backup1.Locktime, FeeRateSatsVByte: rate},
		{StatechainID: "sc1", TxN: 2, RawTx: rawBackup2, BlindingFactor: backup2.BlindingFactor, Locktime: backup2.Locktime, FeeRateSatsVByte: rate},
	}

	info := statecoin.StatechainInfo{
		EnclavePublicKey: sePriv.PubKey(),
		NumSigs:          2,
		Interval:         interval,
		Signatures: []statecoin.SignatureDescriptor{
			{TxN: 1, Commitment: backup1.Commitment, FeeRateSatsVByte: rate},
			{TxN: 2, Commitment: backup2.Commitment, FeeRateSatsVByte: rate},
		},
	}

	return testChain{
		userPriv:        userPriv,
		sePriv:          sePriv,
		fundingPkScript: fundingScript,
		fundingAmount:   amount,
		backups:         chainBackups,
		info:            info,
	}
}

func signBackup(
	t *testing.T, p backup.Params, userPriv, sePriv *btcec.PrivateKey,
	fundingScript []byte, fundingAmount int64,
) (*backup.Result, []byte) {
	t.Helper()

	res, err := backup.Build(p)
	require.NoError(t, err)

	userSess, err := walletcrypto.NewSession(userPriv, sePriv.PubKey())
	require.NoError(t, err)
	seSess, err := walletcrypto.NewSession(sePriv, userPriv.PubKey())
	require.NoError(t, err)

	userNonce, err := userSess.GenerateNonces()
	require.NoError(t, err)
	seNonce, err := seSess.GenerateNonces()
	require.NoError(t, err)
	userSess.SetRemoteNonce(seNonce)
	seSess.SetRemoteNonce(userNonce)

	userPartial, err := userSess.Sign(res.Sighash)
	require.NoError(t, err)
	sePartial, err := seSess.Sign(res.Sighash)
	require.NoError(t, err)

	final, err := userSess.Combine(sePartial)
	require.NoError(t, err)
	_, err = seSess.Combine(userPartial)
	require.NoError(t, err)

	backup.AttachSignature(res.Tx, final.Serialize())

	raw, err := backup.SerializeTx(res.Tx)
	require.NoError(t, err)

	return res, raw
}

func testTaprootAddr(t *testing.T, a, b *btcec.PublicKey) (string, []byte) {
	t.Helper()
	outputKey := walletcrypto.ComputeTaprootOutputKey(aggregateForTest(a, b))
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return addr.EncodeAddress(), script
}

func aggregateForTest(a, b *btcec.PublicKey) *btcec.PublicKey {
	return musigAggregate(a, b)
}

func TestValidateAcceptsWellFormedChain(t *testing.T) {
	t.Parallel()

	c := buildTestChain(t, 10, 2)

	lockN, err := Validate(Input{
		NetParams:             &chaincfg.RegressionNetParams,
		Backups:               c.backups,
		Info:                  c.info,
		FundingPkScript:       c.fundingPkScript,
		FundingAmount:         c.fundingAmount,
		ReceiverUserPubkey:    c.userPriv.PubKey(),
		ServerPubkeyAtTx0:     c.sePriv.PubKey(),
		FeeToleranceSatsVByte: 2,
	})
	require.NoError(t, err)
	require.Equal(t, c.backups[1].Locktime, lockN)
}

func TestValidateRejectsTamperedSignature(t *testing.T) {
	t.Parallel()

	c := buildTestChain(t, 10, 2)

	tx, err := backup.DeserializeTx(c.backups[1].RawTx)
	require.NoError(t, err)
	tamperedSig := append([]byte(nil), tx.TxIn[0].Witness[0]...)
	tamperedSig[0] ^= 0xff
	tx.TxIn[0].Witness = [][]byte{tamperedSig}
	tamperedRaw, err := backup.SerializeTx(tx)
	require.NoError(t, err)
	c.backups[1].RawTx = tamperedRaw

	_, err = Validate(Input{
		NetParams:             &chaincfg.RegressionNetParams,
		Backups:               c.backups,
		Info:                  c.info,
		FundingPkScript:       c.fundingPkScript,
		FundingAmount:         c.fundingAmount,
		ReceiverUserPubkey:    c.userPriv.PubKey(),
		ServerPubkeyAtTx0:     c.sePriv.PubKey(),
		FeeToleranceSatsVByte: 2,
	})
	require.Error(t, err)
	var chainErr *statecoin.ChainValidationFailed
	require.ErrorAs(t, err, &chainErr)
	require.Equal(t, statecoin.StepSignatureCover, chainErr.Step)
}

func TestValidateRejectsWrongReceiver(t *testing.T) {
	t.Parallel()

	c := buildTestChain(t, 10, 2)

	otherPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	_, err = Validate(Input{
		NetParams:             &chaincfg.RegressionNetParams,
		Backups:               c.backups,
		Info:                  c.info,
		FundingPkScript:       c.fundingPkScript,
		FundingAmount:         c.fundingAmount,
		ReceiverUserPubkey:    otherPriv.PubKey(),
		ServerPubkeyAtTx0:     c.sePriv.PubKey(),
		FeeToleranceSatsVByte: 2,
	})
	require.Error(t, err)
	var chainErr *statecoin.ChainValidationFailed
	require.ErrorAs(t, err, &chainErr)
	require.Equal(t, statecoin.StepDestination, chainErr.Step)
}

func TestValidateRejectsBadLocktimeMonotonicity(t *testing.T) {
	t.Parallel()

	c := buildTestChain(t, 10, 2)
	c.backups[1].Locktime = c.backups[0].Locktime

	_, err := Validate(Input{
		NetParams:             &chaincfg.RegressionNetParams,
		Backups:               c.backups,
		Info:                  c.info,
		FundingPkScript:       c.fundingPkScript,
		FundingAmount:         c.fundingAmount,
		ReceiverUserPubkey:    c.userPriv.PubKey(),
		ServerPubkeyAtTx0:     c.sePriv.PubKey(),
		FeeToleranceSatsVByte: 2,
	})
	require.Error(t, err)
	var chainErr *statecoin.ChainValidationFailed
	require.ErrorAs(t, err, &chainErr)
	require.Equal(t, statecoin.StepLocktime, chainErr.Step)
}
