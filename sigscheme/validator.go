// Package sigscheme implements the receiver's security kernel: the
// all-or-nothing validation pipeline a received backup-transaction chain
// must pass before a coin is installed into the wallet.
package sigscheme

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/statecoin/walletd/backup"
	"github.com/statecoin/walletd/statecoin"
	"github.com/statecoin/walletd/walletcrypto"
)

// Input bundles everything the validator needs: the received backup chain,
// the SE's attestation, and the facts the receiver already knows about
// itself and the funding output.
type Input struct {
	NetParams *chaincfg.Params

	Backups []statecoin.BackupTx
	Info    statecoin.StatechainInfo

	// FundingPkScript and FundingAmount describe tx0, the outpoint every
	// backup in this chain's variant respends directly.
	FundingPkScript []byte
	FundingAmount   int64

	// ReceiverUserPubkey is this wallet's fresh key share for the coin
	// being received; backup N must pay out to it.
	ReceiverUserPubkey *btcec.PublicKey

	// ServerPubkeyAtTx0 is the SE's share that funding's scriptPubKey
	// was aggregated against.
	ServerPubkeyAtTx0 *btcec.PublicKey

	FeeToleranceSatsVByte uint64
}

// backupVsize mirrors backup.estimateVsize; duplicated here rather than
// exported since fee-tolerance checking is a validator concern, not a
// builder one.
const backupVsize = 11 + 41 + 43

// Validate runs the six ordered checks from the chain-validation pipeline
// and returns the new watch-locktime (lock_N) on success. Any failure is
// reported as a *statecoin.ChainValidationFailed naming the step.
func Validate(in Input) (uint32, error) {
	if err := checkShape(in); err != nil {
		return 0, err
	}
	if err := checkAmount(in); err != nil {
		return 0, err
	}
	if err := checkLocktimeMonotonicity(in); err != nil {
		return 0, err
	}
	if err := checkDestination(in); err != nil {
		return 0, err
	}
	if err := checkSignatureCover(in); err != nil {
		return 0, err
	}
	if err := checkFundingPubkey(in); err != nil {
		return 0, err
	}

	return in.Backups[len(in.Backups)-1].Locktime, nil
}

func fail(step statecoin.ValidationStep, format string, args ...any) error {
	return &statecoin.ChainValidationFailed{Step: step, Reason: fmt.Sprintf(format, args...)}
}

// checkShape verifies backup count against num_sigs, and that every backup
// has exactly one input spending the original funding outpoint and exactly
// one output. This pins the chain topology this implementation uses (§9
// open question): every backup respends tx0 directly rather than its
// predecessor's output.
func checkShape(in Input) error {
	if len(in.Backups) == 0 {
		return fail(statecoin.StepShape, "empty backup chain")
	}
	if uint32(len(in.Backups)) != in.Info.NumSigs {
		return fail(statecoin.StepShape, "backup count %d does not match num_sigs %d", len(in.Backups), in.Info.NumSigs)
	}

	var fundingOutpoint string
	for i, b := range in.Backups {
		if uint32(i+1) != b.TxN {
			return fail(statecoin.StepShape, "backup chain not densely numbered 1..N at index %d", i)
		}

		tx, err := backup.DeserializeTx(b.RawTx)
		if err != nil {
			return fail(statecoin.StepShape, "backup %d: malformed transaction: %v", b.TxN, err)
		}
		if len(tx.TxIn) != 1 {
			return fail(statecoin.StepShape, "backup %d: want 1 input, got %d", b.TxN, len(tx.TxIn))
		}
		if len(tx.TxOut) != 1 {
			return fail(statecoin.StepShape, "backup %d: want 1 output, got %d", b.TxN, len(tx.TxOut))
		}

		spent := tx.TxIn[0].PreviousOutPoint.String()
		if i == 0 {
			fundingOutpoint = spent
		} else if spent != fundingOutpoint {
			return fail(statecoin.StepShape, "backup %d: spends %s, not the funding outpoint %s", b.TxN, spent, fundingOutpoint)
		}
	}
	return nil
}

// checkAmount verifies every backup pays original_amount - fee_i, with
// fee_i within tolerance of its snapshot rate.
func checkAmount(in Input) error {
	for idx, b := range in.Backups {
		tx, err := backup.DeserializeTx(b.RawTx)
		if err != nil {
			return fail(statecoin.StepAmount, "backup %d: malformed transaction: %v", b.TxN, err)
		}

		fee := in.FundingAmount - tx.TxOut[0].Value
		if fee < 0 {
			return fail(statecoin.StepAmount, "backup %d: output exceeds funding amount", b.TxN)
		}

		desc := in.Info.Signatures[idx]
		lo := safeSub(desc.FeeRateSatsVByte, in.FeeToleranceSatsVByte) * backupVsize
		hi := (desc.FeeRateSatsVByte + in.FeeToleranceSatsVByte) * backupVsize
		if uint64(fee) < lo || uint64(fee) > hi {
			return fail(statecoin.StepAmount, "backup %d: fee %d outside [%d, %d]", b.TxN, fee, lo, hi)
		}
	}
	return nil
}

func safeSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// checkLocktimeMonotonicity verifies lock_i - lock_{i+1} >= interval.
func checkLocktimeMonotonicity(in Input) error {
	for i := 0; i < len(in.Backups)-1; i++ {
		lockI := in.Backups[i].Locktime
		lockNext := in.Backups[i+1].Locktime
		if lockI < lockNext || lockI-lockNext < in.Info.Interval {
			return fail(
				statecoin.StepLocktime,
				"backup %d -> %d: locktime decrement %d below interval %d",
				in.Backups[i].TxN, in.Backups[i+1].TxN, int64(lockI)-int64(lockNext), in.Info.Interval,
			)
		}
	}
	return nil
}

// checkDestination verifies backup N pays to P2TR(aggregate(receiver
// user_pubkey, enclave_public_key)).
func checkDestination(in Input) error {
	last := in.Backups[len(in.Backups)-1]
	tx, err := backup.DeserializeTx(last.RawTx)
	if err != nil {
		return fail(statecoin.StepDestination, "malformed transaction: %v", err)
	}

	wantScript, err := aggregatedScript(in.ReceiverUserPubkey, in.Info.EnclavePublicKey)
	if err != nil {
		return fail(statecoin.StepDestination, "compute expected destination: %v", err)
	}

	if !scriptsEqual(tx.TxOut[0].PkScript, wantScript) {
		return fail(statecoin.StepDestination, "backup N output does not pay the receiver's aggregate key")
	}
	return nil
}

// checkSignatureCover recomputes each backup's sighash and checks it
// against the blinding commitment the SE recorded for that backup. Only
// the last backup's final signature is verified, against the taproot key
// of aggregate(receiver user_pubkey, enclave_public_key); the signatures
// of earlier backups and the backups' recorded nonces are not checked.
func checkSignatureCover(in Input) error {
	for idx, b := range in.Backups {
		tx, err := backup.DeserializeTx(b.RawTx)
		if err != nil {
			return fail(statecoin.StepSignatureCover, "backup %d: malformed transaction: %v", b.TxN, err)
		}
		if len(tx.TxIn[0].Witness) != 1 {
			return fail(statecoin.StepSignatureCover, "backup %d: witness is not a single key-path signature", b.TxN)
		}

		sighash, err := backup.VerifySighash(tx, in.FundingPkScript, in.FundingAmount)
		if err != nil {
			return fail(statecoin.StepSignatureCover, "backup %d: recompute sighash: %v", b.TxN, err)
		}

		wantCommitment := walletcrypto.Commitment(sighash, b.BlindingFactor)
		gotCommitment := in.Info.Signatures[idx].Commitment
		if wantCommitment != gotCommitment {
			return fail(statecoin.StepSignatureCover, "backup %d: blinding commitment mismatch", b.TxN)
		}

		if b.TxN == in.Backups[len(in.Backups)-1].TxN {
			sig, err := schnorr.ParseSignature(tx.TxIn[0].Witness[0])
			if err != nil {
				return fail(statecoin.StepSignatureCover, "backup %d: malformed signature: %v", b.TxN, err)
			}
			outputKey := walletcrypto.ComputeTaprootOutputKey(musigAggregate(in.ReceiverUserPubkey, in.Info.EnclavePublicKey))
			if !walletcrypto.VerifyFinal(outputKey, sighash, sig) {
				return fail(statecoin.StepSignatureCover, "backup %d: final signature does not verify", b.TxN)
			}
		}
	}
	return nil
}

// checkFundingPubkey verifies tx0's scriptPubKey can only be spent via the
// MuSig2 aggregate of the receiver's new key and the SE's share.
func checkFundingPubkey(in Input) error {
	wantScript, err := aggregatedScript(in.ReceiverUserPubkey, in.ServerPubkeyAtTx0)
	if err != nil {
		return fail(statecoin.StepFundingPubkey, "compute expected funding script: %v", err)
	}
	if !scriptsEqual(in.FundingPkScript, wantScript) {
		return fail(statecoin.StepFundingPubkey, "funding scriptPubKey is not the MuSig2 aggregate of receiver and SE keys")
	}
	return nil
}

// musigAggregate returns the raw (pre-tweak) MuSig2 aggregate of two
// signer keys, sorted so either call order yields the same result. Callers
// pass this through walletcrypto.ComputeTaprootOutputKey for the actual
// P2TR output key, matching the convention walletcrypto.Session uses.
func musigAggregate(a, b *btcec.PublicKey) *btcec.PublicKey {
	keys := []*btcec.PublicKey{a, b}
	agg, _, _, err := musig2.AggregateKeys(keys, true, musig2.WithBIP86KeyTweak())
	if err != nil {
		return nil
	}
	return agg.PreTweakedKey
}

func aggregatedScript(a, b *btcec.PublicKey) ([]byte, error) {
	outputKey := walletcrypto.ComputeTaprootOutputKey(musigAggregate(a, b))
	return txscript.PayToTaprootScript(outputKey)
}

func scriptsEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
