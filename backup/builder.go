// Package backup constructs the taproot key-path backup transactions that
// settle a statecoin on-chain to its current owner, and blinds their
// sighashes for the two-party co-signing round with the statechain entity.
package backup

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/statecoin/walletd/statecoin"
	"github.com/statecoin/walletd/walletcrypto"
)

// ErrFeeOutsideTolerance is returned when a backup's implied fee falls
// outside [rate-tolerance, rate+tolerance] * vsize.
var ErrFeeOutsideTolerance = errors.New("backup: fee outside tolerance")

// Params holds everything needed to build the next backup in a coin's
// chain.
type Params struct {
	NetParams *chaincfg.Params

	// CurrentHeight is the chain tip at build time.
	CurrentHeight uint32

	FundingTxid string
	FundingVout uint32
	FundingPkScript []byte

	AmountSats int64

	DestAddress string

	// Interval is the minimum block decrement between consecutive
	// backups' locktimes.
	Interval uint32

	// PrevLocktime is the previous backup's nLockTime, or nil for the
	// first backup in the chain (tx_n = 1).
	PrevLocktime *uint32

	// InitialLocktimeDelta is added to CurrentHeight for the first
	// backup when PrevLocktime is nil.
	InitialLocktimeDelta uint32

	FeeRateSatsVByte uint64
	FeeToleranceSatsVByte uint64
}

// Result is everything the caller must persist to make the backup
// reproducible and independently verifiable later.
type Result struct {
	Tx             *wire.MsgTx
	Sighash        chainhash.Hash
	BlindingFactor walletcrypto.BlindingFactor
	Commitment     [32]byte
	Locktime       uint32
}

// Build constructs the next unsigned backup transaction in a coin's chain
// and blinds its sighash. It does not sign; the caller drives the blind
// MuSig2 round separately and attaches the resulting signature.
func Build(p Params) (*Result, error) {
	locktime, err := nextLocktime(p.CurrentHeight, p.Interval, p.PrevLocktime, p.InitialLocktimeDelta)
	if err != nil {
		return nil, err
	}

	destScript, err := addressScript(p.DestAddress, p.NetParams)
	if err != nil {
		return nil, fmt.Errorf("backup: destination address: %w", err)
	}

	vsize := estimateVsize()
	fee := p.FeeRateSatsVByte * vsize
	if err := checkFeeTolerance(fee, vsize, p.FeeRateSatsVByte, p.FeeToleranceSatsVByte); err != nil {
		return nil, err
	}

	outputAmount := p.AmountSats - int64(fee)
	if outputAmount <= 0 {
		return nil, fmt.Errorf("backup: fee %d sats exceeds coin amount %d sats", fee, p.AmountSats)
	}

	txHash, err := chainhash.NewHashFromStr(p.FundingTxid)
	if err != nil {
		return nil, fmt.Errorf("backup: funding txid: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.LockTime = locktime

	txIn := wire.NewTxIn(wire.NewOutPoint(txHash, p.FundingVout), nil, nil)
	// A backup must not be broadcastable before its own locktime;
	// a non-final (below-max) sequence makes nLockTime enforced.
	txIn.Sequence = wire.MaxTxInSequenceNum - 1
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(outputAmount, destScript))

	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(p.FundingPkScript, p.AmountSats)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	rawSighash, err := txscript.CalcTaprootSignatureHash(
		sigHashes, txscript.SigHashDefault, tx, 0, prevOutFetcher,
	)
	if err != nil {
		return nil, fmt.Errorf("backup: compute sighash: %w", err)
	}
	sighash, err := chainhash.NewHash(rawSighash)
	if err != nil {
		return nil, fmt.Errorf("backup: sighash: %w", err)
	}

	blind, err := walletcrypto.NewBlindingFactor()
	if err != nil {
		return nil, fmt.Errorf("backup: generate blinding factor: %w", err)
	}

	return &Result{
		Tx:             tx,
		Sighash:        *sighash,
		BlindingFactor: blind,
		Commitment:     walletcrypto.Commitment(*sighash, blind),
		Locktime:       locktime,
	}, nil
}

// nextLocktime implements §4.2's decrement rule: lock = prevLock - interval,
// or H + initialDelta for the first backup in a chain. Returns
// statecoin.ErrLocktimeExhausted if the result would fall at or below the
// current tip.
func nextLocktime(height, interval uint32, prevLocktime *uint32, initialDelta uint32) (uint32, error) {
	var locktime uint32
	if prevLocktime == nil {
		locktime = height + initialDelta
	} else {
		prev := *prevLocktime
		if prev < interval {
			return 0, statecoin.ErrLocktimeExhausted
		}
		locktime = prev - interval
	}
	if locktime <= height {
		return 0, statecoin.ErrLocktimeExhausted
	}
	return locktime, nil
}

// checkFeeTolerance rejects a fee computed against a rate and vsize that
// would fall outside the configured tolerance band.
func checkFeeTolerance(fee, vsize, rate, tolerance uint64) error {
	lo := safeSub(rate, tolerance) * vsize
	hi := (rate + tolerance) * vsize
	if fee < lo || fee > hi {
		return fmt.Errorf("%w: fee %d not in [%d, %d]", ErrFeeOutsideTolerance, fee, lo, hi)
	}
	return nil
}

func safeSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// estimateVsize returns the virtual size of a one-input-one-output taproot
// key-path spend: 10.5 vbytes overhead, ~41 vbytes for the input plus its
// witness discount, 43 vbytes for a single P2TR output.
func estimateVsize() uint64 {
	return 11 + 41 + 43
}

func addressScript(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// VerifySighash recomputes the sighash a raw backup transaction should
// carry against its claimed funding output, used by SigSchemeValidator to
// cross-check a received chain without trusting the sender's bookkeeping.
func VerifySighash(tx *wire.MsgTx, fundingPkScript []byte, fundingAmount int64) (chainhash.Hash, error) {
	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(fundingPkScript, fundingAmount)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)
	raw, err := txscript.CalcTaprootSignatureHash(
		sigHashes, txscript.SigHashDefault, tx, 0, prevOutFetcher,
	)
	if err != nil {
		return chainhash.Hash{}, err
	}
	h, err := chainhash.NewHash(raw)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return *h, nil
}

// AttachSignature finalizes a backup transaction's witness with the
// combined MuSig2 Schnorr signature.
func AttachSignature(tx *wire.MsgTx, sig []byte) {
	tx.TxIn[0].Witness = wire.TxWitness{sig}
}

// SerializeTx consensus-encodes a transaction, the form stored as
// BackupTx.RawTx.
func SerializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DeserializeTx reverses SerializeTx.
func DeserializeTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}
