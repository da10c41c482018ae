// Package cpfp builds child-pays-for-parent fee-bump transactions spending
// a backup transaction's sole output, used when a withdrawal's backup was
// signed against a fee rate that later proved too low to confirm promptly.
package cpfp

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
)

// ErrInsufficientValue is returned when the child's output would be dust
// after covering the package-relative fee deficit.
var ErrInsufficientValue = errors.New("cpfp: insufficient value, output would be dust")

// p2trOutputScriptSize is a taproot output's scriptPubKey length (OP_1
// push-32), the size txrules.GetDustThreshold needs to price a P2TR output
// under the default relay fee.
const p2trOutputScriptSize = 34

// dustLimit is the minimum non-dust value for a P2TR output at the default
// relay fee rate.
var dustLimit = int64(txrules.GetDustThreshold(p2trOutputScriptSize, txrules.DefaultRelayFeePerKb))

// parentVsize is the virtual size of a one-input-one-output taproot
// key-path backup transaction, mirrored from backup.estimateVsize.
const parentVsize = 11 + 41 + 43

// childVsize is the virtual size of this package's one-input-one-output
// taproot key-path child transaction.
const childVsize = 11 + 41 + 43

// Params holds everything needed to build a CPFP child.
type Params struct {
	NetParams *chaincfg.Params

	ParentTxid  string
	ParentVout  uint32
	ParentValue int64
	ParentPkScript []byte

	DestAddress string

	// TargetFeeRateSatsVByte is the combined package rate the parent+child
	// must achieve.
	TargetFeeRateSatsVByte uint64

	// ParentFeeRateSatsVByte is the fee rate already paid by the parent,
	// used to compute the deficit the child must cover alone.
	ParentFeeRateSatsVByte uint64
}

// Result is the unsigned child transaction and the sighash to sign.
type Result struct {
	Tx      *wire.MsgTx
	Sighash chainhash.Hash
}

// Build constructs a CPFP child spending the parent's sole output,
// absorbing enough fee to bring the combined package up to the target
// rate.
func Build(p Params) (*Result, error) {
	destScript, err := addressScript(p.DestAddress, p.NetParams)
	if err != nil {
		return nil, fmt.Errorf("cpfp: destination address: %w", err)
	}

	deficit := packageFeeDeficit(p.TargetFeeRateSatsVByte, p.ParentFeeRateSatsVByte)
	childFee := deficit*parentVsize + p.TargetFeeRateSatsVByte*childVsize

	outputAmount := p.ParentValue - int64(childFee)
	if outputAmount < dustLimit {
		return nil, fmt.Errorf("%w: output %d sats", ErrInsufficientValue, outputAmount)
	}

	txHash, err := chainhash.NewHashFromStr(p.ParentTxid)
	if err != nil {
		return nil, fmt.Errorf("cpfp: parent txid: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	txIn := wire.NewTxIn(wire.NewOutPoint(txHash, p.ParentVout), nil, nil)
	txIn.Sequence = wire.MaxTxInSequenceNum
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(outputAmount, destScript))

	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(p.ParentPkScript, p.ParentValue)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)
	raw, err := txscript.CalcTaprootSignatureHash(
		sigHashes, txscript.SigHashDefault, tx, 0, prevOutFetcher,
	)
	if err != nil {
		return nil, fmt.Errorf("cpfp: compute sighash: %w", err)
	}
	sighash, err := chainhash.NewHash(raw)
	if err != nil {
		return nil, fmt.Errorf("cpfp: sighash: %w", err)
	}

	return &Result{Tx: tx, Sighash: *sighash}, nil
}

// packageFeeDeficit returns how many additional sats/vbyte the parent is
// short of the target rate; zero if the parent already meets it.
func packageFeeDeficit(target, parentRate uint64) uint64 {
	if parentRate >= target {
		return 0
	}
	return target - parentRate
}

func addressScript(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// AttachSignature finalizes the child's witness with its Schnorr signature.
func AttachSignature(tx *wire.MsgTx, sig []byte) {
	tx.TxIn[0].Witness = wire.TxWitness{sig}
}

// SerializeTx consensus-encodes the child transaction.
func SerializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
