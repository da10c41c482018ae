package transfer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/statecoin/walletd/backup"
	"github.com/statecoin/walletd/se"
	"github.com/statecoin/walletd/statecoin"
	"github.com/statecoin/walletd/walletcrypto"
)

// SenderConfig configures one TransferSender run against a single coin.
type SenderConfig struct {
	NetParams *chaincfg.Params
	SE        *se.Client

	Coin *statecoin.Coin

	// History is every backup already on file for Coin, used to extend
	// the chain posted in the TransferMsg.
	History []statecoin.BackupTx

	CurrentHeight uint32

	ReceiverAuthPubkey *btcec.PublicKey
	ReceiverUserPubkey *btcec.PublicKey

	Interval              uint32
	FeeRateSatsVByte      uint64
	FeeToleranceSatsVByte uint64
}

// Validate checks SenderConfig is complete enough to run.
func (c *SenderConfig) Validate() error {
	if c.SE == nil {
		return fmt.Errorf("transfer: se client required")
	}
	if c.Coin == nil {
		return fmt.Errorf("transfer: coin required")
	}
	if c.NetParams == nil {
		return fmt.Errorf("transfer: net params required")
	}
	if c.ReceiverAuthPubkey == nil || c.ReceiverUserPubkey == nil {
		return fmt.Errorf("transfer: receiver keys required")
	}
	if c.Coin.Status != statecoin.StatusConfirmed {
		return fmt.Errorf("transfer: coin must be CONFIRMED to send, is %s", c.Coin.Status)
	}
	return nil
}

// Sender drives one coin through TransferSender: build the next backup,
// co-sign it with the SE, compute the key-update tweak, and post the
// encrypted TransferMsg to the SE mailbox.
type Sender struct {
	cfg SenderConfig
}

// NewSender validates cfg and returns a ready Sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sender{cfg: cfg}, nil
}

// Result is what Execute hands back for the caller to persist; nothing is
// written to the wallet by this package itself.
type Result struct {
	NewBackup statecoin.BackupTx
	Msg       statecoin.TransferMsg
}

// Execute runs the send end to end. On success the coin is ready to be
// transitioned to IN_TRANSFER and committed by the caller in one atomic
// write, per §4.6 step 6 and the single-commit rule in §4.7.
func (s *Sender) Execute(ctx context.Context) (*Result, error) {
	coin := s.cfg.Coin

	destAddr, _, err := taprootAddress(s.cfg.NetParams, s.cfg.ReceiverUserPubkey, coin.ServerPubkey)
	if err != nil {
		return nil, fmt.Errorf("transfer: derive receiver backup address: %w", err)
	}

	var prevLock *uint32
	if coin.Locktime != 0 {
		l := coin.Locktime
		prevLock = &l
	}

	fundingScript, err := txscript.PayToTaprootScript(walletcrypto.ComputeTaprootOutputKey(coin.AggregatedPubkey))
	if err != nil {
		return nil, fmt.Errorf("transfer: funding script: %w", err)
	}

	buildRes, err := backup.Build(backup.Params{
		NetParams:             s.cfg.NetParams,
		CurrentHeight:         s.cfg.CurrentHeight,
		FundingTxid:           coin.UTXOTxid,
		FundingVout:           coin.UTXOVout,
		FundingPkScript:       fundingScript,
		AmountSats:            coin.AmountSats,
		DestAddress:           destAddr,
		Interval:              s.cfg.Interval,
		PrevLocktime:          prevLock,
		InitialLocktimeDelta:  s.cfg.Interval,
		FeeRateSatsVByte:      s.cfg.FeeRateSatsVByte,
		FeeToleranceSatsVByte: s.cfg.FeeToleranceSatsVByte,
	})
	if err != nil {
		return nil, fmt.Errorf("transfer: build backup: %w", err)
	}

	txN := uint32(len(s.cfg.History) + 1)

	sig, err := CoSignBackup(ctx, s.cfg.SE, coin, txN, buildRes)
	if err != nil {
		return nil, fmt.Errorf("transfer: co-sign backup: %w", err)
	}
	backup.AttachSignature(buildRes.Tx, sig.Serialize())

	raw, err := backup.SerializeTx(buildRes.Tx)
	if err != nil {
		return nil, fmt.Errorf("transfer: serialize backup: %w", err)
	}

	newBackup := statecoin.BackupTx{
		StatechainID:     coin.StatechainID,
		TxN:              txN,
		RawTx:            raw,
		BlindingFactor:   buildRes.BlindingFactor,
		Locktime:         buildRes.Locktime,
		FeeRateSatsVByte: s.cfg.FeeRateSatsVByte,
	}

	t1, err := computeT1(coin.UserSeckey, s.cfg.ReceiverUserPubkey)
	if err != nil {
		return nil, fmt.Errorf("transfer: compute key-update tweak: %w", err)
	}

	fundingHash, err := chainhash.NewHashFromStr(coin.UTXOTxid)
	if err != nil {
		return nil, fmt.Errorf("transfer: funding txid: %w", err)
	}
	outpoint := wire.OutPoint{Hash: *fundingHash, Index: coin.UTXOVout}

	transferSig, err := schnorr.Sign(coin.AuthSeckey, transferCommitment(outpoint, s.cfg.ReceiverUserPubkey))
	if err != nil {
		return nil, fmt.Errorf("transfer: sign transfer commitment: %w", err)
	}

	msg := statecoin.TransferMsg{
		StatechainID:       coin.StatechainID,
		UserPublicKey:      coin.UserPubkey,
		NewUserPubkey:      s.cfg.ReceiverUserPubkey,
		T1:                 t1,
		SenderAuthPubkey:   coin.AuthPubkey,
		TransferSignature:  transferSig.Serialize(),
		BackupTransactions: append(append([]statecoin.BackupTx{}, s.cfg.History...), newBackup),
	}

	if err := s.postMailbox(ctx, msg); err != nil {
		return nil, fmt.Errorf("transfer: post mailbox: %w", err)
	}

	return &Result{NewBackup: newBackup, Msg: msg}, nil
}

// wireTransferMsg is the JSON form of statecoin.TransferMsg mailed through
// the SE.
type wireTransferMsg struct {
	StatechainID       string         `json:"statechain_id"`
	UserPublicKey      string         `json:"user_public_key"`
	NewUserPubkey      string         `json:"new_user_pubkey"`
	T1                 string         `json:"t1"`
	SenderAuthPubkey   string         `json:"sender_auth_pubkey"`
	TransferSignature  string         `json:"transfer_signature"`
	BackupTransactions []wireBackupTx `json:"backup_transactions"`
}

type wireBackupTx struct {
	TxN              uint32 `json:"tx_n"`
	RawTx            string `json:"raw_tx"`
	BlindingFactor   string `json:"blinding_factor"`
	Locktime         uint32 `json:"locktime"`
	FeeRateSatsVByte uint64 `json:"fee_rate_sats_vbyte"`
}

func toWireMsg(msg statecoin.TransferMsg) wireTransferMsg {
	backups := make([]wireBackupTx, len(msg.BackupTransactions))
	for i, b := range msg.BackupTransactions {
		backups[i] = wireBackupTx{
			TxN:              b.TxN,
			RawTx:            hex.EncodeToString(b.RawTx),
			BlindingFactor:   hex.EncodeToString(b.BlindingFactor[:]),
			Locktime:         b.Locktime,
			FeeRateSatsVByte: b.FeeRateSatsVByte,
		}
	}
	return wireTransferMsg{
		StatechainID:       msg.StatechainID,
		UserPublicKey:      hex.EncodeToString(msg.UserPublicKey.SerializeCompressed()),
		NewUserPubkey:      hex.EncodeToString(msg.NewUserPubkey.SerializeCompressed()),
		T1:                 hex.EncodeToString(msg.T1),
		SenderAuthPubkey:   hex.EncodeToString(msg.SenderAuthPubkey.SerializeCompressed()),
		TransferSignature:  hex.EncodeToString(msg.TransferSignature),
		BackupTransactions: backups,
	}
}

func (s *Sender) postMailbox(ctx context.Context, msg statecoin.TransferMsg) error {
	payload, err := json.Marshal(toWireMsg(msg))
	if err != nil {
		return fmt.Errorf("encode transfer message: %w", err)
	}

	envelope, err := walletcrypto.Encrypt(s.cfg.ReceiverAuthPubkey, payload)
	if err != nil {
		return fmt.Errorf("encrypt transfer message: %w", err)
	}

	return s.cfg.SE.SendMsgAddr(ctx, se.SendMsgAddrRequest{
		AuthPubkey: hex.EncodeToString(s.cfg.ReceiverAuthPubkey.SerializeCompressed()),
		EncMessage: hex.EncodeToString(envelope),
	})
}

// CoSignBackup runs one blind MuSig2 round against the SE for a single
// backup transaction: exchange nonces, sign locally, submit the blinding
// commitment, and combine the SE's returned partial signature. The SE
// never receives the plaintext sighash, only the nonce and the commitment
// recorded in its public info/statechain attestation. Shared by the
// transfer-send flow and the client package's direct withdraw path, since
// both ultimately just need one backup transaction co-signed.
func CoSignBackup(ctx context.Context, client *se.Client, coin *statecoin.Coin, txN uint32, res *backup.Result) (*schnorr.Signature, error) {
	sess, err := walletcrypto.NewSession(coin.UserSeckey, coin.ServerPubkey)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	localNonce, err := sess.GenerateNonces()
	if err != nil {
		return nil, fmt.Errorf("generate nonces: %w", err)
	}

	nonceResp, err := client.RequestNonce(ctx, se.NonceRequest{
		StatechainID:   coin.StatechainID,
		TxN:            txN,
		ClientPubNonce: hex.EncodeToString(localNonce[:]),
	})
	if err != nil {
		return nil, fmt.Errorf("exchange nonces: %w", err)
	}

	serverNonceBytes, err := hex.DecodeString(nonceResp.ServerPubNonce)
	if err != nil || len(serverNonceBytes) != musig2.PubNonceSize {
		return nil, fmt.Errorf("malformed server nonce")
	}
	var serverNonce [musig2.PubNonceSize]byte
	copy(serverNonce[:], serverNonceBytes)
	sess.SetRemoteNonce(serverNonce)

	if _, err := sess.Sign(res.Sighash); err != nil {
		return nil, fmt.Errorf("local partial sign: %w", err)
	}

	sigResp, err := client.SubmitBlindedSighash(ctx, se.BlindSigRequest{
		StatechainID: coin.StatechainID,
		TxN:          txN,
		Commitment:   hex.EncodeToString(res.Commitment[:]),
	})
	if err != nil {
		return nil, fmt.Errorf("submit blinded sighash: %w", err)
	}

	partialBytes, err := hex.DecodeString(sigResp.PartialSig)
	if err != nil {
		return nil, fmt.Errorf("decode server partial signature: %w", err)
	}
	var serverPartial musig2.PartialSignature
	if err := serverPartial.Decode(bytes.NewReader(partialBytes)); err != nil {
		return nil, fmt.Errorf("parse server partial signature: %w", err)
	}

	return sess.Combine(&serverPartial)
}
