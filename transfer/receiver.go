package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/statecoin/walletd/backup"
	"github.com/statecoin/walletd/chain/mempool"
	"github.com/statecoin/walletd/se"
	"github.com/statecoin/walletd/sigscheme"
	"github.com/statecoin/walletd/statecoin"
	"github.com/statecoin/walletd/walletcrypto"
)

// ReceiverConfig configures one mailbox poll across a wallet's coins.
type ReceiverConfig struct {
	NetParams *chaincfg.Params
	SE        *se.Client
	Indexer   mempool.Indexer
	Wallet    *statecoin.Wallet

	ConfirmationTarget    uint32
	FeeToleranceSatsVByte uint64

	// DeriveScratchCoin mints a fresh reservation (auth key reused, new
	// user key) when a mailbox entry arrives for an auth_pubkey with no
	// INITIALISED coin waiting for it, letting one auth key receive
	// more than one coin over its lifetime.
	DeriveScratchCoin func(authPubkey *btcec.PublicKey) (*statecoin.Coin, error)

	// Clock stamps the Activity record on a received coin. Defaults to
	// the real wall clock.
	Clock clock.Clock
}

// Validate checks ReceiverConfig is complete enough to run.
func (c *ReceiverConfig) Validate() error {
	if c.SE == nil || c.Indexer == nil {
		return fmt.Errorf("transfer: se client and indexer required")
	}
	if c.Wallet == nil {
		return fmt.Errorf("transfer: wallet required")
	}
	if c.NetParams == nil {
		return fmt.Errorf("transfer: net params required")
	}
	if c.DeriveScratchCoin == nil {
		return fmt.Errorf("transfer: DeriveScratchCoin required")
	}
	if c.ConfirmationTarget == 0 {
		c.ConfirmationTarget = 1
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	return nil
}

// Receiver drives the mailbox poll loop from §4.7.
type Receiver struct {
	cfg ReceiverConfig
}

// NewReceiver validates cfg and returns a ready Receiver.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Receiver{cfg: cfg}, nil
}

// ReceivedCoin is one successfully validated and accepted transfer, ready
// for the caller to commit atomically alongside its activity record.
type ReceivedCoin struct {
	Coin       *statecoin.Coin
	NewBackups []statecoin.BackupTx
	Activity   statecoin.Activity
}

// PollResult is the outcome of one full mailbox sweep across every auth key
// in the wallet.
type PollResult struct {
	Received        []ReceivedCoin
	BatchLocked     []string
	DecryptFailures int
}

// Poll enumerates the wallet's distinct auth pubkeys, pulls pending mail
// for each, and attempts to receive every message found. Every per-message
// failure (decryption, chain validation, an SE or signing error) is counted
// in DecryptFailures and skipped, without logging, rather than aborting
// the sweep; batch-locked
// transfers are reported separately so the caller can retry later.
func (r *Receiver) Poll(ctx context.Context) (*PollResult, error) {
	result := &PollResult{}

	for _, authPub := range r.cfg.Wallet.DistinctAuthPubkeys() {
		resp, err := r.cfg.SE.GetMsgAddr(ctx, hex.EncodeToString(authPub.SerializeCompressed()))
		if err != nil {
			return nil, fmt.Errorf("transfer: poll mailbox: %w", err)
		}

		for _, encHex := range resp.ListEncTransferMsg {
			rc, batchLockedID, err := r.processOne(ctx, authPub, encHex)
			if err != nil {
				result.DecryptFailures++
				continue
			}
			if batchLockedID != "" {
				result.BatchLocked = append(result.BatchLocked, batchLockedID)
				continue
			}
			if rc != nil {
				result.Received = append(result.Received, *rc)
			}
		}
	}

	return result, nil
}

func (r *Receiver) authSeckeyFor(authPub *btcec.PublicKey) *btcec.PrivateKey {
	for _, c := range r.cfg.Wallet.Coins {
		if c.AuthPubkey != nil && c.AuthPubkey.IsEqual(authPub) && c.AuthSeckey != nil {
			return c.AuthSeckey
		}
	}
	return nil
}

// processOne decrypts and validates one mailbox entry. A non-nil
// batchLockedID return means the transfer is recoverable; the caller
// should retry the whole coin later, not treat it as failed.
func (r *Receiver) processOne(ctx context.Context, authPub *btcec.PublicKey, encHex string) (*ReceivedCoin, string, error) {
	authSeckey := r.authSeckeyFor(authPub)
	if authSeckey == nil {
		return nil, "", fmt.Errorf("transfer: no auth key on file for mailbox entry")
	}

	envelope, err := hex.DecodeString(encHex)
	if err != nil {
		return nil, "", fmt.Errorf("decode mailbox entry: %w", err)
	}

	plaintext, err := walletcrypto.Decrypt(authSeckey, envelope)
	if err != nil {
		return nil, "", fmt.Errorf("decrypt mailbox entry: %w", err)
	}

	var wire wireTransferMsg
	if err := json.Unmarshal(plaintext, &wire); err != nil {
		return nil, "", fmt.Errorf("unmarshal transfer message: %w", err)
	}

	msg, err := fromWireMsg(wire)
	if err != nil {
		return nil, "", fmt.Errorf("decode transfer message: %w", err)
	}

	coin := r.cfg.Wallet.FindInitialisedCoin(authPub)
	if coin == nil {
		coin, err = r.cfg.DeriveScratchCoin(authPub)
		if err != nil {
			return nil, "", fmt.Errorf("derive scratch coin: %w", err)
		}
	}

	infoResp, err := r.cfg.SE.InfoStatechain(ctx, msg.StatechainID)
	if err != nil {
		return nil, "", fmt.Errorf("fetch statechain info: %w", err)
	}
	info, err := infoFromWire(*infoResp)
	if err != nil {
		return nil, "", fmt.Errorf("decode statechain info: %w", err)
	}

	if len(msg.BackupTransactions) == 0 {
		return nil, "", fmt.Errorf("transfer message carries no backups")
	}
	firstBackup, err := backup.DeserializeTx(msg.BackupTransactions[0].RawTx)
	if err != nil {
		return nil, "", fmt.Errorf("deserialize first backup: %w", err)
	}
	fundingOutpoint := firstBackup.TxIn[0].PreviousOutPoint

	if err := verifyTransferSignature(msg, fundingOutpoint); err != nil {
		return nil, "", err
	}

	fundingHex, err := r.cfg.Indexer.RawTransactionHex(ctx, fundingOutpoint.Hash.String())
	if err != nil {
		return nil, "", fmt.Errorf("fetch funding tx: %w", err)
	}
	fundingRaw, err := hex.DecodeString(fundingHex)
	if err != nil {
		return nil, "", fmt.Errorf("decode funding tx: %w", err)
	}
	fundingTx, err := backup.DeserializeTx(fundingRaw)
	if err != nil {
		return nil, "", fmt.Errorf("parse funding tx: %w", err)
	}
	if int(fundingOutpoint.Index) >= len(fundingTx.TxOut) {
		return nil, "", fmt.Errorf("funding outpoint out of range")
	}
	fundingOut := fundingTx.TxOut[fundingOutpoint.Index]

	lockN, err := sigscheme.Validate(sigscheme.Input{
		NetParams:             r.cfg.NetParams,
		Backups:               msg.BackupTransactions,
		Info:                  info,
		FundingPkScript:       fundingOut.PkScript,
		FundingAmount:         fundingOut.Value,
		ReceiverUserPubkey:    coin.UserPubkey,
		ServerPubkeyAtTx0:     info.EnclavePublicKey,
		FeeToleranceSatsVByte: r.cfg.FeeToleranceSatsVByte,
	})
	if err != nil {
		return nil, "", fmt.Errorf("chain validation: %w", err)
	}

	confs, seen, err := r.cfg.Indexer.TxConfirmations(ctx, fundingOutpoint.Hash.String())
	if err != nil {
		return nil, "", fmt.Errorf("check funding confirmations: %w", err)
	}
	confirmed := seen && confs >= r.cfg.ConfirmationTarget

	statechainIDSig, err := schnorr.Sign(coin.AuthSeckey, statechainIDDigest(msg.StatechainID))
	if err != nil {
		return nil, "", fmt.Errorf("sign statechain id: %w", err)
	}
	authSigHex := hex.EncodeToString(statechainIDSig.Serialize())
	authPubHex := hex.EncodeToString(coin.AuthPubkey.SerializeCompressed())

	if err := r.cfg.SE.TransferUnlock(ctx, se.TransferUnlockRequest{
		StatechainID: msg.StatechainID,
		AuthSig:      authSigHex,
		AuthPubKey:   authPubHex,
	}); err != nil {
		return nil, "", fmt.Errorf("transfer unlock: %w", err)
	}

	recvResp, err := r.cfg.SE.TransferReceiver(ctx, se.TransferReceiverRequest{
		StatechainID: msg.StatechainID,
		T2:           hex.EncodeToString(msg.T1),
		AuthSig:      authSigHex,
	})
	if err != nil {
		var protoErr *statecoin.SEProtocolError
		if errors.As(err, &protoErr) && protoErr.IsBatchLocked() {
			return nil, msg.StatechainID, nil
		}
		return nil, "", fmt.Errorf("transfer receiver: %w", err)
	}

	serverPubkeyBytes, err := hex.DecodeString(recvResp.ServerPubkey)
	if err != nil {
		return nil, "", fmt.Errorf("decode server pubkey: %w", err)
	}
	serverPubkey, err := btcec.ParsePubKey(serverPubkeyBytes)
	if err != nil {
		return nil, "", fmt.Errorf("parse server pubkey: %w", err)
	}

	seScalarSeed := blindingScalar(serverPubkey)
	seScalarBytes := seScalarSeed.Bytes()
	newUserSeckey, err := deriveReceiverUserSeckey(msg.T1, coin.UserPubkey, seScalarBytes[:])
	if err != nil {
		return nil, "", fmt.Errorf("derive new user key: %w", err)
	}

	aggPubkey := aggregate(newUserSeckey.PubKey(), serverPubkey)
	aggAddrStr, _, err := taprootAddress(r.cfg.NetParams, newUserSeckey.PubKey(), serverPubkey)
	if err != nil {
		return nil, "", fmt.Errorf("derive aggregate address: %w", err)
	}

	coin.StatechainID = msg.StatechainID
	coin.UserSeckey = newUserSeckey
	coin.UserPubkey = newUserSeckey.PubKey()
	coin.ServerPubkey = serverPubkey
	coin.AggregatedPubkey = aggPubkey
	coin.AggregatedAddress = aggAddrStr
	coin.AmountSats = fundingOut.Value
	coin.UTXOTxid = fundingOutpoint.Hash.String()
	coin.UTXOVout = fundingOutpoint.Index
	coin.Locktime = lockN
	coin.SignedStatechainID = statechainIDSig.Serialize()

	coin.TransferAddress = aggAddrStr

	if err := statecoin.TransitionReceiveOK(coin, confirmed); err != nil {
		return nil, "", fmt.Errorf("transition coin: %w", err)
	}

	activity := statecoin.Activity{
		UTXOTxid:  coin.UTXOTxid,
		UTXOVout:  coin.UTXOVout,
		AmountSat: coin.AmountSats,
		Action:    statecoin.ActivityReceive,
		Timestamp: r.cfg.Clock.Now(),
	}

	return &ReceivedCoin{
		Coin:       coin,
		NewBackups: msg.BackupTransactions,
		Activity:   activity,
	}, "", nil
}

func statechainIDDigest(statechainID string) []byte {
	h := sha256.Sum256([]byte(statechainID))
	return h[:]
}

func fromWireMsg(w wireTransferMsg) (statecoin.TransferMsg, error) {
	userPub, err := decodeHexPubkey(w.UserPublicKey)
	if err != nil {
		return statecoin.TransferMsg{}, fmt.Errorf("user_public_key: %w", err)
	}
	newUserPub, err := decodeHexPubkey(w.NewUserPubkey)
	if err != nil {
		return statecoin.TransferMsg{}, fmt.Errorf("new_user_pubkey: %w", err)
	}
	t1, err := hex.DecodeString(w.T1)
	if err != nil {
		return statecoin.TransferMsg{}, fmt.Errorf("t1: %w", err)
	}
	senderAuthPub, err := decodeHexPubkey(w.SenderAuthPubkey)
	if err != nil {
		return statecoin.TransferMsg{}, fmt.Errorf("sender_auth_pubkey: %w", err)
	}
	sig, err := hex.DecodeString(w.TransferSignature)
	if err != nil {
		return statecoin.TransferMsg{}, fmt.Errorf("transfer_signature: %w", err)
	}

	backups := make([]statecoin.BackupTx, len(w.BackupTransactions))
	for i, b := range w.BackupTransactions {
		raw, err := hex.DecodeString(b.RawTx)
		if err != nil {
			return statecoin.TransferMsg{}, fmt.Errorf("backup %d raw_tx: %w", b.TxN, err)
		}
		blindRaw, err := hex.DecodeString(b.BlindingFactor)
		if err != nil {
			return statecoin.TransferMsg{}, fmt.Errorf("backup %d blinding_factor: %w", b.TxN, err)
		}
		var blind [32]byte
		copy(blind[:], blindRaw)

		backups[i] = statecoin.BackupTx{
			StatechainID:     w.StatechainID,
			TxN:              b.TxN,
			RawTx:            raw,
			BlindingFactor:   blind,
			Locktime:         b.Locktime,
			FeeRateSatsVByte: b.FeeRateSatsVByte,
		}
	}

	return statecoin.TransferMsg{
		StatechainID:       w.StatechainID,
		UserPublicKey:      userPub,
		NewUserPubkey:      newUserPub,
		T1:                 t1,
		SenderAuthPubkey:   senderAuthPub,
		TransferSignature:  sig,
		BackupTransactions: backups,
	}, nil
}

func infoFromWire(w se.InfoStatechainResponse) (statecoin.StatechainInfo, error) {
	enclavePub, err := decodeHexPubkey(w.EnclavePublicKey)
	if err != nil {
		return statecoin.StatechainInfo{}, fmt.Errorf("enclave_public_key: %w", err)
	}

	sigs := make([]statecoin.SignatureDescriptor, len(w.Signatures))
	for i, s := range w.Signatures {
		commitRaw, err := hex.DecodeString(s.Commitment)
		if err != nil {
			return statecoin.StatechainInfo{}, fmt.Errorf("signature %d commitment: %w", s.TxN, err)
		}
		var commit [32]byte
		copy(commit[:], commitRaw)
		sigs[i] = statecoin.SignatureDescriptor{
			TxN:              s.TxN,
			Commitment:       commit,
			FeeRateSatsVByte: s.FeeRateSatsVByte,
		}
	}

	return statecoin.StatechainInfo{
		EnclavePublicKey: enclavePub,
		NumSigs:          w.NumSigs,
		Interval:         w.Interval,
		Signatures:       sigs,
	}, nil
}

func decodeHexPubkey(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(raw)
}
