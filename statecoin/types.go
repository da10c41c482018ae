// Package statecoin defines the statecoin wallet's data model and the
// CoinStateMachine that is the sole mutator of a Coin's status.
package statecoin

import (
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
)

// Status is a coin's position in its lifecycle. The CoinStateMachine is the
// only component permitted to assign it.
type Status string

const (
	StatusInitialised Status = "INITIALISED"
	StatusInMempool   Status = "IN_MEMPOOL"
	StatusUnconfirmed Status = "UNCONFIRMED"
	StatusConfirmed   Status = "CONFIRMED"
	StatusInTransfer  Status = "IN_TRANSFER"
	StatusWithdrawing Status = "WITHDRAWING"
	StatusWithdrawn   Status = "WITHDRAWN"
)

// Coin is an owned statecoin: a UTXO locked to an aggregate key jointly
// controlled by this wallet and a statechain entity.
type Coin struct {
	// StatechainID is assigned by the SE at deposit; empty until the
	// deposit/init/pod round completes.
	StatechainID string

	UserSeckey *btcec.PrivateKey
	UserPubkey *btcec.PublicKey

	AuthSeckey *btcec.PrivateKey
	AuthPubkey *btcec.PublicKey

	ServerPubkey *btcec.PublicKey

	AggregatedPubkey  *btcec.PublicKey
	AggregatedAddress string

	// Address is this coin's own receive address, derived from
	// UserPubkey: what a sender resolves when they target this coin's
	// owner for a transfer.
	Address string

	// TransferAddress is the address the most recently accepted
	// transfer paid this coin's backup chain to; set by the receive
	// flow, consumed by nothing locally but useful for audit.
	TransferAddress string

	AmountSats int64

	UTXOTxid string
	UTXOVout uint32

	// Locktime is the nLockTime of the most recent backup transaction.
	// It strictly decreases with every transfer.
	Locktime uint32

	Status Status

	// TxCPFP is the txid of the broadcast CPFP child, if the coin was
	// ever withdrawn with a fee bump.
	TxCPFP string

	// SignedStatechainID is a Schnorr signature over StatechainID by
	// AuthSeckey: replayable proof of ownership presented to the SE.
	SignedStatechainID []byte

	// KeyIndex is the wallet-local derivation index shared by UserSeckey,
	// AuthSeckey and the backup address's key.
	KeyIndex uint32
}

// BackupTx is one link in a coin's backup chain.
type BackupTx struct {
	StatechainID string

	// TxN is the 1-based, monotonically increasing position of this
	// backup within its chain.
	TxN uint32

	// RawTx is the fully signed transaction, consensus-serialized.
	RawTx []byte

	ClientPubNonce [musig2.PubNonceSize]byte
	ServerPubNonce [musig2.PubNonceSize]byte

	// BlindingFactor masks the sighash handed to the SE during the
	// blind co-signing round for this backup.
	BlindingFactor [32]byte

	Locktime uint32
	FeeRateSatsVByte uint64
}

// TransferMsg is the envelope moved through the SE mailbox from sender to
// receiver.
type TransferMsg struct {
	StatechainID string

	// UserPublicKey is the sender's outgoing user pubkey (the one the
	// funding output's aggregate key was built from).
	UserPublicKey *btcec.PublicKey

	// NewUserPubkey is the receiver's fresh user pubkey for this coin.
	NewUserPubkey *btcec.PublicKey

	// T1 is the sender's blinded tweak scalar; combined by the receiver
	// with the SE-provided X1 to recover the new aggregate key share.
	T1 []byte

	// SenderAuthPubkey is the sender's auth pubkey, needed by the
	// receiver to verify TransferSignature.
	SenderAuthPubkey *btcec.PublicKey

	// TransferSignature commits the sender's intent to the funding
	// outpoint and the receiver's new pubkey: a Schnorr signature by
	// SenderAuthPubkey the receiver must verify before trusting the rest
	// of the message.
	TransferSignature []byte

	BackupTransactions []BackupTx
}

// SignatureDescriptor is one per-transfer entry in a StatechainInfo's
// signature history: the blinding commitment and the fee snapshot used for
// that round, enough for the SigSchemeValidator to recheck the signature
// cover and fee tolerance of a historical backup.
type SignatureDescriptor struct {
	TxN              uint32
	Commitment       [32]byte
	FeeRateSatsVByte uint64
}

// StatechainInfo is the SE's public attestation of a statecoin.
type StatechainInfo struct {
	EnclavePublicKey *btcec.PublicKey
	NumSigs          uint32
	Signatures       []SignatureDescriptor

	// Interval is the minimum block-count decrement required between
	// consecutive backups' locktimes.
	Interval uint32
}

// ActivityAction classifies an Activity entry.
type ActivityAction string

const (
	ActivityDeposit  ActivityAction = "Deposit"
	ActivitySend     ActivityAction = "Send"
	ActivityReceive  ActivityAction = "Receive"
	ActivityWithdraw ActivityAction = "Withdraw"
)

// Activity is an append-only audit record.
type Activity struct {
	UTXOTxid  string
	UTXOVout  uint32
	AmountSat int64
	Action    ActivityAction
	Timestamp time.Time
}

// Token is a prepaid-deposit authorization, consumed exactly once at
// deposit/init/pod.
type Token struct {
	ID         string
	AmountSats int64
	Spent      bool
}

// Wallet is the aggregate root persisted by WalletStore.
type Wallet struct {
	Name    string
	Network string

	// ConfirmationTarget is how many confirmations a funding UTXO needs
	// before a coin is considered CONFIRMED.
	ConfirmationTarget uint32

	// KeyIndexNext is the next coin-derivation index to hand out.
	KeyIndexNext uint32

	Coins      []*Coin
	Activities []Activity
	Tokens     []Token
}

// FindCoin looks up a coin by statechain ID, the wallet's primary coin key
// once a deposit has completed.
func (w *Wallet) FindCoin(statechainID string) *Coin {
	for _, c := range w.Coins {
		if c.StatechainID == statechainID {
			return c
		}
	}
	return nil
}

// FindInitialisedCoin returns the first coin awaiting a transfer whose auth
// key matches authPubkey, used by the receive flow to slot an incoming
// TransferMsg into a coin reserved for it.
func (w *Wallet) FindInitialisedCoin(authPubkey *btcec.PublicKey) *Coin {
	for _, c := range w.Coins {
		if c.Status == StatusInitialised && c.AuthPubkey.IsEqual(authPubkey) {
			return c
		}
	}
	return nil
}

// DistinctAuthPubkeys returns every unique auth pubkey across the wallet's
// coins, the set the receive flow polls the SE mailbox for.
func (w *Wallet) DistinctAuthPubkeys() []*btcec.PublicKey {
	seen := make(map[string]*btcec.PublicKey)
	for _, c := range w.Coins {
		if c.AuthPubkey == nil {
			continue
		}
		seen[string(c.AuthPubkey.SerializeCompressed())] = c.AuthPubkey
	}

	out := make([]*btcec.PublicKey, 0, len(seen))
	for _, pk := range seen {
		out = append(out, pk)
	}
	return out
}
