package walletdb

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/statecoin/walletd/statecoin"
)

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// walletRow is the JSON form of statecoin.Wallet persisted in the wallet
// table's data column. Key material has no default JSON encoding, so every
// coin's keys are hex-encoded the same way transfer's wire envelope encodes
// its key fields.
type walletRow struct {
	Name               string       `json:"name"`
	Network            string       `json:"network"`
	ConfirmationTarget uint32       `json:"confirmation_target"`
	KeyIndexNext       uint32       `json:"key_index_next"`
	Coins              []coinRow    `json:"coins"`
	Activities         []activityRow `json:"activities"`
	Tokens             []tokenRow   `json:"tokens"`
}

type coinRow struct {
	StatechainID       string `json:"statechain_id"`
	UserSeckey         string `json:"user_seckey,omitempty"`
	UserPubkey         string `json:"user_pubkey,omitempty"`
	AuthSeckey         string `json:"auth_seckey,omitempty"`
	AuthPubkey         string `json:"auth_pubkey,omitempty"`
	ServerPubkey       string `json:"server_pubkey,omitempty"`
	AggregatedPubkey   string `json:"aggregated_pubkey,omitempty"`
	AggregatedAddress  string `json:"aggregated_address"`
	Address            string `json:"address"`
	TransferAddress    string `json:"transfer_address"`
	AmountSats         int64  `json:"amount_sats"`
	UTXOTxid           string `json:"utxo_txid"`
	UTXOVout           uint32 `json:"utxo_vout"`
	Locktime           uint32 `json:"locktime"`
	Status             string `json:"status"`
	TxCPFP             string `json:"tx_cpfp"`
	SignedStatechainID string `json:"signed_statechain_id,omitempty"`
	KeyIndex           uint32 `json:"key_index"`
}

type activityRow struct {
	UTXOTxid  string `json:"utxo_txid"`
	UTXOVout  uint32 `json:"utxo_vout"`
	AmountSat int64  `json:"amount_sat"`
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
}

type tokenRow struct {
	ID         string `json:"id"`
	AmountSats int64  `json:"amount_sats"`
	Spent      bool   `json:"spent"`
}

func toWalletRow(w *statecoin.Wallet) (walletRow, error) {
	row := walletRow{
		Name:               w.Name,
		Network:            w.Network,
		ConfirmationTarget: w.ConfirmationTarget,
		KeyIndexNext:       w.KeyIndexNext,
		Coins:              make([]coinRow, len(w.Coins)),
		Activities:         make([]activityRow, len(w.Activities)),
		Tokens:             make([]tokenRow, len(w.Tokens)),
	}

	for i, c := range w.Coins {
		cr, err := toCoinRow(c)
		if err != nil {
			return walletRow{}, fmt.Errorf("coin %d: %w", i, err)
		}
		row.Coins[i] = cr
	}
	for i, a := range w.Activities {
		row.Activities[i] = activityRow{
			UTXOTxid:  a.UTXOTxid,
			UTXOVout:  a.UTXOVout,
			AmountSat: a.AmountSat,
			Action:    string(a.Action),
			Timestamp: a.Timestamp.Unix(),
		}
	}
	for i, t := range w.Tokens {
		row.Tokens[i] = tokenRow{ID: t.ID, AmountSats: t.AmountSats, Spent: t.Spent}
	}

	return row, nil
}

func toCoinRow(c *statecoin.Coin) (coinRow, error) {
	cr := coinRow{
		StatechainID:      c.StatechainID,
		AggregatedAddress: c.AggregatedAddress,
		Address:           c.Address,
		TransferAddress:   c.TransferAddress,
		AmountSats:        c.AmountSats,
		UTXOTxid:          c.UTXOTxid,
		UTXOVout:          c.UTXOVout,
		Locktime:          c.Locktime,
		Status:            string(c.Status),
		TxCPFP:            c.TxCPFP,
		KeyIndex:          c.KeyIndex,
	}
	if c.UserSeckey != nil {
		b := c.UserSeckey.Serialize()
		cr.UserSeckey = hex.EncodeToString(b)
	}
	if c.UserPubkey != nil {
		cr.UserPubkey = hex.EncodeToString(c.UserPubkey.SerializeCompressed())
	}
	if c.AuthSeckey != nil {
		b := c.AuthSeckey.Serialize()
		cr.AuthSeckey = hex.EncodeToString(b)
	}
	if c.AuthPubkey != nil {
		cr.AuthPubkey = hex.EncodeToString(c.AuthPubkey.SerializeCompressed())
	}
	if c.ServerPubkey != nil {
		cr.ServerPubkey = hex.EncodeToString(c.ServerPubkey.SerializeCompressed())
	}
	if c.AggregatedPubkey != nil {
		cr.AggregatedPubkey = hex.EncodeToString(c.AggregatedPubkey.SerializeCompressed())
	}
	if len(c.SignedStatechainID) > 0 {
		cr.SignedStatechainID = hex.EncodeToString(c.SignedStatechainID)
	}
	return cr, nil
}

func fromWalletRow(row walletRow) (*statecoin.Wallet, error) {
	w := &statecoin.Wallet{
		Name:               row.Name,
		Network:            row.Network,
		ConfirmationTarget: row.ConfirmationTarget,
		KeyIndexNext:       row.KeyIndexNext,
		Coins:              make([]*statecoin.Coin, len(row.Coins)),
		Activities:         make([]statecoin.Activity, len(row.Activities)),
		Tokens:             make([]statecoin.Token, len(row.Tokens)),
	}

	for i, cr := range row.Coins {
		c, err := fromCoinRow(cr)
		if err != nil {
			return nil, fmt.Errorf("coin %d: %w", i, err)
		}
		w.Coins[i] = c
	}
	for i, ar := range row.Activities {
		w.Activities[i] = statecoin.Activity{
			UTXOTxid:  ar.UTXOTxid,
			UTXOVout:  ar.UTXOVout,
			AmountSat: ar.AmountSat,
			Action:    statecoin.ActivityAction(ar.Action),
			Timestamp: unixTime(ar.Timestamp),
		}
	}
	for i, tr := range row.Tokens {
		w.Tokens[i] = statecoin.Token{ID: tr.ID, AmountSats: tr.AmountSats, Spent: tr.Spent}
	}

	return w, nil
}

func fromCoinRow(cr coinRow) (*statecoin.Coin, error) {
	c := &statecoin.Coin{
		StatechainID:      cr.StatechainID,
		AggregatedAddress: cr.AggregatedAddress,
		Address:           cr.Address,
		TransferAddress:   cr.TransferAddress,
		AmountSats:        cr.AmountSats,
		UTXOTxid:          cr.UTXOTxid,
		UTXOVout:          cr.UTXOVout,
		Locktime:          cr.Locktime,
		Status:            statecoin.Status(cr.Status),
		TxCPFP:            cr.TxCPFP,
		KeyIndex:          cr.KeyIndex,
	}

	var err error
	if c.UserSeckey, err = decodeSeckeyHex(cr.UserSeckey); err != nil {
		return nil, fmt.Errorf("user_seckey: %w", err)
	}
	if c.UserPubkey, err = decodePubkeyHex(cr.UserPubkey); err != nil {
		return nil, fmt.Errorf("user_pubkey: %w", err)
	}
	if c.AuthSeckey, err = decodeSeckeyHex(cr.AuthSeckey); err != nil {
		return nil, fmt.Errorf("auth_seckey: %w", err)
	}
	if c.AuthPubkey, err = decodePubkeyHex(cr.AuthPubkey); err != nil {
		return nil, fmt.Errorf("auth_pubkey: %w", err)
	}
	if c.ServerPubkey, err = decodePubkeyHex(cr.ServerPubkey); err != nil {
		return nil, fmt.Errorf("server_pubkey: %w", err)
	}
	if c.AggregatedPubkey, err = decodePubkeyHex(cr.AggregatedPubkey); err != nil {
		return nil, fmt.Errorf("aggregated_pubkey: %w", err)
	}
	if cr.SignedStatechainID != "" {
		if c.SignedStatechainID, err = hex.DecodeString(cr.SignedStatechainID); err != nil {
			return nil, fmt.Errorf("signed_statechain_id: %w", err)
		}
	}

	return c, nil
}

func decodeSeckeyHex(s string) (*btcec.PrivateKey, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

func decodePubkeyHex(s string) (*btcec.PublicKey, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(raw)
}
