package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/google/uuid"

	"github.com/statecoin/walletd/backup"
	"github.com/statecoin/walletd/cpfp"
	"github.com/statecoin/walletd/keyring"
	"github.com/statecoin/walletd/se"
	"github.com/statecoin/walletd/statecoin"
	"github.com/statecoin/walletd/transfer"
	"github.com/statecoin/walletd/walletcrypto"
	"github.com/statecoin/walletd/walletdb"
)

// CreateWallet registers a brand new, empty wallet under name. Returns an
// error if a wallet by that name already exists.
func (c *Client) CreateWallet(ctx context.Context, name string) error {
	if _, err := c.store.LoadWallet(name); err == nil {
		return fmt.Errorf("client: wallet %q already exists", name)
	} else if !errors.Is(err, walletdb.ErrWalletNotFound) {
		return err
	}

	return c.store.WithWalletMut(name, func(w *statecoin.Wallet) error {
		w.Network = c.cfg.Network
		w.ConfirmationTarget = c.cfg.ConfirmationTarget
		return nil
	})
}

// NewDepositAddress registers a fresh coin against one prepaid token and
// returns the aggregate address to fund it at along with the SE-assigned
// statechain ID. tokenID may be empty, in which case one is minted.
func (c *Client) NewDepositAddress(ctx context.Context, walletName, tokenID string, amountSats int64) (address, statechainID string, err error) {
	if tokenID == "" {
		tokenID = uuid.New().String()
	}

	coinKeys, err := c.keyRing.DeriveNextCoinKeys(ctx)
	if err != nil {
		return "", "", fmt.Errorf("client: derive coin keys: %w", err)
	}
	userPriv, err := c.keyRing.PrivKeyForLocator(coinKeys.User.KeyLocator)
	if err != nil {
		return "", "", fmt.Errorf("client: load user key: %w", err)
	}
	authPriv, err := c.keyRing.PrivKeyForLocator(coinKeys.Auth.KeyLocator)
	if err != nil {
		return "", "", fmt.Errorf("client: load auth key: %w", err)
	}

	signedTokenID, err := walletcrypto.SignDigest(authPriv, []byte(tokenID))
	if err != nil {
		return "", "", fmt.Errorf("client: sign token id: %w", err)
	}

	resp, err := c.se.DepositInit(ctx, se.DepositInitRequest{
		AmountSats:    amountSats,
		AuthKey:       hexEncode(authPriv.PubKey()),
		TokenID:       tokenID,
		SignedTokenID: hexEncodeSig(signedTokenID),
	})
	if err != nil {
		return "", "", fmt.Errorf("client: deposit init: %w", err)
	}

	serverPubkey, err := decodeHexPubkey(resp.ServerPubkey)
	if err != nil {
		return "", "", fmt.Errorf("client: decode server pubkey: %w", err)
	}

	aggPubkey, aggAddr, err := aggregateAddress(c.netParams, userPriv.PubKey(), serverPubkey)
	if err != nil {
		return "", "", fmt.Errorf("client: derive aggregate address: %w", err)
	}

	err = c.store.WithWalletMut(walletName, func(w *statecoin.Wallet) error {
		w.Coins = append(w.Coins, &statecoin.Coin{
			StatechainID:      resp.StatechainID,
			UserSeckey:        userPriv,
			UserPubkey:        userPriv.PubKey(),
			AuthSeckey:        authPriv,
			AuthPubkey:        authPriv.PubKey(),
			ServerPubkey:      serverPubkey,
			AggregatedPubkey:  aggPubkey,
			AggregatedAddress: aggAddr,
			Address:           aggAddr,
			AmountSats:        amountSats,
			Status:            statecoin.StatusInitialised,
			KeyIndex:          coinKeys.Index,
		})
		w.Tokens = append(w.Tokens, statecoin.Token{ID: tokenID, AmountSats: amountSats, Spent: true})
		return nil
	})
	if err != nil {
		return "", "", err
	}

	return aggAddr, resp.StatechainID, nil
}

// NewTransferAddress reserves a fresh user/auth key pair for an incoming
// transfer and returns the opaque address a sender resolves to target it.
func (c *Client) NewTransferAddress(ctx context.Context, walletName string) (string, error) {
	coinKeys, err := c.keyRing.DeriveNextCoinKeys(ctx)
	if err != nil {
		return "", fmt.Errorf("client: derive coin keys: %w", err)
	}
	userPriv, err := c.keyRing.PrivKeyForLocator(coinKeys.User.KeyLocator)
	if err != nil {
		return "", fmt.Errorf("client: load user key: %w", err)
	}
	authPriv, err := c.keyRing.PrivKeyForLocator(coinKeys.Auth.KeyLocator)
	if err != nil {
		return "", fmt.Errorf("client: load auth key: %w", err)
	}

	address := encodeTransferAddress(userPriv.PubKey(), authPriv.PubKey())

	err = c.store.WithWalletMut(walletName, func(w *statecoin.Wallet) error {
		w.Coins = append(w.Coins, &statecoin.Coin{
			UserSeckey: userPriv,
			UserPubkey: userPriv.PubKey(),
			AuthSeckey: authPriv,
			AuthPubkey: authPriv.PubKey(),
			Status:     statecoin.StatusInitialised,
			KeyIndex:   coinKeys.Index,
		})
		return nil
	})
	if err != nil {
		return "", err
	}

	return address, nil
}

// TransferSend moves statechainID to toAddress: it runs one full
// TransferSender round and, on success, commits the coin's IN_TRANSFER
// status in the same snapshot write as the new backup's chain membership,
// then upserts the signed backup row itself.
func (c *Client) TransferSend(ctx context.Context, walletName, statechainID, toAddress string) error {
	receiverUserPub, receiverAuthPub, err := decodeTransferAddress(toAddress)
	if err != nil {
		return err
	}

	history, err := c.store.BackupChain(statechainID)
	if err != nil && !errors.Is(err, walletdb.ErrBackupNotFound) {
		return err
	}

	height, err := c.indexer.CurrentHeight(ctx)
	if err != nil {
		return fmt.Errorf("client: current height: %w", err)
	}
	feeRate, err := c.feeRate(ctx, 0)
	if err != nil {
		return err
	}

	var result *transfer.Result
	err = c.store.WithWalletMut(walletName, func(w *statecoin.Wallet) error {
		coin := w.FindCoin(statechainID)
		if coin == nil {
			return &statecoin.NotFound{Entity: "coin", ID: statechainID}
		}

		sender, err := transfer.NewSender(transfer.SenderConfig{
			NetParams:             c.netParams,
			SE:                    c.se,
			Coin:                  coin,
			History:               history,
			CurrentHeight:         height,
			ReceiverAuthPubkey:    receiverAuthPub,
			ReceiverUserPubkey:    receiverUserPub,
			Interval:              c.cfg.Interval,
			FeeRateSatsVByte:      feeRate,
			FeeToleranceSatsVByte: c.cfg.FeeToleranceSatsVByte,
		})
		if err != nil {
			return err
		}

		res, err := sender.Execute(ctx)
		if err != nil {
			return err
		}
		result = res

		if err := statecoin.TransitionSent(coin); err != nil {
			return err
		}

		w.Activities = append(w.Activities, statecoin.Activity{
			UTXOTxid:  coin.UTXOTxid,
			UTXOVout:  coin.UTXOVout,
			AmountSat: coin.AmountSats,
			Action:    statecoin.ActivitySend,
			Timestamp: c.clock.Now(),
		})
		return nil
	})
	if err != nil {
		return err
	}

	return c.store.UpsertBackupTx(statechainID, result.NewBackup)
}

// TransferReceive sweeps the wallet's mailbox for pending transfers. Coins
// it installs are committed inside one wallet snapshot write; their backup
// chains are upserted afterward, strictly outside that write, since
// walletdb's single pooled connection deadlocks if UpsertBackupTx runs
// nested inside WithWalletMut.
func (c *Client) TransferReceive(ctx context.Context, walletName string) (*transfer.PollResult, error) {
	var result *transfer.PollResult
	var newBackups []statecoin.BackupTx

	err := c.store.WithWalletMut(walletName, func(w *statecoin.Wallet) error {
		receiver, err := transfer.NewReceiver(transfer.ReceiverConfig{
			NetParams:             c.netParams,
			SE:                    c.se,
			Indexer:               c.indexer,
			Wallet:                w,
			ConfirmationTarget:    c.cfg.ConfirmationTarget,
			FeeToleranceSatsVByte: c.cfg.FeeToleranceSatsVByte,
			DeriveScratchCoin: func(authPub *btcec.PublicKey) (*statecoin.Coin, error) {
				return c.deriveScratchCoin(ctx, w, authPub)
			},
			Clock: c.clock,
		})
		if err != nil {
			return err
		}

		res, err := receiver.Poll(ctx)
		if err != nil {
			return err
		}
		result = res

		for _, rc := range res.Received {
			w.Activities = append(w.Activities, rc.Activity)
			newBackups = append(newBackups, rc.NewBackups...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, b := range newBackups {
		if err := c.store.UpsertBackupTx(b.StatechainID, b); err != nil {
			return result, err
		}
	}

	return result, nil
}

// deriveScratchCoin mints a fresh reservation for an incoming transfer
// whose auth key has no INITIALISED coin waiting: the same auth key is
// reused (so the sender's target address keeps resolving), but a brand new
// user key is derived so the coin being received gets its own key share.
func (c *Client) deriveScratchCoin(ctx context.Context, w *statecoin.Wallet, authPub *btcec.PublicKey) (*statecoin.Coin, error) {
	var authPriv *btcec.PrivateKey
	for _, existing := range w.Coins {
		if existing.AuthPubkey != nil && existing.AuthPubkey.IsEqual(authPub) && existing.AuthSeckey != nil {
			authPriv = existing.AuthSeckey
			break
		}
	}
	if authPriv == nil {
		return nil, fmt.Errorf("client: no auth key on file for %s", hexEncode(authPub))
	}

	userDesc, err := c.keyRing.DeriveNextKey(ctx, keyring.KeyFamilyUser)
	if err != nil {
		return nil, fmt.Errorf("client: derive scratch user key: %w", err)
	}
	userPriv, err := c.keyRing.PrivKeyForLocator(userDesc.KeyLocator)
	if err != nil {
		return nil, fmt.Errorf("client: load scratch user key: %w", err)
	}

	coin := &statecoin.Coin{
		UserSeckey: userPriv,
		UserPubkey: userPriv.PubKey(),
		AuthSeckey: authPriv,
		AuthPubkey: authPub,
		Status:     statecoin.StatusInitialised,
		KeyIndex:   userDesc.Index,
	}
	w.Coins = append(w.Coins, coin)
	return coin, nil
}

// baselineBackupFeeRateSatsVByte is the fee rate a withdrawal's freshly
// co-signed backup is built at. Backups are meant to sit signed for a long
// time before they're ever needed, so they carry the cheapest rate that
// still clears dust; CPFP at broadcast time brings the package up to
// whatever the chain actually needs by the time the coin is spent.
const baselineBackupFeeRateSatsVByte = 1

// Withdraw builds and blind co-signs a brand new backup transaction paying
// directly to toAddress, transitions the coin out of the statecoin
// protocol, then broadcasts that backup and a CPFP child bumping it to the
// requested fee rate. Unlike TransferSend, toAddress is outside the
// protocol entirely; there is no receiver to notify.
func (c *Client) Withdraw(ctx context.Context, walletName, statechainID, toAddress string, feeRateOverride uint64) error {
	history, err := c.store.BackupChain(statechainID)
	if err != nil && !errors.Is(err, walletdb.ErrBackupNotFound) {
		return err
	}

	height, err := c.indexer.CurrentHeight(ctx)
	if err != nil {
		return fmt.Errorf("client: current height: %w", err)
	}

	var newBackup statecoin.BackupTx
	err = c.store.WithWalletMut(walletName, func(w *statecoin.Wallet) error {
		coin := w.FindCoin(statechainID)
		if coin == nil {
			return &statecoin.NotFound{Entity: "coin", ID: statechainID}
		}

		var prevLocktime *uint32
		if coin.Locktime != 0 {
			l := coin.Locktime
			prevLocktime = &l
		}

		fundingScript, err := txscript.PayToTaprootScript(walletcrypto.ComputeTaprootOutputKey(coin.AggregatedPubkey))
		if err != nil {
			return fmt.Errorf("client: funding script: %w", err)
		}

		buildRes, err := backup.Build(backup.Params{
			NetParams:             c.netParams,
			CurrentHeight:         height,
			FundingTxid:           coin.UTXOTxid,
			FundingVout:           coin.UTXOVout,
			FundingPkScript:       fundingScript,
			AmountSats:            coin.AmountSats,
			DestAddress:           toAddress,
			Interval:              c.cfg.Interval,
			PrevLocktime:          prevLocktime,
			InitialLocktimeDelta:  c.cfg.InitialLocktimeDelta,
			FeeRateSatsVByte:      baselineBackupFeeRateSatsVByte,
			FeeToleranceSatsVByte: c.cfg.FeeToleranceSatsVByte,
		})
		if err != nil {
			return fmt.Errorf("client: build withdrawal backup: %w", err)
		}

		txN := uint32(len(history) + 1)
		sig, err := transfer.CoSignBackup(ctx, c.se, coin, txN, buildRes)
		if err != nil {
			return fmt.Errorf("client: co-sign withdrawal: %w", err)
		}
		backup.AttachSignature(buildRes.Tx, sig.Serialize())

		raw, err := backup.SerializeTx(buildRes.Tx)
		if err != nil {
			return fmt.Errorf("client: serialize withdrawal backup: %w", err)
		}

		newBackup = statecoin.BackupTx{
			StatechainID:     statechainID,
			TxN:              txN,
			RawTx:            raw,
			BlindingFactor:   buildRes.BlindingFactor,
			Locktime:         buildRes.Locktime,
			FeeRateSatsVByte: baselineBackupFeeRateSatsVByte,
		}

		return statecoin.TransitionWithdraw(coin)
	})
	if err != nil {
		return err
	}

	if err := c.store.UpsertBackupTx(statechainID, newBackup); err != nil {
		return err
	}

	return c.broadcastLastBackupWithCPFP(ctx, walletName, statechainID, toAddress, feeRateOverride)
}

// BroadcastBackup re-broadcasts the last signed backup on file as-is, then
// builds and broadcasts a CPFP child bumping it to the requested fee rate.
// This is the force-close path: no round trip to the SE is made, since the
// backup is already fully signed: it recovers a coin whose Withdraw
// broadcast never landed, or forces a coin out unilaterally when the SE is
// unreachable. The CPFP child is signed with the coin's own user key; this
// assumes (as it must, for the wallet to be able to sign it alone) that the
// backup being rescued is one built by Withdraw, whose output the wallet
// still controls unilaterally, not a transfer backup paying a 2-of-2
// aggregate the SE co-owns.
func (c *Client) BroadcastBackup(ctx context.Context, walletName, statechainID, toAddress string, feeRateOverride uint64) error {
	return c.broadcastLastBackupWithCPFP(ctx, walletName, statechainID, toAddress, feeRateOverride)
}

// broadcastLastBackupWithCPFP loads the newest backup on file for
// statechainID, broadcasts it, and broadcasts a CPFP child spending its
// sole output to toAddress at feeRateOverride (or an indexer estimate).
// Shared by Withdraw's final step and BroadcastBackup's standalone
// recovery path.
func (c *Client) broadcastLastBackupWithCPFP(ctx context.Context, walletName, statechainID, toAddress string, feeRateOverride uint64) error {
	chain, err := c.store.BackupChain(statechainID)
	if err != nil {
		return err
	}
	last := chain[len(chain)-1]

	parentTx, err := backup.DeserializeTx(last.RawTx)
	if err != nil {
		return fmt.Errorf("client: deserialize last backup: %w", err)
	}
	if len(parentTx.TxOut) == 0 {
		return fmt.Errorf("client: last backup has no outputs")
	}
	parentTxid := parentTx.TxHash().String()
	parentOut := parentTx.TxOut[0]

	feeRate, err := c.feeRate(ctx, feeRateOverride)
	if err != nil {
		return err
	}

	cpfpRes, err := cpfp.Build(cpfp.Params{
		NetParams:              c.netParams,
		ParentTxid:             parentTxid,
		ParentVout:             0,
		ParentValue:            parentOut.Value,
		ParentPkScript:         parentOut.PkScript,
		DestAddress:            toAddress,
		TargetFeeRateSatsVByte: feeRate,
		ParentFeeRateSatsVByte: last.FeeRateSatsVByte,
	})
	if err != nil {
		return fmt.Errorf("client: build cpfp: %w", err)
	}

	var childRaw []byte
	err = c.store.WithWalletMut(walletName, func(w *statecoin.Wallet) error {
		coin := w.FindCoin(statechainID)
		if coin == nil {
			return &statecoin.NotFound{Entity: "coin", ID: statechainID}
		}

		sig, err := schnorr.Sign(coin.UserSeckey, cpfpRes.Sighash[:])
		if err != nil {
			return fmt.Errorf("client: sign cpfp: %w", err)
		}
		cpfp.AttachSignature(cpfpRes.Tx, sig.Serialize())

		raw, err := cpfp.SerializeTx(cpfpRes.Tx)
		if err != nil {
			return fmt.Errorf("client: serialize cpfp: %w", err)
		}
		childRaw = raw

		coin.TxCPFP = cpfpRes.Tx.TxHash().String()

		w.Activities = append(w.Activities, statecoin.Activity{
			UTXOTxid:  parentTxid,
			AmountSat: parentOut.Value,
			Action:    statecoin.ActivityWithdraw,
			Timestamp: c.clock.Now(),
		})

		if coin.Status == statecoin.StatusWithdrawing {
			return statecoin.TransitionBroadcastSeen(coin)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := c.indexer.Broadcast(ctx, parentTx); err != nil {
		return fmt.Errorf("client: broadcast backup: %w", err)
	}

	childTx, err := backup.DeserializeTx(childRaw)
	if err != nil {
		return fmt.Errorf("client: deserialize cpfp: %w", err)
	}
	if err := c.indexer.Broadcast(ctx, childTx); err != nil {
		return fmt.Errorf("client: broadcast cpfp: %w", err)
	}

	return nil
}

func hexEncode(pub *btcec.PublicKey) string {
	return hexEncodeBytes(pub.SerializeCompressed())
}

func hexEncodeSig(sig *schnorr.Signature) string {
	return hexEncodeBytes(sig.Serialize())
}

func hexEncodeBytes(b []byte) string {
	return hex.EncodeToString(b)
}

func decodeHexPubkey(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("client: decode hex pubkey: %w", err)
	}
	return btcec.ParsePubKey(raw)
}
