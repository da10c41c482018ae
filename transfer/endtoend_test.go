package transfer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/statecoin/walletd/backup"
	"github.com/statecoin/walletd/chain/mempool"
	"github.com/statecoin/walletd/se"
	"github.com/statecoin/walletd/statecoin"
	"github.com/statecoin/walletd/walletcrypto"
)

// This exercises TransferSender and TransferReceiver end to end against a
// fake statechain entity and a fake indexer: a coin deposited with one
// existing backup is sent to a fresh auth/user key pair and received back
// into a second wallet, with the real MuSig2 co-signing, ECIES mailbox
// encryption, SigSchemeValidator and CoinStateMachine all exercised live.
//
// The fake SE's sign/sig handler knows the sighash it is being asked to
// partially sign out of band (keyed by tx_n), since the wire protocol's
// BlindSigRequest only carries a commitment, not the sighash itself; a
// production SE would instead re-derive it deterministically from the
// deposit parameters it already holds.
type fakeSE struct {
	mu sync.Mutex

	sePriv *btcec.PrivateKey

	mailbox map[string][]string

	sighashByTxN map[uint32]chainhash.Hash
	userPubkey   *btcec.PublicKey

	sessions map[uint32]*walletcrypto.Session

	signatures []statecoin.SignatureDescriptor
}

func newFakeSE(sePriv *btcec.PrivateKey, userPubkey *btcec.PublicKey) *fakeSE {
	return &fakeSE{
		sePriv:       sePriv,
		mailbox:      make(map[string][]string),
		sighashByTxN: make(map[uint32]chainhash.Hash),
		userPubkey:   userPubkey,
		sessions:     make(map[uint32]*walletcrypto.Session),
	}
}

func (f *fakeSE) server() *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/transfer/send_msg_addr", func(w http.ResponseWriter, r *http.Request) {
		var req se.SendMsgAddrRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.mailbox[req.AuthPubkey] = append(f.mailbox[req.AuthPubkey], req.EncMessage)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/transfer/get_msg_addr/", func(w http.ResponseWriter, r *http.Request) {
		authPub := r.URL.Path[len("/transfer/get_msg_addr/"):]
		f.mu.Lock()
		entries := f.mailbox[authPub]
		f.mu.Unlock()
		json.NewEncoder(w).Encode(se.GetMsgAddrResponse{ListEncTransferMsg: entries})
	})

	mux.HandleFunc("/info/statechain/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		sigs := make([]se.SignatureDescriptorJSON, len(f.signatures))
		for i, s := range f.signatures {
			sigs[i] = se.SignatureDescriptorJSON{
				TxN:              s.TxN,
				Commitment:       hex.EncodeToString(s.Commitment[:]),
				FeeRateSatsVByte: s.FeeRateSatsVByte,
			}
		}
		json.NewEncoder(w).Encode(se.InfoStatechainResponse{
			EnclavePublicKey: hex.EncodeToString(f.sePriv.PubKey().SerializeCompressed()),
			NumSigs:          uint32(len(sigs)),
			Interval:         10,
			Signatures:       sigs,
		})
	})

	mux.HandleFunc("/sign/statechain/sc1/nonce", func(w http.ResponseWriter, r *http.Request) {
		var req se.NonceRequest
		json.NewDecoder(r.Body).Decode(&req)

		sess, err := walletcrypto.NewSession(f.sePriv, f.userPubkey)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		nonce, err := sess.GenerateNonces()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		clientNonceRaw, err := hex.DecodeString(req.ClientPubNonce)
		if err != nil || len(clientNonceRaw) != musig2.PubNonceSize {
			http.Error(w, "malformed client nonce", 500)
			return
		}
		var clientNonce [musig2.PubNonceSize]byte
		copy(clientNonce[:], clientNonceRaw)
		sess.SetRemoteNonce(clientNonce)

		f.mu.Lock()
		f.sessions[req.TxN] = sess
		f.mu.Unlock()

		json.NewEncoder(w).Encode(se.NonceResponse{ServerPubNonce: hex.EncodeToString(nonce[:])})
	})

	mux.HandleFunc("/sign/statechain/sc1/sig", func(w http.ResponseWriter, r *http.Request) {
		var req se.BlindSigRequest
		json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		sess := f.sessions[req.TxN]
		sighash := f.sighashByTxN[req.TxN]
		f.mu.Unlock()

		partial, err := sess.Sign(sighash)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}

		var buf bytes.Buffer
		if err := partial.Encode(&buf); err != nil {
			http.Error(w, err.Error(), 500)
			return
		}

		commitRaw, _ := hex.DecodeString(req.Commitment)
		var commit [32]byte
		copy(commit[:], commitRaw)
		f.mu.Lock()
		f.signatures = append(f.signatures, statecoin.SignatureDescriptor{TxN: req.TxN, Commitment: commit, FeeRateSatsVByte: 10})
		f.mu.Unlock()

		json.NewEncoder(w).Encode(se.BlindSigResponse{PartialSig: hex.EncodeToString(buf.Bytes())})
	})

	mux.HandleFunc("/transfer/unlock", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/transfer/receiver", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(se.TransferReceiverResponse{
			ServerPubkey: hex.EncodeToString(f.sePriv.PubKey().SerializeCompressed()),
		})
	})

	return httptest.NewServer(mux)
}

type fakeIndexer struct {
	fundingTxid string
	fundingRaw  []byte
}

func (f *fakeIndexer) CurrentHeight(ctx context.Context) (uint32, error) { return 100, nil }
func (f *fakeIndexer) AddressUTXOs(ctx context.Context, address string) ([]mempool.UTXO, error) {
	return nil, nil
}
func (f *fakeIndexer) TxConfirmations(ctx context.Context, txid string) (uint32, bool, error) {
	if txid == f.fundingTxid {
		return 6, true, nil
	}
	return 0, false, nil
}
func (f *fakeIndexer) RawTransactionHex(ctx context.Context, txid string) (string, error) {
	if txid == f.fundingTxid {
		return hex.EncodeToString(f.fundingRaw), nil
	}
	return "", fmt.Errorf("not found")
}
func (f *fakeIndexer) EstimateFeeRate(ctx context.Context, confTarget uint32) (float64, error) {
	return 0.0001, nil
}
func (f *fakeIndexer) Broadcast(ctx context.Context, tx *wire.MsgTx) error { return nil }
func (f *fakeIndexer) SubscribeTip(ctx context.Context) (<-chan uint32, error) {
	ch := make(chan uint32)
	return ch, nil
}

func TestSendThenReceiveEndToEnd(t *testing.T) {
	t.Parallel()

	netParams := &chaincfg.RegressionNetParams

	userPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	sePriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	authPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	fundingScript, err := txscript.PayToTaprootScript(walletcrypto.ComputeTaprootOutputKey(aggregate(userPriv.PubKey(), sePriv.PubKey())))
	require.NoError(t, err)

	const amount = int64(100000)
	fundingTx := wire.NewMsgTx(2)
	fundingTx.AddTxOut(&wire.TxOut{Value: amount, PkScript: fundingScript})
	fundingTxid := fundingTx.TxHash().String()

	var fundingBuf bytes.Buffer
	require.NoError(t, fundingTx.Serialize(&fundingBuf))

	receiverUserPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	receiverAuthPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	destAddr1, _, err := taprootAddress(netParams, userPriv.PubKey(), sePriv.PubKey())
	require.NoError(t, err)

	backup1Res, err := backup.Build(backup.Params{
		NetParams:             netParams,
		CurrentHeight:         100,
		FundingTxid:           fundingTxid,
		FundingVout:           0,
		FundingPkScript:       fundingScript,
		AmountSats:            amount,
		DestAddress:           destAddr1,
		Interval:              10,
		InitialLocktimeDelta:  144,
		FeeRateSatsVByte:      10,
		FeeToleranceSatsVByte: 2,
	})
	require.NoError(t, err)

	userSess1, err := walletcrypto.NewSession(userPriv, sePriv.PubKey())
	require.NoError(t, err)
	seSess1, err := walletcrypto.NewSession(sePriv, userPriv.PubKey())
	require.NoError(t, err)
	un1, err := userSess1.GenerateNonces()
	require.NoError(t, err)
	sn1, err := seSess1.GenerateNonces()
	require.NoError(t, err)
	userSess1.SetRemoteNonce(sn1)
	seSess1.SetRemoteNonce(un1)
	up1, err := userSess1.Sign(backup1Res.Sighash)
	require.NoError(t, err)
	sp1, err := seSess1.Sign(backup1Res.Sighash)
	require.NoError(t, err)
	final1, err := userSess1.Combine(sp1)
	require.NoError(t, err)
	_, err = seSess1.Combine(up1)
	require.NoError(t, err)
	backup.AttachSignature(backup1Res.Tx, final1.Serialize())
	raw1, err := backup.SerializeTx(backup1Res.Tx)
	require.NoError(t, err)

	backup1 := statecoin.BackupTx{
		StatechainID:     "sc1",
		TxN:              1,
		RawTx:            raw1,
		BlindingFactor:   backup1Res.BlindingFactor,
		Locktime:         backup1Res.Locktime,
		FeeRateSatsVByte: 10,
	}

	fakeSrv := newFakeSE(sePriv, userPriv.PubKey())
	fakeSrv.sighashByTxN[1] = backup1Res.Sighash
	fakeSrv.signatures = append(fakeSrv.signatures, statecoin.SignatureDescriptor{
		TxN: 1, Commitment: backup1Res.Commitment, FeeRateSatsVByte: 10,
	})

	destAddr2, _, err := taprootAddress(netParams, receiverUserPriv.PubKey(), sePriv.PubKey())
	require.NoError(t, err)
	_ = destAddr2

	srv := fakeSrv.server()
	t.Cleanup(srv.Close)

	seCfg := se.DefaultConfig(srv.URL)
	seCfg.RetryAttempts = 0
	seClient := se.NewClient(seCfg)

	senderCoin := &statecoin.Coin{
		StatechainID:     "sc1",
		UserSeckey:       userPriv,
		UserPubkey:       userPriv.PubKey(),
		AuthSeckey:       authPriv,
		AuthPubkey:       authPriv.PubKey(),
		ServerPubkey:     sePriv.PubKey(),
		AggregatedPubkey: aggregate(userPriv.PubKey(), sePriv.PubKey()),
		AmountSats:       amount,
		UTXOTxid:         fundingTxid,
		UTXOVout:         0,
		Locktime:         backup1Res.Locktime,
		Status:           statecoin.StatusConfirmed,
	}

	sender, err := NewSender(SenderConfig{
		NetParams:             netParams,
		SE:                    seClient,
		Coin:                  senderCoin,
		History:               []statecoin.BackupTx{backup1},
		CurrentHeight:         100,
		ReceiverAuthPubkey:    receiverAuthPriv.PubKey(),
		ReceiverUserPubkey:    receiverUserPriv.PubKey(),
		Interval:              10,
		FeeRateSatsVByte:      10,
		FeeToleranceSatsVByte: 2,
	})
	require.NoError(t, err)

	// The fake SE's sign endpoint needs the real sighash for tx_n=2 before
	// Execute asks it to co-sign; predict it out of band the same way the
	// production SE would re-derive it from deposit parameters.
	var prevLock = backup1Res.Locktime
	predictedRes, err := backup.Build(backup.Params{
		NetParams:             netParams,
		CurrentHeight:         100,
		FundingTxid:           fundingTxid,
		FundingVout:           0,
		FundingPkScript:       fundingScript,
		AmountSats:            amount,
		DestAddress:           destAddr2,
		Interval:              10,
		PrevLocktime:          &prevLock,
		FeeRateSatsVByte:      10,
		FeeToleranceSatsVByte: 2,
	})
	require.NoError(t, err)
	fakeSrv.sighashByTxN[2] = predictedRes.Sighash

	ctx := context.Background()
	sendResult, err := sender.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(2), sendResult.NewBackup.TxN)

	receiverCoin := &statecoin.Coin{
		Status:     statecoin.StatusInitialised,
		UserSeckey: receiverUserPriv,
		UserPubkey: receiverUserPriv.PubKey(),
		AuthSeckey: receiverAuthPriv,
		AuthPubkey: receiverAuthPriv.PubKey(),
	}
	wallet := &statecoin.Wallet{Coins: []*statecoin.Coin{receiverCoin}}

	indexer := &fakeIndexer{fundingTxid: fundingTxid, fundingRaw: fundingBuf.Bytes()}

	receiver, err := NewReceiver(ReceiverConfig{
		NetParams:             netParams,
		SE:                    seClient,
		Indexer:               indexer,
		Wallet:                wallet,
		ConfirmationTarget:    1,
		FeeToleranceSatsVByte: 2,
		DeriveScratchCoin: func(authPub *btcec.PublicKey) (*statecoin.Coin, error) {
			return nil, fmt.Errorf("unexpected scratch coin request")
		},
	})
	require.NoError(t, err)

	pollResult, err := receiver.Poll(ctx)
	require.NoError(t, err)
	require.Empty(t, pollResult.BatchLocked)
	require.Zero(t, pollResult.DecryptFailures)
	require.Len(t, pollResult.Received, 1)

	received := pollResult.Received[0]
	require.Equal(t, "sc1", received.Coin.StatechainID)
	require.Equal(t, statecoin.StatusConfirmed, received.Coin.Status)
	require.Equal(t, predictedRes.Locktime, received.Coin.Locktime)
	require.Equal(t, statecoin.ActivityReceive, received.Activity.Action)
}
