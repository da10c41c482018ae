// Package walletcrypto implements the two-party MuSig2 co-signing, blind
// commitment and ECIES primitives the statecoin client needs to negotiate
// signatures with the statechain entity without exposing spent-tx details
// or any private key material.
package walletcrypto

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

var (
	// ErrNoRemoteNonce is returned when a signing session is started
	// before the counterparty's nonce has been registered.
	ErrNoRemoteNonce = errors.New("walletcrypto: remote nonce not set")

	// ErrNonceReused is returned by Sign when called twice on the same
	// session. Reusing a MuSig2 nonce leaks the local private key, so
	// the session refuses rather than silently signing again.
	ErrNonceReused = errors.New("walletcrypto: session nonce already used for a signature")
)

// Session manages one 2-of-2 MuSig2 co-signing round between the wallet's
// user key and the statechain entity's key, tweaked for BIP-86 key-path-only
// Taproot spending (the statecoin protocol has no script-path spend; the
// backup-tx chain is the only fallback path).
type Session struct {
	localPriv  *btcec.PrivateKey
	localPub   *btcec.PublicKey
	remotePub  *btcec.PublicKey
	signerSet  []*btcec.PublicKey
	aggregate  *musig2.AggregateKey
	localNonce *musig2.Nonces
	remoteSet  bool
	remoteRaw  [musig2.PubNonceSize]byte
	ctx        *musig2.Context
	session    *musig2.Session
	signed     bool
}

// NewSession builds a session for the given local key and the
// counterparty's (statechain entity's) public key. Key aggregation is
// sorted, so both sides independently compute the same aggregate key
// regardless of call order.
func NewSession(localPriv *btcec.PrivateKey, remotePub *btcec.PublicKey) (*Session, error) {
	if localPriv == nil || remotePub == nil {
		return nil, errors.New("walletcrypto: local and remote keys required")
	}

	localPub := localPriv.PubKey()
	aggKey, _, _, err := musig2.AggregateKeys(
		[]*btcec.PublicKey{localPub, remotePub}, true,
		musig2.WithBIP86KeyTweak(),
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate keys: %w", err)
	}

	return &Session{
		localPriv: localPriv,
		localPub:  localPub,
		remotePub: remotePub,
		signerSet: sortedSigners(localPub, remotePub),
		aggregate: aggKey,
	}, nil
}

// AggregatePubKey returns the raw (untweaked) MuSig2 aggregate key of the
// two signers.
func (s *Session) AggregatePubKey() *btcec.PublicKey {
	return s.aggregate.PreTweakedKey
}

// TaprootOutputKey returns the BIP-86 tweaked output key: what actually
// goes into the coin's P2TR scriptPubKey.
func (s *Session) TaprootOutputKey() *btcec.PublicKey {
	return s.aggregate.FinalKey
}

// GenerateNonces produces a fresh local nonce pair for one signing round.
// Must be called again for every new message a session signs.
func (s *Session) GenerateNonces() ([musig2.PubNonceSize]byte, error) {
	nonces, err := musig2.GenNonces(musig2.WithPublicKey(s.localPub))
	if err != nil {
		return [musig2.PubNonceSize]byte{}, fmt.Errorf("generate nonces: %w", err)
	}

	s.localNonce = nonces
	s.remoteSet = false
	s.ctx = nil
	s.session = nil
	s.signed = false

	return nonces.PubNonce, nil
}

// SetRemoteNonce registers the counterparty's public nonce for this round.
func (s *Session) SetRemoteNonce(nonce [musig2.PubNonceSize]byte) {
	s.remoteRaw = nonce
	s.remoteSet = true
}

// Sign produces this side's partial signature over sighash. GenerateNonces
// and SetRemoteNonce must both have been called first.
func (s *Session) Sign(sighash chainhash.Hash) (*musig2.PartialSignature, error) {
	if s.localNonce == nil {
		return nil, ErrNoRemoteNonce
	}
	if !s.remoteSet {
		return nil, ErrNoRemoteNonce
	}
	if s.signed {
		return nil, ErrNonceReused
	}

	ctx, err := musig2.NewContext(
		s.localPriv, true,
		musig2.WithKnownSigners(s.signerSet),
		musig2.WithBip86TweakCtx(),
	)
	if err != nil {
		return nil, fmt.Errorf("new musig2 context: %w", err)
	}

	session, err := ctx.NewSession(musig2.WithPreGeneratedNonce(s.localNonce))
	if err != nil {
		return nil, fmt.Errorf("new musig2 session: %w", err)
	}

	if _, err := session.RegisterPubNonce(s.remoteRaw); err != nil {
		return nil, fmt.Errorf("register remote nonce: %w", err)
	}

	partialSig, err := session.Sign(sighash)
	if err != nil {
		return nil, fmt.Errorf("partial sign: %w", err)
	}

	s.ctx = ctx
	s.session = session
	s.signed = true

	return partialSig, nil
}

// Combine folds the counterparty's partial signature into this session's
// own and returns the final 64-byte Schnorr signature.
func (s *Session) Combine(remoteSig *musig2.PartialSignature) (*schnorr.Signature, error) {
	if s.session == nil {
		return nil, errors.New("walletcrypto: session has not signed yet")
	}

	final, err := s.session.CombineSig(remoteSig)
	if err != nil {
		return nil, fmt.Errorf("combine partial signatures: %w", err)
	}

	return final, nil
}

// VerifyFinal checks a combined signature against the session's tweaked
// output key and a sighash, the final check every caller should run before
// trusting a signature it did not produce entirely itself.
func VerifyFinal(outputKey *btcec.PublicKey, sighash chainhash.Hash, sig *schnorr.Signature) bool {
	return sig.Verify(sighash[:], outputKey)
}

// ComputeTaprootOutputKey re-derives a BIP-86 tweaked key from an aggregate
// key and no script tree, matching txscript's own key-path tweak so the
// output key used for verification always lines up with what would be
// placed in a P2TR scriptPubKey.
func ComputeTaprootOutputKey(aggregate *btcec.PublicKey) *btcec.PublicKey {
	return txscript.ComputeTaprootOutputKey(aggregate, nil)
}

func sortedSigners(a, b *btcec.PublicKey) []*btcec.PublicKey {
	if bytes.Compare(a.SerializeCompressed(), b.SerializeCompressed()) <= 0 {
		return []*btcec.PublicKey{a, b}
	}
	return []*btcec.PublicKey{b, a}
}
