package walletcrypto

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()

	userPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	sePriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	userSession, err := NewSession(userPriv, sePriv.PubKey())
	require.NoError(t, err)
	seSession, err := NewSession(sePriv, userPriv.PubKey())
	require.NoError(t, err)

	require.True(t, userSession.TaprootOutputKey().IsEqual(seSession.TaprootOutputKey()))

	userNonce, err := userSession.GenerateNonces()
	require.NoError(t, err)
	seNonce, err := seSession.GenerateNonces()
	require.NoError(t, err)

	userSession.SetRemoteNonce(seNonce)
	seSession.SetRemoteNonce(userNonce)

	var sighash [32]byte
	copy(sighash[:], []byte("deterministic-test-sighash-data"))

	userPartial, err := userSession.Sign(sighash)
	require.NoError(t, err)
	sePartial, err := seSession.Sign(sighash)
	require.NoError(t, err)

	finalSig, err := userSession.Combine(sePartial)
	require.NoError(t, err)

	otherFinal, err := seSession.Combine(userPartial)
	require.NoError(t, err)
	require.Equal(t, finalSig.Serialize(), otherFinal.Serialize())

	require.True(t, VerifyFinal(userSession.TaprootOutputKey(), sighash, finalSig))
}

func TestSessionRejectsNonceReuse(t *testing.T) {
	t.Parallel()

	userPriv, _ := btcec.NewPrivateKey()
	sePriv, _ := btcec.NewPrivateKey()

	userSession, err := NewSession(userPriv, sePriv.PubKey())
	require.NoError(t, err)
	seSession, err := NewSession(sePriv, userPriv.PubKey())
	require.NoError(t, err)

	userNonce, err := userSession.GenerateNonces()
	require.NoError(t, err)
	seNonce, err := seSession.GenerateNonces()
	require.NoError(t, err)

	userSession.SetRemoteNonce(seNonce)
	seSession.SetRemoteNonce(userNonce)

	var sighash [32]byte
	copy(sighash[:], []byte("first-message"))

	_, err = userSession.Sign(sighash)
	require.NoError(t, err)

	_, err = userSession.Sign(sighash)
	require.ErrorIs(t, err, ErrNonceReused)
}

func TestBlindingCommitmentIsDeterministic(t *testing.T) {
	t.Parallel()

	var sighash [32]byte
	copy(sighash[:], []byte("some-sighash"))

	blind, err := NewBlindingFactor()
	require.NoError(t, err)

	c1 := Commitment(sighash, blind)
	c2 := Commitment(sighash, blind)
	require.Equal(t, c1, c2)

	otherBlind, err := NewBlindingFactor()
	require.NoError(t, err)
	c3 := Commitment(sighash, otherBlind)
	require.NotEqual(t, c1, c3)
}
