package walletcrypto

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	recipientPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	plaintext := []byte(`{"statechain_id":"abc","amount":100000}`)

	envelope, err := Encrypt(recipientPriv.PubKey(), plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, envelope)

	decrypted, err := Decrypt(recipientPriv, envelope)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	t.Parallel()

	recipientPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	wrongPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	envelope, err := Encrypt(recipientPriv.PubKey(), []byte("secret"))
	require.NoError(t, err)

	_, err = Decrypt(wrongPriv, envelope)
	require.Error(t, err)
}

func TestSignVerifyDigest(t *testing.T) {
	t.Parallel()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	sig, err := SignDigest(priv, []byte("statechain_id_123"))
	require.NoError(t, err)
	require.True(t, VerifyDigest(priv.PubKey(), []byte("statechain_id_123"), sig))
	require.False(t, VerifyDigest(priv.PubKey(), []byte("different"), sig))
}
