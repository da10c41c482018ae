package walletcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Encrypt implements an ECIES-style authenticated encryption of plaintext
// to recipientPub: an ephemeral keypair is generated, ECDH'd against the
// recipient's public key with btcec.GenerateSharedSecret,
// the shared secret is expanded with HKDF into a ChaCha20-Poly1305 key, and
// the result is ephemeral_pubkey(33) || nonce(12) || ciphertext.
//
// This is the transfer mailbox envelope: TransferMsg is serialized to JSON,
// then encrypted here to the receiver's auth public key, mirroring the
// "ecies::encrypt" call in the original client before a message is POSTed
// to the statechain entity mailbox.
func Encrypt(recipientPub *btcec.PublicKey, plaintext []byte) ([]byte, error) {
	ephemeralPriv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	sharedSecret := btcec.GenerateSharedSecret(ephemeralPriv, recipientPub)
	key, err := expandKey(sharedSecret)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	ephemeralPubBytes := ephemeralPriv.PubKey().SerializeCompressed()
	out := make([]byte, 0, len(ephemeralPubBytes)+len(nonce)+len(ciphertext))
	out = append(out, ephemeralPubBytes...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)

	return out, nil
}

// Decrypt reverses Encrypt using the recipient's private key.
func Decrypt(recipientPriv *btcec.PrivateKey, envelope []byte) ([]byte, error) {
	const pubKeyLen = 33
	nonceLen := chacha20poly1305.NonceSize

	if len(envelope) < pubKeyLen+nonceLen {
		return nil, fmt.Errorf("envelope too short")
	}

	ephemeralPub, err := btcec.ParsePubKey(envelope[:pubKeyLen])
	if err != nil {
		return nil, fmt.Errorf("parse ephemeral pubkey: %w", err)
	}
	nonce := envelope[pubKeyLen : pubKeyLen+nonceLen]
	ciphertext := envelope[pubKeyLen+nonceLen:]

	sharedSecret := btcec.GenerateSharedSecret(recipientPriv, ephemeralPub)
	key, err := expandKey(sharedSecret)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt envelope: %w", err)
	}

	return plaintext, nil
}

// expandKey derives a 32-byte ChaCha20-Poly1305 key from a raw ECDH shared
// secret via HKDF-SHA256, rather than using the shared secret directly.
func expandKey(sharedSecret []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, sharedSecret, nil, []byte("statecoin-transfer-msg"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("expand key: %w", err)
	}
	return key, nil
}
