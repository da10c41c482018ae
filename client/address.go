package client

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

// transferAddressPrefix tags a statecoin transfer address so it can't be
// confused with an on-chain address of any kind; nothing about it is
// consensus-visible, it only ever travels between statecoin wallets.
const transferAddressPrefix = "sc1"

// encodeTransferAddress packs a coin's fresh user and auth pubkeys into the
// opaque address a sender resolves with new-transfer-address's output.
func encodeTransferAddress(userPub, authPub *btcec.PublicKey) string {
	return transferAddressPrefix +
		hex.EncodeToString(userPub.SerializeCompressed()) +
		hex.EncodeToString(authPub.SerializeCompressed())
}

// decodeTransferAddress reverses encodeTransferAddress.
func decodeTransferAddress(address string) (userPub, authPub *btcec.PublicKey, err error) {
	if !strings.HasPrefix(address, transferAddressPrefix) {
		return nil, nil, fmt.Errorf("client: not a transfer address: %q", address)
	}
	body := strings.TrimPrefix(address, transferAddressPrefix)

	// Two compressed secp256k1 pubkeys, 33 bytes each, hex-encoded.
	const keyHexLen = 33 * 2
	if len(body) != keyHexLen*2 {
		return nil, nil, fmt.Errorf("client: malformed transfer address %q", address)
	}

	userRaw, err := hex.DecodeString(body[:keyHexLen])
	if err != nil {
		return nil, nil, fmt.Errorf("client: decode user pubkey: %w", err)
	}
	userPub, err = btcec.ParsePubKey(userRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("client: parse user pubkey: %w", err)
	}

	authRaw, err := hex.DecodeString(body[keyHexLen:])
	if err != nil {
		return nil, nil, fmt.Errorf("client: decode auth pubkey: %w", err)
	}
	authPub, err = btcec.ParsePubKey(authRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("client: parse auth pubkey: %w", err)
	}

	return userPub, authPub, nil
}
