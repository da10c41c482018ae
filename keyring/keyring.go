package keyring

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/keychain"
)

// Key families. Each statecoin the wallet owns needs three keys derived at
// the same index: the user key that co-signs backup transactions with the
// statechain entity, the auth key used to authenticate mailbox and transfer
// requests, and the key whose corresponding address collects the coin when
// it is finally withdrawn on-chain.
const (
	KeyFamilyUser   keychain.KeyFamily = 0
	KeyFamilyAuth   keychain.KeyFamily = 1
	KeyFamilyBackup keychain.KeyFamily = 2
)

const (
	// DefaultGapLimit is the default gap limit for key derivation.
	DefaultGapLimit = 20

	// StatecoinPurpose is the BIP43 purpose field this wallet derives
	// under, chosen to avoid colliding with any registered SLIP-44/BIP43
	// purpose in common use.
	StatecoinPurpose = 350

	// DefaultCoinType is Bitcoin (0).
	DefaultCoinType = 0
)

// Config holds the configuration for the KeyRing.
type Config struct {
	// NetParams is the network parameters.
	NetParams *chaincfg.Params

	// Seed is the wallet seed for key derivation.
	Seed []byte

	// Purpose is the BIP43 purpose field.
	// Default: 350 (StatecoinPurpose)
	Purpose uint32

	// CoinType is the BIP44 coin type.
	// Default: 0 (Bitcoin)
	CoinType uint32

	// KeyStateStore is optional storage for key indexes.
	// If nil, indexes are kept in memory only.
	KeyStateStore KeyStateStore
}

// DefaultConfig returns a default KeyRing configuration.
func DefaultConfig(seed []byte, params *chaincfg.Params) *Config {
	return &Config{
		NetParams: params,
		Seed:      seed,
		Purpose:   StatecoinPurpose,
		CoinType:  DefaultCoinType,
	}
}

// KeyRing derives statecoin signing and auth keys from a BIP32 seed.
type KeyRing struct {
	cfg *Config

	// Master extended key
	masterKey *hdkeychain.ExtendedKey

	// Current index for each key family
	familyIndexes map[keychain.KeyFamily]uint32

	// Cache of derived keys for PrivKeyForLocator lookups
	derivedKeys map[keychain.KeyDescriptor]*btcec.PrivateKey

	mu sync.RWMutex
}

// New creates a new KeyRing.
func New(cfg *Config) (*KeyRing, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if len(cfg.Seed) == 0 {
		return nil, fmt.Errorf("seed is required")
	}

	if cfg.NetParams == nil {
		return nil, fmt.Errorf("network params required")
	}

	// Create master key from seed
	masterKey, err := hdkeychain.NewMaster(cfg.Seed, cfg.NetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	kr := &KeyRing{
		cfg:           cfg,
		masterKey:     masterKey,
		familyIndexes: make(map[keychain.KeyFamily]uint32),
		derivedKeys:   make(map[keychain.KeyDescriptor]*btcec.PrivateKey),
	}

	// Load key indexes from store if available
	if cfg.KeyStateStore != nil {
		if err := kr.loadKeyIndexes(); err != nil {
			return nil, fmt.Errorf("failed to load key indexes: %w", err)
		}
	}

	return kr, nil
}

// DeriveNextKey derives the next key in the specified key family.
//
// Derivation path: m / purpose' / coin_type' / key_family' / 0 / index
func (kr *KeyRing) DeriveNextKey(ctx context.Context, keyFamily keychain.KeyFamily) (keychain.KeyDescriptor, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	// Get current index for this key family
	index := kr.familyIndexes[keyFamily]

	// Derive key at path: m / purpose' / coin_type' / key_family' / 0 / index
	key, err := kr.deriveKeyAtPath(kr.cfg.Purpose, kr.cfg.CoinType, uint32(keyFamily), 0, index)
	if err != nil {
		return keychain.KeyDescriptor{}, fmt.Errorf("failed to derive key: %w", err)
	}

	// Get private key
	privKey, err := key.ECPrivKey()
	if err != nil {
		return keychain.KeyDescriptor{}, fmt.Errorf("failed to get private key: %w", err)
	}

	// Get public key
	pubKey, err := key.ECPubKey()
	if err != nil {
		return keychain.KeyDescriptor{}, fmt.Errorf("failed to get public key: %w", err)
	}

	// Create key descriptor
	keyDesc := keychain.KeyDescriptor{
		KeyLocator: keychain.KeyLocator{
			Family: keyFamily,
			Index:  index,
		},
		PubKey: pubKey,
	}

	// Cache the derived key
	kr.derivedKeys[keyDesc] = privKey

	// Increment index for next call
	kr.familyIndexes[keyFamily] = index + 1

	// Persist new index if store available
	if kr.cfg.KeyStateStore != nil {
		if err := kr.cfg.KeyStateStore.SetCurrentIndex(keyFamily, index+1); err != nil {
			return keychain.KeyDescriptor{}, fmt.Errorf("persist key index: %w", err)
		}
	}

	return keyDesc, nil
}

// CoinKeys bundles the three keys a statecoin needs, all derived at the
// same index so the set can be recovered from the index alone.
type CoinKeys struct {
	Index  uint32
	User   keychain.KeyDescriptor
	Auth   keychain.KeyDescriptor
	Backup keychain.KeyDescriptor
}

// DeriveNextCoinKeys derives a fresh user/auth/backup key triple for a new
// statecoin. The three families share the same derivation index, so a
// coin's keys are fully determined by one number: its position in the
// wallet's coin sequence.
func (kr *KeyRing) DeriveNextCoinKeys(ctx context.Context) (CoinKeys, error) {
	userDesc, err := kr.DeriveNextKey(ctx, KeyFamilyUser)
	if err != nil {
		return CoinKeys{}, fmt.Errorf("derive user key: %w", err)
	}

	authDesc, err := kr.deriveKeyAtIndex(KeyFamilyAuth, userDesc.Index)
	if err != nil {
		return CoinKeys{}, fmt.Errorf("derive auth key: %w", err)
	}

	backupDesc, err := kr.deriveKeyAtIndex(KeyFamilyBackup, userDesc.Index)
	if err != nil {
		return CoinKeys{}, fmt.Errorf("derive backup key: %w", err)
	}

	return CoinKeys{
		Index:  userDesc.Index,
		User:   userDesc,
		Auth:   authDesc,
		Backup: backupDesc,
	}, nil
}

// deriveKeyAtIndex derives and caches a key at an explicit index within a
// family, without consuming the family's running counter. Used to keep the
// auth and backup keys of a coin locked to its user key's index.
func (kr *KeyRing) deriveKeyAtIndex(family keychain.KeyFamily, index uint32) (keychain.KeyDescriptor, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	key, err := kr.deriveKeyAtPath(kr.cfg.Purpose, kr.cfg.CoinType, uint32(family), 0, index)
	if err != nil {
		return keychain.KeyDescriptor{}, fmt.Errorf("failed to derive key: %w", err)
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return keychain.KeyDescriptor{}, fmt.Errorf("failed to get private key: %w", err)
	}

	pubKey, err := key.ECPubKey()
	if err != nil {
		return keychain.KeyDescriptor{}, fmt.Errorf("failed to get public key: %w", err)
	}

	keyDesc := keychain.KeyDescriptor{
		KeyLocator: keychain.KeyLocator{Family: family, Index: index},
		PubKey:     pubKey,
	}
	kr.derivedKeys[keyDesc] = privKey

	return keyDesc, nil
}

// PrivKeyForLocator returns the private key backing a previously derived
// descriptor, re-deriving it deterministically from the seed if it isn't
// already cached.
func (kr *KeyRing) PrivKeyForLocator(loc keychain.KeyLocator) (*btcec.PrivateKey, error) {
	kr.mu.RLock()
	for desc, priv := range kr.derivedKeys {
		if desc.Family == loc.Family && desc.Index == loc.Index {
			kr.mu.RUnlock()
			return priv, nil
		}
	}
	kr.mu.RUnlock()

	kr.mu.Lock()
	defer kr.mu.Unlock()

	key, err := kr.deriveKeyAtPath(kr.cfg.Purpose, kr.cfg.CoinType, uint32(loc.Family), 0, loc.Index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key.ECPrivKey()
}

// deriveKeyAtPath derives a key at the specified BIP32 path.
// Path: m / purpose' / coin_type' / account' / change / index
func (kr *KeyRing) deriveKeyAtPath(purpose, coinType, account, change, index uint32) (*hdkeychain.ExtendedKey, error) {
	// Start with master key
	key := kr.masterKey

	// Derive purpose (hardened)
	key, err := key.Derive(hdkeychain.HardenedKeyStart + purpose)
	if err != nil {
		return nil, fmt.Errorf("failed to derive purpose: %w", err)
	}

	// Derive coin type (hardened)
	key, err = key.Derive(hdkeychain.HardenedKeyStart + coinType)
	if err != nil {
		return nil, fmt.Errorf("failed to derive coin type: %w", err)
	}

	// Derive account (hardened)
	key, err = key.Derive(hdkeychain.HardenedKeyStart + account)
	if err != nil {
		return nil, fmt.Errorf("failed to derive account: %w", err)
	}

	// Derive change (not hardened)
	key, err = key.Derive(change)
	if err != nil {
		return nil, fmt.Errorf("failed to derive change: %w", err)
	}

	// Derive index (not hardened)
	key, err = key.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive index: %w", err)
	}

	return key, nil
}

// loadKeyIndexes loads key indexes from the store.
func (kr *KeyRing) loadKeyIndexes() error {
	allIndexes, err := kr.cfg.KeyStateStore.GetAllIndexes()
	if err != nil {
		return fmt.Errorf("failed to get all indexes: %w", err)
	}

	// Load into our map
	for family, index := range allIndexes {
		kr.familyIndexes[family] = index
	}

	return nil
}
