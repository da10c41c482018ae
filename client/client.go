// Package client wires together the keyring, wallet store, SE client and
// chain indexer into the statecoin client: one Config in, one Client whose
// methods are the wallet operations a CLI or any other frontend drives.
package client

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/tyler-smith/go-bip39"

	"github.com/statecoin/walletd/chain/mempool"
	"github.com/statecoin/walletd/chainfee"
	"github.com/statecoin/walletd/keyring"
	"github.com/statecoin/walletd/se"
	"github.com/statecoin/walletd/walletdb"
	"github.com/statecoin/walletd/walletlog"
)

var log = walletlog.GetDefault().Component("CLIENT")

// Config holds everything needed to construct a Client.
type Config struct {
	// Network selects the chain parameters: "mainnet", "testnet",
	// "regtest" or "simnet".
	Network string

	// DBPath is the sqlite wallet database path.
	DBPath string

	// Seed is the BIP32 seed the keyring derives from. Use GenerateSeed
	// to mint one for a new wallet.
	Seed []byte

	// SEBaseURL is the statechain entity's base URL.
	SEBaseURL string

	// MempoolBaseURL is the mempool.space-compatible indexer's base URL.
	// Defaults to mempool.DefaultConfig's public endpoint if empty.
	MempoolBaseURL string

	// ConfirmationTarget is how many confirmations a funding UTXO needs
	// before a coin counts as CONFIRMED. Default: 1.
	ConfirmationTarget uint32

	// Interval is the minimum block decrement between consecutive
	// backups' locktimes.
	Interval uint32

	// InitialLocktimeDelta is added to the chain tip for a coin's first
	// backup transaction.
	InitialLocktimeDelta uint32

	FeeToleranceSatsVByte uint64

	// MaxFeeRateSatsVByte caps any fee rate estimated from the indexer.
	// Zero means no cap.
	MaxFeeRateSatsVByte uint64
}

func (c *Config) netParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("client: unknown network %q", c.Network)
	}
}

func (c *Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("client: db path required")
	}
	if len(c.Seed) == 0 {
		return fmt.Errorf("client: seed required")
	}
	if c.SEBaseURL == "" {
		return fmt.Errorf("client: se base url required")
	}
	if c.ConfirmationTarget == 0 {
		c.ConfirmationTarget = 1
	}
	if c.Interval == 0 {
		c.Interval = 10
	}
	if c.InitialLocktimeDelta == 0 {
		c.InitialLocktimeDelta = c.Interval * 10
	}
	return nil
}

// GenerateSeed mints a fresh BIP39 mnemonic and its derived seed, for
// create-wallet to hand back to the caller as the one thing they must
// back up.
func GenerateSeed() (mnemonic string, seed []byte, err error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", nil, fmt.Errorf("client: generate entropy: %w", err)
	}
	mnemonic, err = bip39.NewMnemonic(entropy)
	if err != nil {
		return "", nil, fmt.Errorf("client: generate mnemonic: %w", err)
	}
	return mnemonic, bip39.NewSeed(mnemonic, ""), nil
}

// Client is the statecoin wallet: every CLI subcommand maps onto exactly
// one method here.
type Client struct {
	cfg       *Config
	netParams *chaincfg.Params

	store   *walletdb.Store
	keyRing *keyring.KeyRing
	se      *se.Client
	indexer mempool.Indexer
	bridge  *mempool.Bridge
	clock   clock.Clock
}

// New wires a Client from cfg: opens the wallet store, builds the keyring,
// and constructs the SE and indexer clients. Nothing talks to the network
// yet; call Start to begin chain-tip polling.
func New(cfg *Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	netParams, err := cfg.netParams()
	if err != nil {
		return nil, err
	}

	store, err := walletdb.New(walletdb.DefaultConfig(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("client: open wallet store: %w", err)
	}

	keyRing, err := keyring.New(keyring.DefaultConfig(cfg.Seed, netParams))
	if err != nil {
		return nil, fmt.Errorf("client: build keyring: %w", err)
	}

	seClient := se.NewClient(se.DefaultConfig(cfg.SEBaseURL))

	mempoolCfg := mempool.DefaultConfig()
	if cfg.MempoolBaseURL != "" {
		mempoolCfg.BaseURL = cfg.MempoolBaseURL
	}
	mempoolClient := mempool.NewClient(mempoolCfg)
	bridge := mempool.NewBridge(mempool.DefaultBridgeConfig(mempoolClient))

	return &Client{
		cfg:       cfg,
		netParams: netParams,
		store:     store,
		keyRing:   keyRing,
		se:        seClient,
		indexer:   bridge,
		bridge:    bridge,
		clock:     clock.NewDefaultClock(),
	}, nil
}

// Start begins the chain-tip poller backing the indexer.
func (c *Client) Start() error {
	if err := c.bridge.Start(); err != nil {
		return fmt.Errorf("client: start chain bridge: %w", err)
	}
	log.Infof("client started, network=%s", c.cfg.Network)
	return nil
}

// Stop halts the chain-tip poller and closes the wallet store.
func (c *Client) Stop() error {
	_ = c.bridge.Stop()
	return c.store.Close()
}

// feeRate resolves the fee rate a build operation should use: the caller's
// explicit override if non-zero, else an indexer estimate for the
// configured confirmation target, clamped to MaxFeeRateSatsVByte.
func (c *Client) feeRate(ctx context.Context, overrideSatsVByte uint64) (uint64, error) {
	if overrideSatsVByte > 0 {
		return chainfee.Clamp(overrideSatsVByte, c.cfg.MaxFeeRateSatsVByte), nil
	}

	btcPerKB, err := c.indexer.EstimateFeeRate(ctx, c.cfg.ConfirmationTarget)
	if err != nil {
		return 0, fmt.Errorf("client: estimate fee rate: %w", err)
	}
	return chainfee.Clamp(chainfee.SatsPerVByteFromBTCPerKB(btcPerKB), c.cfg.MaxFeeRateSatsVByte), nil
}
