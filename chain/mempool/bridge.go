package mempool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// Indexer is the chain-observation surface the statecoin client needs: the
// current tip, address/outpoint lookups, fee estimation and broadcast. It is
// satisfied by *Bridge; tests substitute a fake.
type Indexer interface {
	CurrentHeight(ctx context.Context) (uint32, error)
	AddressUTXOs(ctx context.Context, address string) ([]UTXO, error)
	TxConfirmations(ctx context.Context, txid string) (uint32, bool, error)
	RawTransactionHex(ctx context.Context, txid string) (string, error)
	EstimateFeeRate(ctx context.Context, confTarget uint32) (float64, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
	SubscribeTip(ctx context.Context) (<-chan uint32, error)
}

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	Client *Client

	// PollInterval is how often the tip subscription polls for a new
	// height.
	PollInterval time.Duration

	// CacheSize is the initial capacity of the block-hash/timestamp caches.
	// Their bounds are fixed at 100 hashes and 1000 timestamps regardless.
	CacheSize int

	// CacheTTL is how long a cached height is considered fresh.
	CacheTTL time.Duration
}

// DefaultBridgeConfig returns sane polling defaults for a client.
func DefaultBridgeConfig(client *Client) *BridgeConfig {
	return &BridgeConfig{
		Client:       client,
		PollInterval: 15 * time.Second,
		CacheSize:    100,
		CacheTTL:     10 * time.Second,
	}
}

// Bridge adapts the mempool.space REST client to the Indexer interface,
// caching the chain tip and fanning it out to subscribers via polling.
type Bridge struct {
	cfg   *BridgeConfig
	cache *cache

	subscribers []chan uint32
	lastHeight  uint32

	started bool
	quit    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewBridge creates a chain bridge around an already-constructed client.
func NewBridge(cfg *BridgeConfig) *Bridge {
	if cfg == nil {
		panic("mempool: nil bridge config")
	}
	return &Bridge{
		cfg:   cfg,
		cache: newCache(cfg.CacheSize, cfg.CacheTTL),
		quit:  make(chan struct{}),
	}
}

// Start begins the background tip-poller.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return nil
	}
	b.started = true

	b.wg.Add(1)
	go b.pollLoop()

	return nil
}

// Stop halts the tip-poller and closes all subscriber channels.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	close(b.quit)
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
	b.mu.Unlock()

	return nil
}

// CurrentHeight returns the current chain tip, using a short-lived cache to
// avoid hammering the indexer on every call.
func (b *Bridge) CurrentHeight(ctx context.Context) (uint32, error) {
	if height, ok := b.cache.getHeight(); ok {
		return height, nil
	}

	height, err := b.cfg.Client.GetCurrentHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch tip height: %w", err)
	}

	b.cache.setHeight(height)
	return height, nil
}

// AddressUTXOs lists unspent outputs sitting at an address.
func (b *Bridge) AddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	return b.cfg.Client.GetAddressUTXOs(ctx, address)
}

// TxConfirmations reports how many confirmations a transaction has, and
// whether it has been seen at all. A transaction the indexer has never
// observed returns (0, false, nil) rather than an error, since "not found
// yet" is the expected steady state while polling for a deposit. Any other
// lookup error (network failure, retries exhausted, a malformed response)
// is reported the same way.
func (b *Bridge) TxConfirmations(ctx context.Context, txid string) (uint32, bool, error) {
	tx, err := b.cfg.Client.GetTransaction(ctx, txid)
	if err != nil {
		return 0, false, nil
	}

	if !tx.Status.Confirmed {
		return 0, true, nil
	}

	tip, err := b.CurrentHeight(ctx)
	if err != nil {
		return 0, true, err
	}

	confs := int64(tip) - tx.Status.BlockHeight + 1
	if confs < 0 {
		confs = 0
	}

	return uint32(confs), true, nil
}

// RawTransactionHex fetches the consensus-serialized hex of a transaction.
func (b *Bridge) RawTransactionHex(ctx context.Context, txid string) (string, error) {
	return b.cfg.Client.GetRawTransactionHex(ctx, txid)
}

// EstimateFeeRate returns a BTC/kB-denominated fee-rate estimate for the
// given confirmation target, bucketed onto the mempool.space recommended
// fee tiers the same way a full node's estimatesmartfee would.
func (b *Bridge) EstimateFeeRate(ctx context.Context, confTarget uint32) (float64, error) {
	fees, err := b.cfg.Client.GetFeeEstimates(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch fee estimates: %w", err)
	}

	var satsPerVByte int64
	switch {
	case confTarget <= 1:
		satsPerVByte = fees.FastestFee
	case confTarget <= 3:
		satsPerVByte = fees.HalfHourFee
	case confTarget <= 6:
		satsPerVByte = fees.HourFee
	default:
		satsPerVByte = fees.EconomyFee
	}

	// Convert sat/vB back to BTC/kB so callers can round-trip it through
	// the same conversion used elsewhere (chainfee.SatsPerVByteFromBTCPerKB).
	return float64(satsPerVByte) / 100000.0, nil
}

// Broadcast submits a transaction to the network.
func (b *Bridge) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	return b.cfg.Client.BroadcastTransaction(ctx, tx)
}

// SubscribeTip registers a channel that receives the chain height whenever
// it advances. The channel is closed when the bridge stops.
func (b *Bridge) SubscribeTip(ctx context.Context) (<-chan uint32, error) {
	ch := make(chan uint32, 4)

	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()

	return ch, nil
}

func (b *Bridge) pollLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.quit:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			height, err := b.cfg.Client.GetCurrentHeight(ctx)
			cancel()
			if err != nil {
				continue
			}

			b.cache.setHeight(height)

			b.mu.Lock()
			if height > b.lastHeight {
				b.lastHeight = height
				for _, ch := range b.subscribers {
					select {
					case ch <- height:
					default:
					}
				}
			}
			b.mu.Unlock()
		}
	}
}
