// Package walletdb is the WalletStore from §4.8: single-writer,
// snapshot-replace persistence for a wallet's coins, activity log and
// tokens, with backup transactions kept in their own upsertable table.
package walletdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/statecoin/walletd/statecoin"
	"github.com/statecoin/walletd/walletlog"
)

var log = walletlog.GetDefault().Component("WDB")

// Config holds configuration for a Store.
type Config struct {
	// DBPath is the sqlite database file path, or ":memory:" for a
	// process-local store.
	DBPath string

	// Clock stamps updated_at on every snapshot write. Defaults to the
	// real wall clock; a test clock such as clock.NewTestClock can be
	// substituted.
	Clock clock.Clock
}

// DefaultConfig returns a Store configuration pointed at dbPath.
func DefaultConfig(dbPath string) *Config {
	return &Config{DBPath: dbPath, Clock: clock.NewDefaultClock()}
}

func (c *Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("walletdb: db path required")
	}
	return nil
}

// Store is the sqlite-backed WalletStore.
type Store struct {
	db    *sql.DB
	locks *walletLockManager
	clock clock.Clock
}

// New opens (and if necessary creates) the sqlite database at cfg.DBPath
// and bootstraps its schema.
func New(cfg *Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("walletdb: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("walletdb: ping: %w", err)
	}

	// sqlite only supports one writer; a single pooled connection avoids
	// SQLITE_BUSY errors racing with WithWalletMut's own serialization.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("walletdb: init schema: %w", err)
	}

	log.Debugf("opened wallet store at %s", cfg.DBPath)

	return &Store{db: db, locks: newWalletLockManager(), clock: cfg.Clock}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadWallet returns a point-in-time snapshot of the named wallet.
// ErrWalletNotFound is returned if no row exists yet.
func (s *Store) LoadWallet(name string) (*statecoin.Wallet, error) {
	return s.loadWallet(s.db, name)
}

func (s *Store) loadWallet(q querier, name string) (*statecoin.Wallet, error) {
	var data []byte
	err := q.QueryRow(`SELECT data FROM wallet WHERE name = ?`, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("walletdb: load wallet: %w", err)
	}

	var row walletRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("walletdb: decode wallet: %w", err)
	}
	return fromWalletRow(row)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// WithWalletMut runs fn against the named wallet's current snapshot,
// creating an empty one on first use, and persists whatever fn leaves in
// place as the new snapshot if fn returns nil. The named lock is held for
// the duration of the call and released on every exit path, including a
// panic unwinding through fn, so mutations to one wallet never interleave.
func (s *Store) WithWalletMut(name string, fn func(*statecoin.Wallet) error) error {
	return s.locks.withLock(name, func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("walletdb: begin: %w", err)
		}
		defer tx.Rollback()

		wallet, err := s.loadWallet(tx, name)
		if err == ErrWalletNotFound {
			wallet = &statecoin.Wallet{Name: name}
		} else if err != nil {
			return err
		}

		if err := fn(wallet); err != nil {
			return err
		}

		row, err := toWalletRow(wallet)
		if err != nil {
			return fmt.Errorf("walletdb: encode wallet: %w", err)
		}
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("walletdb: marshal wallet: %w", err)
		}

		_, err = tx.Exec(`
			INSERT INTO wallet (name, data, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
		`, name, data, s.clock.Now().Unix())
		if err != nil {
			return fmt.Errorf("walletdb: write wallet: %w", err)
		}

		return tx.Commit()
	})
}

// UpsertBackupTx stores or replaces one backup transaction row, keyed by
// (statechain_id, tx_n). Replaying the same tx_n during a retried transfer
// overwrites the prior row rather than erroring.
func (s *Store) UpsertBackupTx(statechainID string, b statecoin.BackupTx) error {
	_, err := s.db.Exec(`
		INSERT INTO backup_tx (statechain_id, tx_n, raw_tx, blinding_factor, locktime, fee_rate_sats_vbyte)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(statechain_id, tx_n) DO UPDATE SET
			raw_tx = excluded.raw_tx,
			blinding_factor = excluded.blinding_factor,
			locktime = excluded.locktime,
			fee_rate_sats_vbyte = excluded.fee_rate_sats_vbyte
	`, statechainID, b.TxN, b.RawTx, b.BlindingFactor[:], b.Locktime, b.FeeRateSatsVByte)
	if err != nil {
		return fmt.Errorf("walletdb: upsert backup tx: %w", err)
	}
	return nil
}

// BackupChain returns every backup transaction on file for statechainID, in
// ascending tx_n order.
func (s *Store) BackupChain(statechainID string) ([]statecoin.BackupTx, error) {
	rows, err := s.db.Query(`
		SELECT tx_n, raw_tx, blinding_factor, locktime, fee_rate_sats_vbyte
		FROM backup_tx WHERE statechain_id = ? ORDER BY tx_n ASC
	`, statechainID)
	if err != nil {
		return nil, fmt.Errorf("walletdb: query backup chain: %w", err)
	}
	defer rows.Close()

	var chain []statecoin.BackupTx
	for rows.Next() {
		var b statecoin.BackupTx
		var blind []byte
		if err := rows.Scan(&b.TxN, &b.RawTx, &blind, &b.Locktime, &b.FeeRateSatsVByte); err != nil {
			return nil, fmt.Errorf("walletdb: scan backup tx: %w", err)
		}
		b.StatechainID = statechainID
		copy(b.BlindingFactor[:], blind)
		chain = append(chain, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, ErrBackupNotFound
	}
	return chain, nil
}
