// Package storage provides the swap order store: a durable SQLite backend
// and an in-memory backend with the same compare-and-swap semantics.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store errors
var (
	ErrOrderNotFound         = errors.New("order not found")
	ErrLegNotFound           = errors.New("escrow leg not found")
	ErrDuplicateOrder        = errors.New("order with this maker and hashlock already exists")
	ErrVersionConflict       = errors.New("record was modified concurrently")
	ErrSecretNotFound        = errors.New("secret not found")
	ErrSecretAlreadyRevealed = errors.New("secret already revealed with a different value")
)

// Storage is the SQLite-backed order store.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "xswap.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		maker_address TEXT NOT NULL,
		taker_address TEXT NOT NULL,
		from_chain TEXT NOT NULL,
		to_chain TEXT NOT NULL,
		from_asset TEXT NOT NULL,
		to_asset TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		hashlock TEXT NOT NULL,
		hash_algo TEXT NOT NULL,
		timelock_unix INTEGER NOT NULL,
		allow_partial_fill INTEGER NOT NULL DEFAULT 0,
		total_filled TEXT NOT NULL DEFAULT '0',
		finalized INTEGER NOT NULL DEFAULT 0,
		cancelled INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		finalized_at INTEGER,
		UNIQUE (maker_address, hashlock)
	);
	CREATE INDEX IF NOT EXISTS idx_orders_active ON orders(finalized, cancelled);
	CREATE INDEX IF NOT EXISTS idx_orders_maker ON orders(maker_address);

	CREATE TABLE IF NOT EXISTS escrow_legs (
		order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		chain TEXT NOT NULL,
		role TEXT NOT NULL,
		asset TEXT NOT NULL,
		sender TEXT NOT NULL,
		receiver TEXT NOT NULL,
		contract_ref TEXT,
		amount TEXT NOT NULL,
		hashlock TEXT NOT NULL,
		timelock INTEGER NOT NULL,
		status TEXT NOT NULL,
		confirmations INTEGER NOT NULL DEFAULT 0,
		last_confirmed_height INTEGER NOT NULL DEFAULT 0,
		funding_tx_ref TEXT,
		settlement_tx_ref TEXT,
		needs_intervention INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (order_id, chain)
	);
	CREATE INDEX IF NOT EXISTS idx_escrow_legs_status ON escrow_legs(status);

	CREATE TABLE IF NOT EXISTS applied_events (
		order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		chain TEXT NOT NULL,
		tx_ref TEXT NOT NULL,
		event_type TEXT NOT NULL,
		confirmations INTEGER NOT NULL DEFAULT 0,
		applied_at INTEGER NOT NULL,
		PRIMARY KEY (order_id, chain, tx_ref, event_type)
	);

	CREATE TABLE IF NOT EXISTS fills (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		resolver TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);

	CREATE TABLE IF NOT EXISTS secrets (
		order_id TEXT PRIMARY KEY,
		hashlock TEXT NOT NULL,
		hash_algo TEXT NOT NULL,
		secret TEXT,
		origin TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		revealed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_secrets_hashlock ON secrets(hashlock);

	CREATE TABLE IF NOT EXISTS archived_orders (
		id TEXT PRIMARY KEY,
		snapshot TEXT NOT NULL,
		archived_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations adds columns introduced after the first schema. Errors are
// ignored since columns may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE escrow_legs ADD COLUMN last_error TEXT",
	}

	for _, migration := range migrations {
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func unixOrNil(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ts := t.Unix()
	return &ts
}
