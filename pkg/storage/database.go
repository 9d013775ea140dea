// Package storage is the persistence layer of the engine: a local SQLite
// database holding identities, sessions, the message log, and the outbox.
// It exclusively owns durable state; everything the Session Manager keeps
// in memory is reconstructible from here after a restart.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrCorruptState = errors.New("corrupt stored state")
)

// Delivery status of a log entry
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// Message direction of a log entry
type Direction string

const (
	DirectionOutbound Direction = "out"
	DirectionInbound  Direction = "in"
)

// Store is the handle to the local database. Safe for concurrent use;
// database/sql serializes access and multi-step updates go through WithTx.
type Store struct {
	db     *sql.DB
	key    []byte // store key, encrypts key material and content at rest
	logger *slog.Logger
}

// Options configures Open
type Options struct {
	// StoreKey encrypts private key material and message content at
	// rest. Required, 32 bytes (crypto.DeriveStoreKey output).
	StoreKey []byte

	Logger *slog.Logger
}

// Open opens (creating if necessary) the database at path and applies
// pending schema migrations.
func Open(path string, opts Options) (*Store, error) {
	if len(opts.StoreKey) != 32 {
		return nil, fmt.Errorf("store key must be 32 bytes, got %d", len(opts.StoreKey))
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL for concurrent readers during engine I/O
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{
		db:     db,
		key:    opts.StoreKey,
		logger: opts.Logger,
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// querier abstracts *sql.DB and *sql.Tx so every operation can run
// standalone or inside WithTx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Tx exposes the store operations bound to one transaction. A session
// update and its corresponding log/outbox updates commit atomically.
type Tx struct {
	s  *Store
	tx *sql.Tx
}

// WithTx runs fn inside a transaction, committing on nil and rolling
// back on error or panic.
func (s *Store) WithTx(fn func(tx *Tx) error) error {
	sqlTx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{s: s, tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
