// Package storage is the embedded engine owned by the worker: a SQLite file
// with three fixed tables (attachments, categories, expenses) and their
// secondary indexes, brought to the current schema version on open.
//
// Every operation runs in its own transaction scoped to the one table it
// touches. There are no cross-table transactions and no foreign keys: an
// expense's category and attachment ids are weak references.
//
// Errors returned by the Store wrap one of the core error kinds
// (core.ErrNotFound, core.ErrDuplicate, core.ErrInvalid, core.ErrOpenBlocked,
// core.ErrStorage) so callers can classify them with errors.Is.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"expensedb/internal/core"
	"expensedb/internal/log"
)

// DefaultBusyTimeout is how long a connection waits on a lock held by another
// process before giving up with SQLITE_BUSY.
const DefaultBusyTimeout = 5 * time.Second

type Options struct {
	BusyTimeout time.Duration
	Logger      *log.Logger
}

type Store struct {
	db     *sql.DB
	path   string
	logger *log.Logger
}

// Open creates or opens the database at path and applies pending schema
// migrations before returning. A lock held by another process, or a schema
// written by a newer build, is reported as core.ErrOpenBlocked.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultBusyTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	logger = logger.WithComponent(log.ComponentStorage)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(path, opts.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// SQLite only supports one writer at a time; a single pooled connection
	// queues transactions in the driver instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", openError(err))
	}

	if err := RunMigrations(path, opts.BusyTimeout, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.InfoContext(ctx, "Database opened", "path", path, "schema_version", SchemaVersion)

	return &Store{db: db, path: path, logger: logger}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file backing the store.
func (s *Store) Path() string {
	return s.path
}

// Remove deletes the database file at path and its WAL side files. Missing
// files are not an error. The store must be closed first.
func Remove(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: remove %s: %v", core.ErrStorage, p, err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

func dsn(path string, busyTimeout time.Duration) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busyTimeout.Milliseconds())
}

// classify maps a driver error to a core error kind.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %v", core.ErrDuplicate, err)
	default:
		return fmt.Errorf("%w: %v", core.ErrStorage, err)
	}
}

// openError marks lock contention during open or upgrade as retryable.
func openError(err error) error {
	if isBusy(err) {
		return fmt.Errorf("%w: %v", core.ErrOpenBlocked, err)
	}
	return fmt.Errorf("%w: %v", core.ErrStorage, err)
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return strings.Contains(se.Error(), "UNIQUE")
	}
	// migrate and database/sql wrappers may drop the typed error
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
