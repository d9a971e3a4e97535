package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"expensedb/internal/core"
	"expensedb/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SchemaVersion is the newest migration shipped with this binary. A database
// recorded at a higher version belongs to a newer build and is not touched.
const SchemaVersion = 2

// RunMigrations brings the database at dbPath up to SchemaVersion.
//
// Each migration runs inside its own transaction and every statement is
// check-then-create, so an upgrade left dirty by a crash is forced back to the
// previous version and driven again.
func RunMigrations(dbPath string, busyTimeout time.Duration, logger *log.Logger) error {
	// Create a separate connection for migrations to avoid interfering with the main connection
	migrateDB, err := sql.Open("sqlite", dsn(dbPath, busyTimeout))
	if err != nil {
		return fmt.Errorf("open migration database: %w", err)
	}
	defer migrateDB.Close()

	driver, err := sqlite.WithInstance(migrateDB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", openError(err))
	}

	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", d, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		logger.Info("Creating schema", "path", dbPath, "target_version", SchemaVersion)
	case err != nil:
		return fmt.Errorf("read schema version: %w", openError(err))
	case version > SchemaVersion:
		return fmt.Errorf("%w: schema version %d is newer than supported %d", core.ErrOpenBlocked, version, SchemaVersion)
	case dirty:
		prev := int(version) - 1
		if prev < 1 {
			prev = database.NilVersion
		}
		logger.Warn("Schema upgrade was interrupted, redriving",
			"path", dbPath,
			"dirty_version", version,
			"forced_version", prev)
		if err := m.Force(prev); err != nil {
			return fmt.Errorf("reset dirty schema version: %w", openError(err))
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("run migrations: %w", openError(err))
	}

	return nil
}

// CurrentVersion reports the schema version recorded in the database.
func (s *Store) CurrentVersion(ctx context.Context) (version uint, dirty bool, err error) {
	var v int64
	err = s.db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&v, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return uint(v), dirty, nil
}
