package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/wastechat/internal/store/migrations"
)

// SchemaVersion is the only schema version this build knows about.
const SchemaVersion = 1

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// errSchemaBusy marks a migration that collided with another process
// upgrading the same file. The caller drops its handle and starts over.
var errSchemaBusy = errors.New("schema upgrade in progress elsewhere")

// migrateDB runs all pending migrations on db.
func migrateDB(db *sql.DB) (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	err = m.Up()
	changed := true
	if errors.Is(err, migrate.ErrNoChange) {
		changed = false
		err = nil
	}
	var dirty migrate.ErrDirty
	if errors.Is(err, migrate.ErrLocked) || errors.As(err, &dirty) || isBusy(err) {
		return nil, fmt.Errorf("%w: %v", errSchemaBusy, err)
	}
	if err != nil {
		return nil, fmt.Errorf("migration up: %w", err)
	}

	version, isDirty, _ := m.Version()
	if version > SchemaVersion {
		return nil, fmt.Errorf("database schema v%d is newer than supported v%d", version, SchemaVersion)
	}
	return &MigrateResult{
		Version: version,
		Dirty:   isDirty,
		Changed: changed,
	}, nil
}
