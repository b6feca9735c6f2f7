package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/chatline/internal/store/migrations"
)

// MigrateResult describes what happened during migration. Reset is set when a
// dirty schema was dropped and rebuilt, which empties the cache.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
	Reset   bool
}

func (db *DB) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	return m, nil
}

// Migrate runs all pending migrations on the cache. Everything in the cache
// can be fetched again, so a schema left dirty by an interrupted migration is
// dropped instead of repaired.
func (db *DB) Migrate() (*MigrateResult, error) {
	m, err := db.migrator()
	if err != nil {
		return nil, err
	}

	res := &MigrateResult{}
	if _, dirty, verr := m.Version(); verr == nil && dirty {
		if err := m.Drop(); err != nil {
			return nil, fmt.Errorf("migration reset: %w", err)
		}
		// Drop also removes the version table; a fresh instance recreates it.
		if m, err = db.migrator(); err != nil {
			return nil, err
		}
		res.Reset = true
	}

	res.Changed = true
	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		res.Changed = false
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("migration up: %w", err)
	}

	res.Version, res.Dirty, _ = m.Version()
	return res, nil
}
