// Package store opens the database holding partition tables and pairs it with
// the catalog lister and table creator of its dialect.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/arkilian/tailroute/internal/catalog"
	"github.com/arkilian/tailroute/internal/config"
	tailerrors "github.com/arkilian/tailroute/internal/errors"
	"github.com/arkilian/tailroute/internal/provision"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// sqliteParams are appended to SQLite DSNs that do not set them.
var sqliteParams = []string{"_journal_mode=WAL", "_busy_timeout=5000"}

// Store is an open database with its dialect's catalog lister and table creator.
type Store struct {
	DB      *sql.DB
	Driver  config.Driver
	Lister  catalog.Lister
	Creator provision.TableCreator
}

// Open connects to the configured store and checks that it answers.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case config.DriverSQLite, "":
		db, err = sql.Open("sqlite3", sqliteDSN(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("store: failed to open sqlite database: %w", err)
		}
		// Single writer; DDL from concurrent provisioners would otherwise hit SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case config.DriverPostgres:
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("store: failed to open postgres database: %w", err)
		}
	default:
		return nil, tailerrors.NewConfigError(fmt.Sprintf("store: unsupported driver %q", cfg.Driver), nil)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, tailerrors.NewCatalogError(tailerrors.CodeCatalogUnavailable,
			fmt.Sprintf("store: %s database is unreachable", cfg.Driver), err)
	}
	return FromDB(db, cfg.Driver), nil
}

// FromDB wraps an already open database.
func FromDB(db *sql.DB, driver config.Driver) *Store {
	s := &Store{DB: db, Driver: driver}
	switch driver {
	case config.DriverPostgres:
		s.Lister = catalog.NewPostgresLister(db)
		s.Creator = provision.NewPostgresCreator(db)
	default:
		s.Driver = config.DriverSQLite
		s.Lister = catalog.NewSQLiteLister(db)
		s.Creator = provision.NewSQLiteCreator(db)
	}
	return s
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func sqliteDSN(dsn string) string {
	if dsn == ":memory:" {
		return dsn
	}
	var missing []string
	for _, p := range sqliteParams {
		key := p[:strings.IndexByte(p, '=')+1]
		if !strings.Contains(dsn, key) {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(missing, "&")
}
