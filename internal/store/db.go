// Package store implements the persistence layer: the SQLite database,
// embedded migrations and one repository per aggregate.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// OpenDB opens (or creates) a SQLite database at path with recommended pragmas:
// WAL journal mode, synchronous=NORMAL, foreign_keys=ON, busy_timeout=5000.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	return db, nil
}

// Store bundles all repositories over a single rotor.db connection.
type Store struct {
	db *sql.DB

	Campaigns   *CampaignRepo
	ClickStates *ClickStateRepo
	Stock       *StockRepo
	Leases      *LeaseRepo
	Proxies     *ProxyRepo
	ClickTasks  *ClickTaskRepo
	Alerts      *AlertRepo
	Audit       *AuditRepo
	APIKeys     *APIKeyRepo
}

// Open opens the database at path, applies migrations, and wires repositories.
func Open(path string) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// New wires repositories over an already-migrated database. Used by tests.
func New(db *sql.DB) *Store {
	return &Store{
		db:          db,
		Campaigns:   &CampaignRepo{db: db},
		ClickStates: &ClickStateRepo{db: db},
		Stock:       &StockRepo{db: db},
		Leases:      &LeaseRepo{db: db},
		Proxies:     &ProxyRepo{db: db},
		ClickTasks:  &ClickTaskRepo{db: db},
		Alerts:      &AlertRepo{db: db},
		Audit:       &AuditRepo{db: db},
		APIKeys:     &APIKeyRepo{db: db},
	}
}

// DB exposes the raw connection for migrations and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is alive.
func (s *Store) Ping() error { return s.db.Ping() }

// WithTx runs fn inside a transaction, rolling back on error.
// Cross-row invariants (lease ↔ stock item, lease ↔ click state) are
// committed through this helper only.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// NowNs returns the current wall clock in unix nanoseconds.
func NowNs() int64 { return time.Now().UnixNano() }
