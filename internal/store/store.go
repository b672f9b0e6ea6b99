// Package store keeps parsed upload records in SQLite, for deployments
// where holding every record in memory is not an option.
package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/mattn/go-sqlite3"

	"github.com/wesm/mboxstream/internal/fileutil"
)

//go:embed schema.sql
var schemaSQL string

// FileName is the database file created in the data directory.
const FileName = "records.db"

const defaultSQLiteParams = "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"

// Store is a handle on the records database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens or creates the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	if err := fileutil.EnsurePrivateDir(filepath.Dir(dbPath)); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+defaultSQLiteParams)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: writers queue in database/sql instead of failing
	// with SQLITE_BUSY on lock upgrade.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, dbPath: dbPath}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

// withTx runs fn in a transaction, rolling back if fn fails.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isConstraintError reports whether err is a SQLite constraint violation,
// in either the value or the pointer form the driver may return.
func isConstraintError(err error) bool {
	var v sqlite3.Error
	if errors.As(err, &v) {
		return v.Code == sqlite3.ErrConstraint
	}
	var p *sqlite3.Error
	if errors.As(err, &p) && p != nil {
		return p.Code == sqlite3.ErrConstraint
	}
	return false
}
