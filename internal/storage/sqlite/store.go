// Package sqlite persists one space's event DAG and KV rows in a SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tinycloudlabs/tinycloud-node/internal/storage"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// OrbitStore implements storage.Store for a single space.
type OrbitStore struct {
	queries
	db     *sql.DB
	space  string
	dbPath string
}

var _ storage.Store = (*OrbitStore)(nil)

// Open creates or opens the database for the given space under basePath.
func Open(basePath, space string) (*OrbitStore, error) {
	dir := filepath.Join(basePath, "spaces", sanitize(space))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create space directory: %w", err)
	}

	dbPath := filepath.Join(dir, "orbit.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // Wait up to 5s on lock instead of returning SQLITE_BUSY immediately
		"&_pragma=synchronous(NORMAL)"+
		"&_pragma=wal_autocheckpoint(1000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connection pool - SQLite handles concurrent writes poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &OrbitStore{
		queries: queries{q: db},
		db:      db,
		space:   space,
		dbPath:  dbPath,
	}, nil
}

func (s *OrbitStore) Close() error {
	return s.db.Close()
}

func (s *OrbitStore) Space() string {
	return s.space
}

func (s *OrbitStore) DBPath() string {
	return s.dbPath
}

// WithTx runs fn inside a transaction, rolling back on error.
func (s *OrbitStore) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(queries{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// sanitize maps a space URI to a filesystem-safe directory name.
func sanitize(space string) string {
	out := make([]byte, 0, len(space))
	for i := 0; i < len(space); i++ {
		c := space[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
