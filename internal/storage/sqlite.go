package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite storage backend
// For production: uses /tmp/changefeed/scratch.db
// For testing: use ":memory:" as dbPath
func NewSQLite(dbPath string) (*SQLiteStorage, error) {
	// Create directory for file-based databases. The store may hold
	// private keys, so it is private to the user.
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Set pragmas for performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, err
	}

	s := &SQLiteStorage{db: db}
	return s, s.migrate()
}

// NewDefaultSQLite creates storage in /tmp/changefeed/
func NewDefaultSQLite() (*SQLiteStorage, error) {
	return NewSQLite(DefaultSQLitePath)
}

// DefaultSQLitePath is used when no storage DSN is configured.
var DefaultSQLitePath = filepath.Join("/tmp", "changefeed", "scratch.db")

func (s *SQLiteStorage) Get(ctx context.Context, instance, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM scratch WHERE instance = ? AND key = ?`, instance, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (s *SQLiteStorage) Set(ctx context.Context, instance, key string, value []byte) error {
	return s.Apply(ctx, instance, NewBatch().Set(key, value))
}

func (s *SQLiteStorage) Delete(ctx context.Context, instance, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scratch WHERE instance = ? AND key = ?`, instance, key)
	return err
}

// Apply writes the batch in a single transaction
func (s *SQLiteStorage) Apply(ctx context.Context, instance string, batch *Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, o := range batch.ops {
		if o.delete {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM scratch WHERE instance = ? AND key = ?`, instance, o.key); err != nil {
				return err
			}
			continue
		}
		query := `
        INSERT OR REPLACE INTO scratch (instance, key, value, updated_at)
        VALUES (?, ?, ?, CURRENT_TIMESTAMP)`
		if _, err := tx.ExecContext(ctx, query, instance, o.key, o.value); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStorage) Instances(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT instance FROM scratch ORDER BY instance`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
