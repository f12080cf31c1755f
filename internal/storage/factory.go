package storage

import (
	"fmt"
	"net/url"
	"strings"
)

// Open builds a Store from a DSN:
//
//	""                          default SQLite file
//	/path/to/db, sqlite:///path SQLite file
//	:memory:, sqlite::memory:   in-memory SQLite
//	memory://                   process memory
//	postgres://...              PostgreSQL
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewDefaultSQLite()
	}
	if dsn == ":memory:" {
		return NewSQLite(":memory:")
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing storage DSN: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "":
		return NewSQLite(dsn)
	case "sqlite", "sqlite3", "file":
		path := parsed.Opaque
		if path == "" {
			path = parsed.Host + parsed.Path
		}
		if path == "" {
			return nil, fmt.Errorf("storage DSN %q has no database path", dsn)
		}
		return NewSQLite(path)
	case "memory", "mem":
		return NewMemory(), nil
	case "postgres", "postgresql":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage scheme: %s", parsed.Scheme)
	}
}
