package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresScratchTable     = "changefeed_scratch"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStorage is the Store for deployments that run several replicas
// against one database. The schema is created lazily on first use.
type PostgresStorage struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgres(dsn string) (*PostgresStorage, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres DSN is empty")
	}
	return &PostgresStorage{
		dsn:       dsn,
		tableName: postgresScratchTable,
		openDB:    sql.Open,
	}, nil
}

func (p *PostgresStorage) Get(ctx context.Context, instance, key string) ([]byte, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT value FROM %s WHERE instance = $1 AND key = $2", p.table())
	var value []byte
	err := p.db.QueryRowContext(ctx, query, instance, key).Scan(&value)
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

func (p *PostgresStorage) Set(ctx context.Context, instance, key string, value []byte) error {
	return p.Apply(ctx, instance, NewBatch().Set(key, value))
}

func (p *PostgresStorage) Delete(ctx context.Context, instance, key string) error {
	return p.Apply(ctx, instance, NewBatch().Delete(key))
}

func (p *PostgresStorage) Apply(ctx context.Context, instance string, batch *Batch) error {
	if err := p.ensureReady(ctx); err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	upsert := fmt.Sprintf(`
		INSERT INTO %s (instance, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (instance, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, p.table())
	remove := fmt.Sprintf("DELETE FROM %s WHERE instance = $1 AND key = $2", p.table())

	for _, o := range batch.ops {
		if o.delete {
			_, err = tx.ExecContext(ctx, remove, instance, o.key)
		} else {
			_, err = tx.ExecContext(ctx, upsert, instance, o.key, o.value)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStorage) Instances(ctx context.Context) ([]string, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx,
		fmt.Sprintf("SELECT DISTINCT instance FROM %s ORDER BY instance", p.table()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (p *PostgresStorage) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresStorage) ensureReady(ctx context.Context) error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				instance TEXT NOT NULL,
				key TEXT NOT NULL,
				value BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (instance, key)
			)`, p.table())
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

func (p *PostgresStorage) table() string {
	return `"` + strings.ReplaceAll(p.tableName, `"`, `""`) + `"`
}
