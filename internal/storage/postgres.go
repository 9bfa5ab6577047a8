// Package storage holds the Postgres-backed durable message store and the
// account directory used by the persister.
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

const postgresOperationTimeout = 5 * time.Second

var ErrInvalidInput = errors.New("invalid input")

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// postgresTable lazily opens the database and creates its table on first
// use. A failed attempt is retried by the next caller.
type postgresTable struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc
	schema    func(table string) []string

	mu sync.Mutex
	db *sql.DB
}

func newPostgresTable(dsn, tableName string, schema func(table string) []string) (*postgresTable, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || strings.TrimSpace(tableName) == "" {
		return nil, ErrInvalidInput
	}
	return &postgresTable{
		dsn:       dsn,
		tableName: tableName,
		openDB:    sql.Open,
		schema:    schema,
	}, nil
}

func (t *postgresTable) ensureReady(ctx context.Context) (*sql.DB, error) {
	if t == nil {
		return nil, ErrInvalidInput
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.db != nil {
		return t.db, nil
	}

	db, err := t.openDB("postgres", t.dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	for _, stmt := range t.schema(t.tableName) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create %s: %w", t.tableName, err)
		}
	}
	t.db = db
	return db, nil
}

func (t *postgresTable) quotedName() string {
	return postgresQuoteIdentifier(t.tableName)
}

func (t *postgresTable) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.db == nil {
		return nil
	}
	err := t.db.Close()
	t.db = nil
	return err
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
