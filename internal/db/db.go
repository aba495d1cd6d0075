package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Conn wraps a connection pool with the per-query timeout applied to every
// operation.
type Conn struct {
	db      *sql.DB
	timeout time.Duration
}

// Open creates a pool for the given MySQL DSN.
func Open(dsn string, maxOpen, maxIdle int, connMaxLifetime, queryTimeout time.Duration) (*Conn, error) {
	pool, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: opening pool: %w", err)
	}
	if maxOpen > 0 {
		pool.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		pool.SetMaxIdleConns(maxIdle)
	}
	if connMaxLifetime > 0 {
		pool.SetConnMaxLifetime(connMaxLifetime)
	}
	return &Conn{db: pool, timeout: queryTimeout}, nil
}

// FromDB wraps an existing pool. Tests pass a sqlmock-backed pool here.
func FromDB(pool *sql.DB, queryTimeout time.Duration) *Conn {
	return &Conn{db: pool, timeout: queryTimeout}
}

// DB exposes the underlying pool (discovery, stats mirror).
func (c *Conn) DB() *sql.DB { return c.db }

// Ping verifies connectivity.
func (c *Conn) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.db.PingContext(ctx)
}

// Close releases the pool.
func (c *Conn) Close() error { return c.db.Close() }

func (c *Conn) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// QueryMaps runs a parameterized query and scans every row into a
// column-name-keyed map. []byte values are converted to string so results
// marshal cleanly to JSON for the cache.
func (c *Conn) QueryMaps(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(map[string]any, len(cols))
		for i, col := range cols {
			record[col] = normalizeValue(values[i])
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// QueryCount runs a query expected to return a single integer.
func (c *Conn) QueryCount(ctx context.Context, query string, args ...any) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var n int64
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Exec runs a mutation and returns (lastInsertId, rowsAffected).
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (int64, int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, 0, err
	}
	lastID, _ := res.LastInsertId()
	affected, _ := res.RowsAffected()
	return lastID, affected, nil
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	default:
		return v
	}
}
