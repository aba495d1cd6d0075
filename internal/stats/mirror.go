package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Mirror persists query-stat records to a dedicated table so rankings
// survive restarts. All writes are upserts; callers treat failures as
// droppable.
type Mirror struct {
	db    *sql.DB
	table string
}

// NewMirror builds a mirror over the given pool and table name. The table
// name is validated by Initialize's DDL quoting, not here.
func NewMirror(db *sql.DB, table string) *Mirror {
	if table == "" {
		table = "__sqldb_query_stats"
	}
	return &Mirror{db: db, table: table}
}

// Initialize creates the stats table if it does not exist. The DDL is
// idempotent and safe to run on every startup.
func (m *Mirror) Initialize(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  queryId VARCHAR(191) NOT NULL PRIMARY KEY,
  tableName VARCHAR(191) NOT NULL,
  queryType VARCHAR(32) NOT NULL,
  filters TEXT,
  accessCount BIGINT NOT NULL DEFAULT 0,
  lastAccessedAt DATETIME(3) NOT NULL,
  avgExecutionTime DOUBLE NOT NULL DEFAULT 0,
  lastWarmingTime DATETIME(3) NULL,
  createdAt DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
  INDEX idx_table_access (tableName, accessCount DESC),
  INDEX idx_last_access (lastAccessedAt)
)`, quoteTable(m.table))
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("stats: creating %s: %w", m.table, err)
	}
	return nil
}

// Upsert aggregates a record into the mirror.
func (m *Mirror) Upsert(ctx context.Context, rec *Record) error {
	query := fmt.Sprintf(`INSERT INTO %s
  (queryId, tableName, queryType, filters, accessCount, lastAccessedAt, avgExecutionTime, lastWarmingTime)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  accessCount = VALUES(accessCount),
  lastAccessedAt = VALUES(lastAccessedAt),
  avgExecutionTime = VALUES(avgExecutionTime),
  lastWarmingTime = VALUES(lastWarmingTime)`, quoteTable(m.table))

	var lastWarm any
	if !rec.LastWarm.IsZero() {
		lastWarm = rec.LastWarm
	}
	_, err := m.db.ExecContext(ctx, query,
		rec.Fingerprint, rec.Table, string(rec.Kind), rec.FiltersJSON,
		rec.AccessCount, rec.LastAccess, rec.AvgExecMs, lastWarm)
	if err != nil {
		return fmt.Errorf("stats: upserting %s: %w", rec.Fingerprint, err)
	}
	return nil
}

// Load reads every mirrored record.
func (m *Mirror) Load(ctx context.Context) ([]Record, error) {
	query := fmt.Sprintf(`SELECT queryId, tableName, queryType, COALESCE(filters, ''),
  accessCount, lastAccessedAt, avgExecutionTime, lastWarmingTime
FROM %s`, quoteTable(m.table))

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("stats: loading mirror: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var kind string
		var lastAccess time.Time
		var lastWarm sql.NullTime
		if err := rows.Scan(&rec.Fingerprint, &rec.Table, &kind, &rec.FiltersJSON,
			&rec.AccessCount, &lastAccess, &rec.AvgExecMs, &lastWarm); err != nil {
			return nil, fmt.Errorf("stats: scanning mirror row: %w", err)
		}
		rec.Kind = OpKind(kind)
		rec.LastAccess = lastAccess
		if lastWarm.Valid {
			rec.LastWarm = lastWarm.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func quoteTable(name string) string {
	out := make([]rune, 0, len(name)+2)
	out = append(out, '`')
	for _, r := range name {
		if r == '`' {
			out = append(out, '`')
		}
		out = append(out, r)
	}
	out = append(out, '`')
	return string(out)
}
