package relcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relcache/relcache/internal/cache"
	"github.com/relcache/relcache/internal/db"
	"github.com/relcache/relcache/internal/fingerprint"
	"github.com/relcache/relcache/internal/schema"
	"github.com/relcache/relcache/internal/stats"
	"github.com/relcache/relcache/internal/telemetry"
)

// ErrNotCacheable is returned by Raw for statements that are not reads.
var ErrNotCacheable = errors.New("relcache: raw statement is not a read")

// Order is one ORDER BY entry in find options.
type Order struct {
	Column string
	Desc   bool
}

// FindOptions tunes a read. CorrelationID, SkipCache and WithRelations are
// control fields: they never participate in cache-key derivation.
type FindOptions struct {
	Select        []string
	OrderBy       []Order
	Limit         int
	Offset        int
	CorrelationID string
	SkipCache     bool
	WithRelations bool
}

// Table is the per-table operations handle returned by Client.Table.
type Table struct {
	client *Client
	name   string
	meta   *schema.Table
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

func (t *Table) pkColumn() string {
	if pk := t.meta.PrimaryKey(); pk != "" {
		return pk
	}
	return "id"
}

// optionsMap flattens find options into the canonical map that feeds the
// fingerprint and the stats filters. Control fields are left out entirely.
func optionsMap(opts *FindOptions) map[string]any {
	if opts == nil {
		return nil
	}
	m := make(map[string]any)
	if len(opts.Select) > 0 {
		cols := make([]any, len(opts.Select))
		for i, c := range opts.Select {
			cols[i] = c
		}
		m["select"] = cols
	}
	if len(opts.OrderBy) > 0 {
		entries := make([]any, len(opts.OrderBy))
		for i, ob := range opts.OrderBy {
			entries[i] = map[string]any{"column": ob.Column, "desc": ob.Desc}
		}
		m["orderBy"] = entries
	}
	if opts.Limit > 0 {
		m["limit"] = opts.Limit
	}
	if opts.Offset > 0 {
		m["offset"] = opts.Offset
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func (t *Table) cacheEnabled(opts *FindOptions) bool {
	if !t.client.cfg.Cache.Enabled {
		return false
	}
	return opts == nil || !opts.SkipCache
}

func (t *Table) selectSpec(where db.Expr, opts *FindOptions) db.SelectSpec {
	spec := db.SelectSpec{Table: t.name, Where: where}
	if opts != nil {
		spec.Columns = opts.Select
		for _, ob := range opts.OrderBy {
			spec.OrderBy = append(spec.OrderBy, db.OrderBy{Column: ob.Column, Desc: ob.Desc})
		}
		spec.Limit = opts.Limit
		spec.Offset = opts.Offset
	}
	return spec
}

func (t *Table) observe(fp string, kind stats.OpKind, where, options map[string]any, execMs float64) {
	filters := make(map[string]any, 2)
	if len(where) > 0 {
		filters["where"] = where
	}
	if len(options) > 0 {
		filters["options"] = options
	}
	t.client.tracker.Observe(fp, t.name, kind, fingerprint.FiltersDigest(where), filters, execMs)
}

// FindMany returns every row matching where, read-through cached.
func (t *Table) FindMany(ctx context.Context, where map[string]any, opts *FindOptions) ([]Record, error) {
	optsMap := optionsMap(opts)
	key := fingerprint.Key(t.client.cfg.Env, t.name, "findMany", where, optsMap)

	if t.cacheEnabled(opts) {
		var cached []Record
		if found, err := cache.Get(ctx, t.client.store, key, &cached); err == nil && found {
			t.client.recordHit(ctx)
			return t.withRelations(ctx, cached, opts)
		}
		t.client.recordMiss(ctx)
	}

	expr, err := db.ParseWhere(where)
	if err != nil {
		return nil, err
	}
	query, args, err := db.BuildSelect(t.selectSpec(expr, opts))
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := t.client.conn.QueryMaps(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	execMs := float64(time.Since(start).Microseconds()) / 1000

	if t.cacheEnabled(opts) {
		ttl := cache.TTLFor("findMany", t.client.cfg.Cache.DefaultTTL)
		if err := cache.Put(ctx, t.client.store, key, rows, ttl); err != nil {
			t.client.log.Warn("caching findMany result", zap.Error(err))
		}
	}
	t.observe(key, stats.OpFindMany, where, optsMap, execMs)
	return t.withRelations(ctx, rows, opts)
}

// FindOne returns the first row matching where, or nil.
func (t *Table) FindOne(ctx context.Context, where map[string]any, opts *FindOptions) (Record, error) {
	optsMap := optionsMap(opts)
	key := fingerprint.Key(t.client.cfg.Env, t.name, "findOne", where, optsMap)

	if t.cacheEnabled(opts) {
		var cached Record
		if found, err := cache.Get(ctx, t.client.store, key, &cached); err == nil && found {
			t.client.recordHit(ctx)
			return t.oneWithRelations(ctx, cached, opts)
		}
		t.client.recordMiss(ctx)
	}

	expr, err := db.ParseWhere(where)
	if err != nil {
		return nil, err
	}
	spec := t.selectSpec(expr, opts)
	spec.Limit = 1
	query, args, err := db.BuildSelect(spec)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := t.client.conn.QueryMaps(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	execMs := float64(time.Since(start).Microseconds()) / 1000

	var row Record
	if len(rows) > 0 {
		row = rows[0]
	}
	if t.cacheEnabled(opts) && row != nil {
		ttl := cache.TTLFor("findOne", t.client.cfg.Cache.DefaultTTL)
		if err := cache.Put(ctx, t.client.store, key, row, ttl); err != nil {
			t.client.log.Warn("caching findOne result", zap.Error(err))
		}
	}
	t.observe(key, stats.OpFindOne, where, optsMap, execMs)
	return t.oneWithRelations(ctx, row, opts)
}

// FindByID returns the row with the given primary key, or nil. By-id
// lookups use the short key form.
func (t *Table) FindByID(ctx context.Context, id any, opts *FindOptions) (Record, error) {
	key := fingerprint.IDKey(t.client.cfg.Env, t.name, id)
	where := map[string]any{t.pkColumn(): id}

	if t.cacheEnabled(opts) {
		var cached Record
		if found, err := cache.Get(ctx, t.client.store, key, &cached); err == nil && found {
			t.client.recordHit(ctx)
			return t.oneWithRelations(ctx, cached, opts)
		}
		t.client.recordMiss(ctx)
	}

	expr, err := db.ParseWhere(where)
	if err != nil {
		return nil, err
	}
	query, args, err := db.BuildSelect(db.SelectSpec{Table: t.name, Where: expr, Limit: 1})
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := t.client.conn.QueryMaps(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	execMs := float64(time.Since(start).Microseconds()) / 1000

	var row Record
	if len(rows) > 0 {
		row = rows[0]
	}
	if t.cacheEnabled(opts) && row != nil {
		ttl := cache.TTLFor("findById", t.client.cfg.Cache.DefaultTTL)
		if err := cache.Put(ctx, t.client.store, key, row, ttl); err != nil {
			t.client.log.Warn("caching findById result", zap.Error(err))
		}
	}
	t.observe(key, stats.OpFindByID, where, nil, execMs)
	return t.oneWithRelations(ctx, row, opts)
}

// Count returns the number of rows matching where. Count entries always
// use the clamped short TTL.
func (t *Table) Count(ctx context.Context, where map[string]any, opts *FindOptions) (int64, error) {
	key := fingerprint.Key(t.client.cfg.Env, t.name, "count", where, nil)

	if t.cacheEnabled(opts) {
		var cached int64
		if found, err := cache.Get(ctx, t.client.store, key, &cached); err == nil && found {
			t.client.recordHit(ctx)
			return cached, nil
		}
		t.client.recordMiss(ctx)
	}

	expr, err := db.ParseWhere(where)
	if err != nil {
		return 0, err
	}
	query, args, err := db.BuildSelect(db.SelectSpec{Table: t.name, Where: expr, Count: true})
	if err != nil {
		return 0, err
	}
	start := time.Now()
	n, err := t.client.conn.QueryCount(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	execMs := float64(time.Since(start).Microseconds()) / 1000

	if t.cacheEnabled(opts) {
		ttl := cache.TTLFor("count", t.client.cfg.Cache.DefaultTTL)
		if err := cache.Put(ctx, t.client.store, key, n, ttl); err != nil {
			t.client.log.Warn("caching count result", zap.Error(err))
		}
	}
	t.observe(key, stats.OpCount, where, nil, execMs)
	return n, nil
}

// Raw executes a raw read statement with a fixed short cache TTL. Only
// SELECT/SHOW/DESCRIBE/EXPLAIN statements are accepted; anything else must
// go through the write operations so invalidation runs.
func (t *Table) Raw(ctx context.Context, sqlText string, params ...any) ([]Record, error) {
	if !isReadStatement(sqlText) {
		return nil, fmt.Errorf("%w: %.32q", ErrNotCacheable, sqlText)
	}
	where := map[string]any{"sql": sqlText}
	options := map[string]any{"params": params}
	key := fingerprint.Key(t.client.cfg.Env, t.name, "raw", where, options)

	if t.client.cfg.Cache.Enabled {
		var cached []Record
		if found, err := cache.Get(ctx, t.client.store, key, &cached); err == nil && found {
			t.client.recordHit(ctx)
			return cached, nil
		}
		t.client.recordMiss(ctx)
	}

	start := time.Now()
	rows, err := t.client.conn.QueryMaps(ctx, sqlText, params...)
	if err != nil {
		return nil, err
	}
	execMs := float64(time.Since(start).Microseconds()) / 1000

	if t.client.cfg.Cache.Enabled {
		if err := cache.Put(ctx, t.client.store, key, rows, cache.RawTTL); err != nil {
			t.client.log.Warn("caching raw result", zap.Error(err))
		}
	}
	filters := map[string]any{"sql": sqlText, "params": params}
	t.client.tracker.Observe(key, t.name, stats.OpRaw,
		fingerprint.FiltersDigest(where), filters, execMs)
	return rows, nil
}

// Insert writes one row and schedules invalidation. Returns the generated
// id when the table has an auto-generated key.
func (t *Table) Insert(ctx context.Context, row map[string]any) (int64, error) {
	query, args, err := db.BuildInsert(t.name, row)
	if err != nil {
		return 0, err
	}
	lastID, _, err := t.client.conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	t.afterWrite(ctx, row, lastID)
	if docID, ok := insertedDocID(row, lastID); ok {
		t.maintainIndexOnWrite(ctx, docID, nil)
	}
	return lastID, nil
}

// insertedDocID resolves the new row's identifier, preferring an explicit
// id in the payload over the driver's auto-generated one.
func insertedDocID(row map[string]any, lastID int64) (string, bool) {
	if v, ok := row["id"]; ok && v != nil {
		return fmt.Sprintf("%v", v), true
	}
	if lastID > 0 {
		return fmt.Sprintf("%d", lastID), true
	}
	return "", false
}

// UpdateByID updates one row by primary key and schedules invalidation.
func (t *Table) UpdateByID(ctx context.Context, id any, updates map[string]any) (int64, error) {
	query, args, err := db.BuildUpdateByID(t.name, t.pkColumn(), id, updates)
	if err != nil {
		return 0, err
	}
	_, affected, err := t.client.conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	t.afterWrite(ctx, nil, 0)
	t.maintainIndexOnWrite(ctx, fmt.Sprintf("%v", id), nil)
	return affected, nil
}

// DeleteByID deletes one row by primary key and schedules invalidation.
func (t *Table) DeleteByID(ctx context.Context, id any) (int64, error) {
	query, args := db.BuildDeleteByID(t.name, t.pkColumn(), id)
	_, affected, err := t.client.conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	t.afterWrite(ctx, nil, 0)
	t.maintainIndexOnWrite(ctx, fmt.Sprintf("%v", id), deleteMarker)
	return affected, nil
}

// afterWrite schedules background invalidation. The write has already
// committed; cache divergence from a lost invalidation is bounded by TTL.
func (t *Table) afterWrite(ctx context.Context, row map[string]any, lastID int64) {
	if !t.client.cfg.Cache.InvalidateOnWrite {
		return
	}
	t.client.invalidator.Schedule(t.name,
		t.client.cfg.Cache.CascadeInvalidation, t.client.cfg.Cache.Strategy)
}

var deleteMarker = map[string]any{}

// maintainIndexOnWrite keeps the inverted index in step with row mutations
// when rebuildOnWrite is configured. Failures are logged, never surfaced:
// index staleness is repaired by the next rebuild.
func (t *Table) maintainIndexOnWrite(ctx context.Context, docID string, data map[string]any) {
	ix, ok := t.client.indexes[t.name]
	if !ok {
		return
	}
	idxCfg, _ := t.client.cfg.IndexTable(t.name)
	if !idxCfg.RebuildOnWrite {
		return
	}
	var err error
	if isDeleteMarker(data) {
		err = ix.DeleteDocument(ctx, docID)
	} else {
		row, fetchErr := t.FindByID(ctx, docID, &FindOptions{SkipCache: true})
		if fetchErr != nil || row == nil {
			return
		}
		err = ix.UpdateDocument(ctx, docID, row)
	}
	if err != nil {
		t.client.log.Warn("index maintenance on write failed",
			zap.String("table", t.name), zap.String("doc", docID), zap.Error(err))
	}
}

func isDeleteMarker(data map[string]any) bool {
	return data != nil && len(data) == 0
}

func isReadStatement(sqlText string) bool {
	head := strings.ToUpper(strings.TrimSpace(sqlText))
	for _, prefix := range []string{"SELECT", "SHOW", "DESCRIBE", "EXPLAIN"} {
		if strings.HasPrefix(head, prefix) {
			return true
		}
	}
	return false
}

func (c *Client) recordHit(ctx context.Context) {
	c.hits.Add(1)
	if c.metrics != nil {
		telemetry.Add(ctx, c.metrics.CacheHits, 1)
	}
}

func (c *Client) recordMiss(ctx context.Context) {
	c.misses.Add(1)
	if c.metrics != nil {
		telemetry.Add(ctx, c.metrics.CacheMisses, 1)
	}
}
