// Package warmer re-executes the most-accessed queries on a secondary
// connection pool and repopulates their cache entries before they expire.
package warmer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relcache/relcache/internal/cache"
	"github.com/relcache/relcache/internal/config"
	"github.com/relcache/relcache/internal/db"
	"github.com/relcache/relcache/internal/kv"
	"github.com/relcache/relcache/internal/logging"
	"github.com/relcache/relcache/internal/stats"
	"github.com/relcache/relcache/internal/telemetry"
)

// ErrUnwarmable marks a record whose query cannot be re-derived (search
// results, raw entries without stored SQL).
var ErrUnwarmable = errors.New("warmer: query cannot be re-derived")

// Report aggregates one warm cycle.
type Report struct {
	StartedAt     time.Time
	QueriesWarmed int
	QueriesFailed int
	TotalMs       int64
	HitRateBefore float64
	HitRateAfter  float64
}

// Warmer runs the periodic warm loop. It owns the secondary pool; user
// queries never borrow from it.
type Warmer struct {
	cfg     config.WarmingConfig
	tracker *stats.Tracker
	store   *kv.Store
	pool    *db.Conn
	log     *zap.Logger
	metrics *telemetry.Metrics

	// hitRate samples the façade's cache hit ratio for cycle reports.
	hitRate func() float64

	onComplete func(*Report)
	onError    func(error)

	mu         sync.Mutex
	running    bool
	lastReport *Report

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option configures a Warmer.
type Option func(*Warmer)

// WithCallbacks sets the completion and error callbacks.
func WithCallbacks(onComplete func(*Report), onError func(error)) Option {
	return func(w *Warmer) {
		w.onComplete = onComplete
		w.onError = onError
	}
}

// WithHitRate supplies the cache hit-ratio sampler used in reports.
func WithHitRate(fn func() float64) Option {
	return func(w *Warmer) { w.hitRate = fn }
}

// WithLogger sets the warmer logger.
func WithLogger(log *zap.Logger) Option {
	return func(w *Warmer) { w.log = logging.Or(log) }
}

// WithMetrics wires the cycle counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(w *Warmer) { w.metrics = m }
}

// New builds a warmer. pool is the secondary connection pool; the warmer
// closes it on Stop.
func New(cfg config.WarmingConfig, tracker *stats.Tracker, store *kv.Store, pool *db.Conn, opts ...Option) *Warmer {
	w := &Warmer{
		cfg:     cfg,
		tracker: tracker,
		store:   store,
		pool:    pool,
		log:     zap.NewNop(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs an immediate warm cycle and then warms at the configured
// interval until Stop.
func (w *Warmer) Start() {
	go func() {
		defer close(w.done)
		if _, err := w.WarmOnce(context.Background()); err != nil {
			w.log.Error("initial warm cycle failed", zap.Error(err))
		}
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				if _, err := w.WarmOnce(context.Background()); err != nil {
					w.log.Error("warm cycle failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop cancels the loop and closes the secondary pool.
func (w *Warmer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		<-w.done
		if w.pool != nil {
			if err := w.pool.Close(); err != nil {
				w.log.Warn("closing warming pool", zap.Error(err))
			}
		}
	})
}

// WarmOnce runs a single cycle. While a cycle is in flight, overlapping
// calls return the previous cycle's report without starting a new one.
func (w *Warmer) WarmOnce(ctx context.Context) (*Report, error) {
	w.mu.Lock()
	if w.running {
		prev := w.lastReport
		w.mu.Unlock()
		return prev, nil
	}
	w.running = true
	w.mu.Unlock()

	report, err := w.runCycle(ctx)

	w.mu.Lock()
	w.running = false
	if report != nil {
		w.lastReport = report
	}
	w.mu.Unlock()

	if err != nil {
		if w.metrics != nil {
			telemetry.Add(ctx, w.metrics.WarmFailures, 1)
		}
		if w.onError != nil {
			w.onError(err)
		}
		return report, err
	}
	if w.metrics != nil {
		telemetry.Add(ctx, w.metrics.WarmCycles, 1)
	}
	if w.onComplete != nil {
		w.onComplete(report)
	}
	return report, nil
}

func (w *Warmer) runCycle(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{StartedAt: start}
	if w.hitRate != nil {
		report.HitRateBefore = w.hitRate()
	}

	var selected []stats.Record
	for _, table := range w.tracker.Tables() {
		for _, rec := range w.tracker.TopQueries(table, w.cfg.TopQueriesPerTable, w.cfg.MinAccessCount) {
			// Records that cannot be re-derived are skipped up front so
			// they never show up as failures cycle after cycle.
			if !warmable(rec) {
				continue
			}
			selected = append(selected, rec)
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	limit := w.cfg.WarmingPoolSize
	if limit <= 0 {
		limit = 3
	}
	g.SetLimit(limit)

	for _, rec := range selected {
		rec := rec
		g.Go(func() error {
			err := w.warmQuery(gctx, rec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// One failed query never aborts the cycle.
				report.QueriesFailed++
				w.log.Warn("warming query failed",
					zap.String("fingerprint", rec.Fingerprint),
					zap.String("table", rec.Table),
					zap.Error(err))
				return nil
			}
			report.QueriesWarmed++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("warmer: cycle aborted: %w", err)
	}

	report.TotalMs = time.Since(start).Milliseconds()
	if w.hitRate != nil {
		report.HitRateAfter = w.hitRate()
	}
	w.log.Info("warm cycle complete",
		zap.Int("warmed", report.QueriesWarmed),
		zap.Int("failed", report.QueriesFailed),
		zap.Int64("totalMs", report.TotalMs))
	return report, nil
}

// storedFilters is the shape the façade persists in a record's filters
// payload so the query can be re-derived here.
type storedFilters struct {
	Where   map[string]any `json:"where,omitempty"`
	Options map[string]any `json:"options,omitempty"`
	SQL     string         `json:"sql,omitempty"`
	Params  []any          `json:"params,omitempty"`
}

// warmable reports whether a record's query can be re-derived. Search
// results and raw entries without stored SQL cannot.
func warmable(rec stats.Record) bool {
	switch rec.Kind {
	case stats.OpFindMany, stats.OpFindOne, stats.OpFindByID, stats.OpCount:
		return true
	case stats.OpRaw:
		if rec.FiltersJSON == "" {
			return false
		}
		var filters storedFilters
		if err := json.Unmarshal([]byte(rec.FiltersJSON), &filters); err != nil {
			return false
		}
		return filters.SQL != ""
	default:
		return false
	}
}

func (w *Warmer) warmQuery(ctx context.Context, rec stats.Record) error {
	var filters storedFilters
	if rec.FiltersJSON != "" {
		if err := json.Unmarshal([]byte(rec.FiltersJSON), &filters); err != nil {
			return fmt.Errorf("warmer: decoding filters: %w", err)
		}
	}

	execStart := time.Now()
	var (
		result any
		ttl    time.Duration
		err    error
	)
	switch rec.Kind {
	case stats.OpFindMany, stats.OpFindOne, stats.OpFindByID:
		result, err = w.execFind(ctx, rec, filters)
		ttl = w.warmTTL(cache.TTLFor(string(rec.Kind), 0))
	case stats.OpCount:
		result, err = w.execCount(ctx, rec, filters)
		ttl = w.warmTTL(cache.CountTTLCap)
	case stats.OpRaw:
		if filters.SQL == "" {
			return ErrUnwarmable
		}
		result, err = w.pool.QueryMaps(ctx, filters.SQL, filters.Params...)
		ttl = w.warmTTL(cache.RawTTL)
	default:
		return ErrUnwarmable
	}
	if err != nil {
		return err
	}
	execMs := float64(time.Since(execStart).Microseconds()) / 1000

	// The tracker fingerprint is the cache key the façade read from, so
	// warming under it repopulates the exact entry, id-keyed lookups
	// included.
	if err := cache.Put(ctx, w.store, rec.Fingerprint, result, ttl); err != nil {
		return err
	}
	w.tracker.SetLastWarm(rec.Fingerprint, time.Now())
	w.log.Debug("warmed query",
		zap.String("fingerprint", rec.Fingerprint),
		zap.Float64("execMs", execMs))
	return nil
}

func (w *Warmer) execFind(ctx context.Context, rec stats.Record, filters storedFilters) (any, error) {
	expr, err := db.ParseWhere(filters.Where)
	if err != nil {
		return nil, err
	}
	spec := db.SelectSpec{Table: rec.Table, Where: expr}
	applyOptions(&spec, filters.Options)
	if rec.Kind == stats.OpFindOne || rec.Kind == stats.OpFindByID {
		spec.Limit = 1
	}
	query, args, err := db.BuildSelect(spec)
	if err != nil {
		return nil, err
	}
	rows, err := w.pool.QueryMaps(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if rec.Kind == stats.OpFindMany {
		return rows, nil
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (w *Warmer) execCount(ctx context.Context, rec stats.Record, filters storedFilters) (any, error) {
	expr, err := db.ParseWhere(filters.Where)
	if err != nil {
		return nil, err
	}
	query, args, err := db.BuildSelect(db.SelectSpec{Table: rec.Table, Where: expr, Count: true})
	if err != nil {
		return nil, err
	}
	return w.pool.QueryCount(ctx, query, args...)
}

// warmTTL returns the configured warming TTL clamped by the operation's
// own cap.
func (w *Warmer) warmTTL(upper time.Duration) time.Duration {
	ttl := w.cfg.WarmTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if upper > 0 && ttl > upper {
		return upper
	}
	return ttl
}

func applyOptions(spec *db.SelectSpec, options map[string]any) {
	if options == nil {
		return
	}
	if v, ok := options["limit"]; ok {
		spec.Limit = toInt(v)
	}
	if v, ok := options["offset"]; ok {
		spec.Offset = toInt(v)
	}
	if v, ok := options["select"]; ok {
		if items, ok := v.([]any); ok {
			for _, item := range items {
				if s, ok := item.(string); ok {
					spec.Columns = append(spec.Columns, s)
				}
			}
		}
	}
	if v, ok := options["orderBy"]; ok {
		if items, ok := v.([]any); ok {
			for _, item := range items {
				entry, ok := item.(map[string]any)
				if !ok {
					continue
				}
				col, _ := entry["column"].(string)
				if col == "" {
					continue
				}
				desc, _ := entry["desc"].(bool)
				spec.OrderBy = append(spec.OrderBy, db.OrderBy{Column: col, Desc: desc})
			}
		}
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
