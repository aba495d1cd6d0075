// Package relcache is a caching and search façade for MySQL/MariaDB,
// backed by Redis as both query-result cache and index substrate.
//
// A Client discovers the database schema once at open, builds the FK
// dependency graph that drives cascade invalidation, and hands out
// table-scoped operation handles via Table. Reads are cached read-through;
// writes invalidate in the background; configured tables additionally get
// full-text and geo search plus automatic cache warming.
package relcache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/relcache/relcache/internal/cache"
	"github.com/relcache/relcache/internal/config"
	"github.com/relcache/relcache/internal/db"
	"github.com/relcache/relcache/internal/depgraph"
	"github.com/relcache/relcache/internal/geo"
	"github.com/relcache/relcache/internal/kv"
	"github.com/relcache/relcache/internal/logging"
	"github.com/relcache/relcache/internal/schema"
	"github.com/relcache/relcache/internal/search"
	"github.com/relcache/relcache/internal/stats"
	"github.com/relcache/relcache/internal/telemetry"
	"github.com/relcache/relcache/internal/warmer"
)

// ErrUnknownTable is returned when an operation names a table that
// discovery did not find.
var ErrUnknownTable = errors.New("relcache: unknown table")

// Record is one database row as a column-keyed map.
type Record = map[string]any

// Config re-exports the configuration tree.
type Config = config.Config

// Client is the façade handle. Construct with Open (live connections) or
// New (caller-supplied dependencies, used by tests); tear down with Close.
// There is no package-level singleton.
type Client struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *telemetry.Metrics

	conn     *db.Conn
	store    *kv.Store
	snapshot *schema.Snapshot
	graph    *depgraph.Graph

	invalidator *cache.Invalidator
	tracker     *stats.Tracker
	warm        *warmer.Warmer

	indexes map[string]*search.Index
	geos    map[string]*geo.Engine

	hits   atomic.Int64
	misses atomic.Int64
}

// Deps are the externally constructed collaborators New wires together.
// SecondaryConn may be nil when warming is disabled or shares the pool;
// Metrics may be nil when telemetry is off.
type Deps struct {
	Conn          *db.Conn
	SecondaryConn *db.Conn
	Store         *kv.Store
	Discoverer    schema.Discoverer
	Logger        *zap.Logger
	Metrics       *telemetry.Metrics
}

// Open validates cfg, connects the database and the store, runs schema
// discovery and assembles the façade. Configuration problems fail here,
// never at first use.
func Open(ctx context.Context, cfg config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logging.New("info")

	conn, err := db.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.QueryTimeout)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relcache: database unreachable: %w", err)
	}

	metrics, err := telemetry.Init(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}

	store, err := kv.Open(ctx, cfg.Store.URL, cfg.Store.ConnectTimeout,
		kv.WithLogger(log), kv.WithMetrics(metrics))
	if err != nil {
		conn.Close()
		return nil, err
	}

	deps := Deps{
		Conn:       conn,
		Store:      store,
		Discoverer: schema.NewMySQLDiscoverer(conn.DB(), cfg.Database.Name, log),
		Logger:     log,
		Metrics:    metrics,
	}
	if cfg.Warming.Enabled && cfg.Warming.UseSeparatePool {
		secondary, err := db.Open(cfg.Database.DSN, cfg.Warming.WarmingPoolSize,
			cfg.Warming.WarmingPoolSize, cfg.Database.ConnMaxLifetime, cfg.Database.QueryTimeout)
		if err != nil {
			store.Close()
			conn.Close()
			return nil, fmt.Errorf("relcache: opening warming pool: %w", err)
		}
		deps.SecondaryConn = secondary
	}

	client, err := New(ctx, cfg, deps)
	if err != nil {
		if deps.SecondaryConn != nil {
			deps.SecondaryConn.Close()
		}
		store.Close()
		conn.Close()
		return nil, err
	}
	return client, nil
}

// New assembles a Client from caller-supplied dependencies. cfg must
// already validate; every configured search/geo table must exist in the
// discovered schema.
func New(ctx context.Context, cfg config.Config, deps Deps) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logging.Or(deps.Logger)

	snapshot, err := deps.Discoverer.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("relcache: schema discovery: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		log:      log,
		metrics:  deps.Metrics,
		conn:     deps.Conn,
		store:    deps.Store,
		snapshot: snapshot,
		graph:    depgraph.Build(snapshot.Relationships),
		indexes:  make(map[string]*search.Index),
		geos:     make(map[string]*geo.Engine),
	}

	c.invalidator = cache.NewInvalidator(cfg.Env, c.store, c.graph, log, deps.Metrics)

	var mirror *stats.Mirror
	if cfg.Warming.TrackInDatabase {
		mirror = stats.NewMirror(deps.Conn.DB(), cfg.Warming.StatsTableName)
		if err := mirror.Initialize(ctx); err != nil {
			return nil, err
		}
	}
	c.tracker = stats.NewTracker(cfg.Warming.MaxStatsAge, mirror, log)
	if mirror != nil {
		if err := c.tracker.LoadFromMirror(ctx); err != nil {
			log.Warn("loading stats mirror", zap.Error(err))
		}
	}

	for table := range cfg.Search.InvertedIndex {
		if !snapshot.HasTable(table) {
			return nil, fmt.Errorf("%w: search table %q", ErrUnknownTable, table)
		}
		idxCfg, _ := cfg.IndexTable(table)
		c.indexes[table] = search.NewIndex(cfg.Env, table, idxCfg, c.store, log)
	}
	for table := range cfg.Search.Geo {
		if !snapshot.HasTable(table) {
			return nil, fmt.Errorf("%w: geo table %q", ErrUnknownTable, table)
		}
		geoCfg, _ := cfg.GeoTable(table)
		c.geos[table] = geo.NewEngine(cfg.Env, table, geoCfg, c.store, log)
	}

	if cfg.Warming.Enabled {
		pool := deps.SecondaryConn
		if pool == nil {
			pool = deps.Conn
		}
		c.warm = warmer.New(cfg.Warming, c.tracker, c.store, pool,
			warmer.WithLogger(log),
			warmer.WithHitRate(c.HitRatio),
			warmer.WithMetrics(deps.Metrics))
		c.warm.Start()
	}
	return c, nil
}

// Table returns the operations handle for a discovered table.
func (c *Client) Table(name string) (*Table, error) {
	tbl, ok := c.snapshot.Tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return &Table{client: c, name: name, meta: tbl}, nil
}

// Graph returns the FK dependency graph built at discovery.
func (c *Client) Graph() *depgraph.Graph { return c.graph }

// Schema returns the discovery snapshot.
func (c *Client) Schema() *schema.Snapshot { return c.snapshot }

// Stats returns the query-stats tracker.
func (c *Client) Stats() *stats.Tracker { return c.tracker }

// Invalidator returns the invalidation engine.
func (c *Client) Invalidator() *cache.Invalidator { return c.invalidator }

// HitRatio reports the cache hit ratio since open, 0 when nothing was
// looked up yet.
func (c *Client) HitRatio() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// WarmOnce triggers a warm cycle immediately. Returns nil when warming is
// disabled.
func (c *Client) WarmOnce(ctx context.Context) (*warmer.Report, error) {
	if c.warm == nil {
		return nil, nil
	}
	return c.warm.WarmOnce(ctx)
}

// Ping verifies both backends.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return fmt.Errorf("relcache: database: %w", err)
	}
	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("relcache: store: %w", err)
	}
	return nil
}

// Close stops the warmer, waits for in-flight invalidations and releases
// both connections.
func (c *Client) Close() error {
	if c.warm != nil {
		c.warm.Stop()
	}
	c.invalidator.Wait()
	var firstErr error
	if err := c.store.Close(); err != nil {
		firstErr = err
	}
	if err := c.conn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if c.metrics != nil {
		if err := c.metrics.Shutdown(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
