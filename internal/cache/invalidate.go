package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relcache/relcache/internal/config"
	"github.com/relcache/relcache/internal/depgraph"
	"github.com/relcache/relcache/internal/fingerprint"
	"github.com/relcache/relcache/internal/kv"
	"github.com/relcache/relcache/internal/logging"
	"github.com/relcache/relcache/internal/telemetry"
)

// Invalidator deletes cached entries for mutated tables, optionally
// cascading along the FK dependency graph.
type Invalidator struct {
	prefix  string
	store   *kv.Store
	graph   *depgraph.Graph
	log     *zap.Logger
	metrics *telemetry.Metrics

	wg sync.WaitGroup
}

// NewInvalidator builds the engine. graph must be the build-once discovery
// graph; it is exposed via Graph for consumers that need traversal.
func NewInvalidator(prefix string, store *kv.Store, graph *depgraph.Graph, log *zap.Logger, metrics *telemetry.Metrics) *Invalidator {
	return &Invalidator{
		prefix:  prefix,
		store:   store,
		graph:   graph,
		log:     logging.Or(log),
		metrics: metrics,
	}
}

// Graph returns the dependency graph backing cascade computation.
func (inv *Invalidator) Graph() *depgraph.Graph { return inv.graph }

// Invalidate synchronously deletes every cached entry for table and, with
// cascade, for its transitive dependents. It returns the number of keys
// deleted. The lazy and ttl-only strategies delete nothing.
func (inv *Invalidator) Invalidate(ctx context.Context, table string, cascade bool, strategy config.InvalidationStrategy) (int64, error) {
	if strategy == config.StrategyLazy || strategy == config.StrategyTTLOnly {
		return 0, nil
	}
	targets := inv.graph.InvalidationTargets(table, cascade)
	var deleted int64
	for _, target := range targets {
		n, err := inv.store.DeletePattern(ctx, fingerprint.TablePattern(inv.prefix, target))
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	if inv.metrics != nil {
		telemetry.Add(ctx, inv.metrics.InvalidatedKeys, deleted)
	}
	if deleted > 0 {
		inv.log.Debug("invalidated cache keys",
			zap.String("table", table),
			zap.Bool("cascade", cascade),
			zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

// Schedule runs Invalidate in the background. Writes never wait on
// invalidation; failures are logged and counted, and cache divergence stays
// bounded by entry TTLs.
func (inv *Invalidator) Schedule(table string, cascade bool, strategy config.InvalidationStrategy) {
	inv.wg.Add(1)
	go func() {
		defer inv.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := inv.Invalidate(ctx, table, cascade, strategy); err != nil {
			if inv.metrics != nil {
				telemetry.Add(ctx, inv.metrics.StoreDegraded, 1)
			}
			inv.log.Error("background invalidation failed",
				zap.String("table", table), zap.Error(err))
		}
	}()
}

// Wait blocks until all scheduled invalidations finish. Tests and Close use
// it; the hot path never does.
func (inv *Invalidator) Wait() { inv.wg.Wait() }
