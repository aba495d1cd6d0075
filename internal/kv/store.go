// Package kv wraps the Redis client used as both query cache and index
// substrate.
//
// The cache path (Get/Set/Del) degrades when the store is unhealthy: reads
// become misses and writes become no-ops, so a Redis outage never fails a
// database operation. Index engines use Client() directly and surface their
// own errors.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relcache/relcache/internal/logging"
	"github.com/relcache/relcache/internal/telemetry"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv: store is closed")

// scanBatch bounds every SCAN request. Enumeration always uses SCAN with a
// pattern; KEYS is never issued.
const scanBatch = 100

const probeInterval = 2 * time.Second

// Store wraps a Redis client with health tracking.
type Store struct {
	client  *redis.Client
	log     *zap.Logger
	metrics *telemetry.Metrics

	healthy atomic.Bool
	closed  atomic.Bool
	probing atomic.Bool
	wg      sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = logging.Or(log) }
}

// WithMetrics wires the degraded-operation counter.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Open connects to the store at url (redis://...). The initial connection
// retries with exponential backoff bounded by connectTimeout.
func Open(ctx context.Context, url string, connectTimeout time.Duration, opts ...Option) (*Store, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv: invalid store URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	policy := backoff.WithContext(
		backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(connectTimeout)), ctx)
	if err := backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}, policy); err != nil {
		client.Close()
		return nil, fmt.Errorf("kv: connect failed: %w", err)
	}

	return New(client, opts...), nil
}

// New wraps an already-connected client. Tests pass a miniredis-backed
// client here.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.healthy.Store(true)
	return s
}

// Client exposes the underlying Redis client for the index engines.
func (s *Store) Client() *redis.Client { return s.client }

// Healthy reports whether the store is currently usable.
func (s *Store) Healthy() bool { return s.healthy.Load() && !s.closed.Load() }

// Ping checks connectivity directly, bypassing the health gate.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.client.Ping(ctx).Err()
}

// Get returns the value at key. found is false on miss and whenever the
// store is degraded; the error is reserved for the closed state.
func (s *Store) Get(ctx context.Context, key string) (value string, found bool, err error) {
	if s.closed.Load() {
		return "", false, ErrClosed
	}
	if !s.healthy.Load() {
		s.degraded(ctx, "get")
		return "", false, nil
	}
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		s.markUnhealthy(err)
		s.degraded(ctx, "get")
		return "", false, nil
	}
	return val, true, nil
}

// Set writes key with a TTL. Degrades to a no-op when unhealthy.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.healthy.Load() {
		s.degraded(ctx, "set")
		return nil
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		s.markUnhealthy(err)
		s.degraded(ctx, "set")
	}
	return nil
}

// Del removes the given keys and returns how many existed.
func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		s.markUnhealthy(err)
		return 0, err
	}
	return n, nil
}

// ScanPattern enumerates every key matching pattern using cursor-based SCAN
// in batches of at most 100. The caller supplies fully prefixed patterns.
func (s *Store) ScanPattern(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			s.markUnhealthy(err)
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// DeletePattern scan-deletes every key matching pattern and returns the
// number of keys removed.
func (s *Store) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	keys, err := s.ScanPattern(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	var deleted int64
	// DEL in bounded batches so a large namespace cannot block the store.
	for start := 0; start < len(keys); start += scanBatch {
		end := start + scanBatch
		if end > len(keys) {
			end = len(keys)
		}
		n, err := s.Del(ctx, keys[start:end]...)
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, nil
}

// MemoryUsage reports the approximate bytes used by key, 0 when unknown.
func (s *Store) MemoryUsage(ctx context.Context, key string) int64 {
	if s.closed.Load() || !s.healthy.Load() {
		return 0
	}
	n, err := s.client.MemoryUsage(ctx, key).Result()
	if err != nil {
		return 0
	}
	return n
}

// Close releases the client. Outstanding health probes are waited for.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.wg.Wait()
	return s.client.Close()
}

func (s *Store) degraded(ctx context.Context, op string) {
	if s.metrics != nil {
		telemetry.Add(ctx, s.metrics.StoreDegraded, 1)
	}
	s.log.Warn("store degraded, cache bypassed", zap.String("op", op))
}

// markUnhealthy flips the health gate and starts a single background probe
// that restores it once PING succeeds again.
func (s *Store) markUnhealthy(cause error) {
	if !s.healthy.Swap(false) {
		return // already unhealthy, probe running
	}
	s.log.Warn("store unhealthy", zap.Error(cause))
	if s.probing.Swap(true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.probing.Store(false)
		for !s.closed.Load() {
			time.Sleep(probeInterval)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := s.client.Ping(ctx).Err()
			cancel()
			if err == nil {
				s.healthy.Store(true)
				s.log.Info("store healthy again")
				return
			}
		}
	}()
}
