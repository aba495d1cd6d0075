// Package telemetry provides OpenTelemetry metrics for the façade.
//
// Metrics are disabled by default (no-op meter, zero overhead). Set
// RELCACHE_OTEL_STDOUT=true to export periodic metric dumps to stderr, or
// install any MeterProvider globally before calling Init.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationScope = "github.com/relcache/relcache"

// Metrics bundles the façade's instruments. The zero value is unusable;
// construct with Init.
type Metrics struct {
	CacheHits       metric.Int64Counter
	CacheMisses     metric.Int64Counter
	InvalidatedKeys metric.Int64Counter
	StoreDegraded   metric.Int64Counter
	WarmCycles      metric.Int64Counter
	WarmFailures    metric.Int64Counter

	shutdown func(context.Context) error
}

// Init creates the façade instruments on the global meter provider. When
// RELCACHE_OTEL_STDOUT=true a periodic stdout exporter is installed first.
func Init(ctx context.Context) (*Metrics, error) {
	m := &Metrics{}

	if os.Getenv("RELCACHE_OTEL_STDOUT") == "true" {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp,
				sdkmetric.WithInterval(30*time.Second))),
		)
		otel.SetMeterProvider(mp)
		m.shutdown = mp.Shutdown
	}

	meter := otel.Meter(instrumentationScope)
	var err error
	if m.CacheHits, err = meter.Int64Counter("relcache.cache.hits"); err != nil {
		return nil, err
	}
	if m.CacheMisses, err = meter.Int64Counter("relcache.cache.misses"); err != nil {
		return nil, err
	}
	if m.InvalidatedKeys, err = meter.Int64Counter("relcache.cache.invalidated_keys"); err != nil {
		return nil, err
	}
	if m.StoreDegraded, err = meter.Int64Counter("relcache.store.degraded"); err != nil {
		return nil, err
	}
	if m.WarmCycles, err = meter.Int64Counter("relcache.warmer.cycles"); err != nil {
		return nil, err
	}
	if m.WarmFailures, err = meter.Int64Counter("relcache.warmer.failures"); err != nil {
		return nil, err
	}
	return m, nil
}

// Shutdown flushes the stdout exporter when one was installed.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.shutdown == nil {
		return nil
	}
	return m.shutdown(ctx)
}

// Add is a nil-safe counter increment helper.
func Add(ctx context.Context, c metric.Int64Counter, n int64) {
	if c != nil {
		c.Add(ctx, n)
	}
}
