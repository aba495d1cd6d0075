// Package cache implements the query-result cache entries and the
// write-invalidation engine.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relcache/relcache/internal/kv"
)

// CountTTLCap clamps the TTL of count-query entries. Counts churn faster
// than row sets, so they are always clamped regardless of the default TTL.
const CountTTLCap = 30 * time.Second

// RawTTL is the fixed TTL for raw-SQL entries.
const RawTTL = 60 * time.Second

// Entry is the stored form of one cached result.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
	TTLMs     int64           `json:"ttlMs"`
}

// Put marshals data into an Entry and writes it at key with the given TTL.
// Store degradation makes this a silent no-op.
func Put(ctx context.Context, store *kv.Store, key string, data any, ttl time.Duration) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("cache: marshaling entry: %w", err)
	}
	entry := Entry{Data: raw, CreatedAt: time.Now().UTC(), TTLMs: ttl.Milliseconds()}
	blob, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: marshaling envelope: %w", err)
	}
	return store.Set(ctx, key, string(blob), ttl)
}

// Get reads the entry at key and unmarshals its payload into out. found is
// false on miss or degraded store.
func Get(ctx context.Context, store *kv.Store, key string, out any) (found bool, err error) {
	val, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		// A corrupt entry is a miss; it will be overwritten on repopulate.
		return false, nil
	}
	if err := json.Unmarshal(entry.Data, out); err != nil {
		return false, nil
	}
	return true, nil
}

// TTLFor returns the TTL to apply for an operation kind, enforcing the
// count clamp and the fixed raw TTL.
func TTLFor(op string, defaultTTL time.Duration) time.Duration {
	switch op {
	case "count":
		if defaultTTL > CountTTLCap {
			return CountTTLCap
		}
		return defaultTTL
	case "raw":
		return RawTTL
	default:
		return defaultTTL
	}
}
