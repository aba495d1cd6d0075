// Package fingerprint derives stable cache keys from query shapes.
//
// Two semantically equal queries must hash identically regardless of map
// iteration order, and fields that do not affect result identity
// (correlation id, skip-cache, relation expansion) are excluded before
// hashing. All functions here are pure.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Control fields stripped from options before hashing. They alter request
// handling, not result identity.
var exclusionFields = map[string]bool{
	"correlationId": true,
	"skipCache":     true,
	"withRelations": true,
}

// Key derives the cache key for a (table, op, where, options) query shape:
// <prefix>:cache:<table>:<op>:<hash>.
func Key(prefix, table, op string, where, options map[string]any) string {
	var b strings.Builder
	writeCanonical(&b, stripExclusions(where))
	b.WriteByte('|')
	writeCanonical(&b, stripExclusions(options))
	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%s:cache:%s:%s:%s", prefix, table, op, hex.EncodeToString(sum[:16]))
}

// IDKey derives the short-form key for a by-id lookup:
// <prefix>:cache:<table>:id:<id>.
func IDKey(prefix, table string, id any) string {
	return fmt.Sprintf("%s:cache:%s:id:%v", prefix, table, id)
}

// TablePattern is the scan pattern matching every cached query for table.
func TablePattern(prefix, table string) string {
	return fmt.Sprintf("%s:cache:%s:*", prefix, table)
}

// FiltersDigest is a short digest of a where clause, used by the stats
// tracker to group accesses without storing full filter payloads.
func FiltersDigest(where map[string]any) string {
	var b strings.Builder
	writeCanonical(&b, stripExclusions(where))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

func stripExclusions(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if exclusionFields[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// writeCanonical serializes v deterministically: map keys sorted
// lexicographically, slices in order, scalars via %v with an explicit type
// discriminator so "1" and 1 do not collide.
func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		b.WriteString("~")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case []string:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case string:
		fmt.Fprintf(b, "s(%s)", val)
	case bool:
		fmt.Fprintf(b, "b(%t)", val)
	// Ints and floats share one representation: filters round-trip
	// through JSON between the façade and the warmer, and 5 must keep
	// hashing like 5.0 after that trip.
	case float32, float64, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		fmt.Fprintf(b, "n(%v)", val)
	default:
		fmt.Fprintf(b, "v(%v)", val)
	}
}
