// Package stats tracks per-fingerprint query access patterns for the
// auto-warmer. The in-memory map is authoritative for ranking; the optional
// database mirror lets rankings survive restarts.
package stats

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relcache/relcache/internal/logging"
)

// OpKind classifies a tracked read operation.
type OpKind string

const (
	OpFindMany OpKind = "findMany"
	OpFindOne  OpKind = "findOne"
	OpFindByID OpKind = "findById"
	OpCount    OpKind = "count"
	OpRaw      OpKind = "raw"
	OpSearch   OpKind = "search"
)

// Record is the tracked state of one query fingerprint. AvgExecMs is a
// running mean maintained by the incremental formula; no sample history is
// kept.
type Record struct {
	Fingerprint   string
	Table         string
	Kind          OpKind
	FiltersDigest string
	FiltersJSON   string
	AccessCount   int64
	LastAccess    time.Time
	AvgExecMs     float64
	LastWarm      time.Time
}

// Tracker is the in-memory access tracker.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*Record
	maxAge  time.Duration
	mirror  *Mirror
	log     *zap.Logger
}

// NewTracker builds a tracker. mirror may be nil. Records older than
// maxAge are excluded from ranking; zero disables the age filter.
func NewTracker(maxAge time.Duration, mirror *Mirror, log *zap.Logger) *Tracker {
	return &Tracker{
		records: make(map[string]*Record),
		maxAge:  maxAge,
		mirror:  mirror,
		log:     logging.Or(log),
	}
}

// Observe records one access. Known fingerprints increment their count and
// fold the sample into the running mean; unknown ones are inserted.
// Tracking never fails the caller: mirror writes are fire-and-forget.
func (t *Tracker) Observe(fingerprint, table string, kind OpKind, digest string, filters map[string]any, execMs float64) {
	now := time.Now()

	t.mu.Lock()
	rec, ok := t.records[fingerprint]
	if !ok {
		filtersJSON := ""
		if len(filters) > 0 {
			if raw, err := json.Marshal(filters); err == nil {
				filtersJSON = string(raw)
			}
		}
		rec = &Record{
			Fingerprint:   fingerprint,
			Table:         table,
			Kind:          kind,
			FiltersDigest: digest,
			FiltersJSON:   filtersJSON,
			AccessCount:   1,
			AvgExecMs:     execMs,
		}
		t.records[fingerprint] = rec
	} else {
		rec.AccessCount++
		rec.AvgExecMs += (execMs - rec.AvgExecMs) / float64(rec.AccessCount)
	}
	rec.LastAccess = now
	snapshot := *rec
	t.mu.Unlock()

	if t.mirror != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := t.mirror.Upsert(ctx, &snapshot); err != nil {
				t.log.Debug("stats mirror write dropped", zap.Error(err))
			}
		}()
	}
}

// SetLastWarm stamps the record's last warming time.
func (t *Tracker) SetLastWarm(fingerprint string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[fingerprint]; ok {
		rec.LastWarm = at
	}
}

// Get returns a copy of the record for fingerprint.
func (t *Tracker) Get(fingerprint string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[fingerprint]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Tables returns every table with at least one tracked record.
func (t *Tracker) Tables() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, rec := range t.records {
		if !seen[rec.Table] {
			seen[rec.Table] = true
			out = append(out, rec.Table)
		}
	}
	sort.Strings(out)
	return out
}

// TopQueries ranks the table's records by access count descending, with
// slower queries first among ties (warming a slow query buys more).
// Records below minAccessCount or older than the configured max age are
// excluded.
func (t *Tracker) TopQueries(table string, limit int, minAccessCount int64) []Record {
	cutoff := time.Time{}
	if t.maxAge > 0 {
		cutoff = time.Now().Add(-t.maxAge)
	}

	t.mu.Lock()
	var candidates []Record
	for _, rec := range t.records {
		if rec.Table != table || rec.AccessCount < minAccessCount {
			continue
		}
		if !cutoff.IsZero() && rec.LastAccess.Before(cutoff) {
			continue
		}
		candidates = append(candidates, *rec)
	}
	t.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].AccessCount != candidates[j].AccessCount {
			return candidates[i].AccessCount > candidates[j].AccessCount
		}
		return candidates[i].AvgExecMs > candidates[j].AvgExecMs
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// LoadFromMirror seeds the in-memory map from the mirror table. Existing
// in-memory records win on conflict.
func (t *Tracker) LoadFromMirror(ctx context.Context) error {
	if t.mirror == nil {
		return nil
	}
	records, err := t.mirror.Load(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range records {
		if _, ok := t.records[rec.Fingerprint]; !ok {
			copied := rec
			t.records[rec.Fingerprint] = &copied
		}
	}
	return nil
}
