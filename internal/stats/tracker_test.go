package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveInsertsAndAggregates(t *testing.T) {
	tr := NewTracker(0, nil, nil)

	tr.Observe("fp1", "users", OpFindMany, "digest", map[string]any{"where": map[string]any{"a": 1}}, 10)
	rec, ok := tr.Get("fp1")
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.AccessCount)
	assert.InDelta(t, 10, rec.AvgExecMs, 1e-9)
	assert.JSONEq(t, `{"where":{"a":1}}`, rec.FiltersJSON)

	tr.Observe("fp1", "users", OpFindMany, "digest", nil, 30)
	rec, _ = tr.Get("fp1")
	assert.Equal(t, int64(2), rec.AccessCount)
	// Incremental mean: 10 + (30-10)/2.
	assert.InDelta(t, 20, rec.AvgExecMs, 1e-9)

	tr.Observe("fp1", "users", OpFindMany, "digest", nil, 32)
	rec, _ = tr.Get("fp1")
	assert.InDelta(t, 24, rec.AvgExecMs, 1e-9)
}

func TestFiltersRetainedFromFirstObservation(t *testing.T) {
	tr := NewTracker(0, nil, nil)
	tr.Observe("fp1", "users", OpFindMany, "d", map[string]any{"where": map[string]any{"a": 1}}, 1)
	tr.Observe("fp1", "users", OpFindMany, "d", nil, 1)

	rec, _ := tr.Get("fp1")
	assert.NotEmpty(t, rec.FiltersJSON)
}

func TestTables(t *testing.T) {
	tr := NewTracker(0, nil, nil)
	tr.Observe("fp1", "users", OpFindMany, "d", nil, 1)
	tr.Observe("fp2", "orders", OpCount, "d", nil, 1)
	tr.Observe("fp3", "users", OpFindOne, "d", nil, 1)

	assert.Equal(t, []string{"orders", "users"}, tr.Tables())
}

func TestTopQueriesRanking(t *testing.T) {
	tr := NewTracker(0, nil, nil)
	for i := 0; i < 5; i++ {
		tr.Observe("hot", "users", OpFindMany, "d", nil, 5)
	}
	for i := 0; i < 3; i++ {
		tr.Observe("warm-slow", "users", OpFindMany, "d", nil, 100)
		tr.Observe("warm-fast", "users", OpFindMany, "d", nil, 1)
	}
	tr.Observe("cold", "users", OpFindMany, "d", nil, 1)

	top := tr.TopQueries("users", 10, 2)
	require.Len(t, top, 3) // cold misses the access floor
	assert.Equal(t, "hot", top[0].Fingerprint)
	// Ties on access count rank the slower query first.
	assert.Equal(t, "warm-slow", top[1].Fingerprint)
	assert.Equal(t, "warm-fast", top[2].Fingerprint)

	top = tr.TopQueries("users", 1, 1)
	require.Len(t, top, 1)
	assert.Equal(t, "hot", top[0].Fingerprint)
}

func TestTopQueriesIgnoresOtherTables(t *testing.T) {
	tr := NewTracker(0, nil, nil)
	tr.Observe("fp1", "users", OpFindMany, "d", nil, 1)
	tr.Observe("fp2", "orders", OpFindMany, "d", nil, 1)

	top := tr.TopQueries("users", 10, 1)
	require.Len(t, top, 1)
	assert.Equal(t, "fp1", top[0].Fingerprint)
}

func TestTopQueriesMaxAge(t *testing.T) {
	tr := NewTracker(time.Hour, nil, nil)
	tr.Observe("stale", "users", OpFindMany, "d", nil, 1)
	tr.Observe("stale", "users", OpFindMany, "d", nil, 1)

	// Backdate the record past the age window.
	tr.mu.Lock()
	tr.records["stale"].LastAccess = time.Now().Add(-2 * time.Hour)
	tr.mu.Unlock()

	assert.Empty(t, tr.TopQueries("users", 10, 1))
}

func TestSetLastWarm(t *testing.T) {
	tr := NewTracker(0, nil, nil)
	tr.Observe("fp1", "users", OpFindMany, "d", nil, 1)

	at := time.Now()
	tr.SetLastWarm("fp1", at)
	rec, _ := tr.Get("fp1")
	assert.Equal(t, at, rec.LastWarm)

	// Unknown fingerprints are ignored.
	tr.SetLastWarm("nope", at)
}
