package stats

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockMirror(t *testing.T) (*Mirror, sqlmock.Sqlmock) {
	t.Helper()
	pool, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return NewMirror(pool, "__sqldb_query_stats"), mock
}

func TestInitializeCreatesTable(t *testing.T) {
	m, mock := newMockMirror(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS `__sqldb_query_stats`").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, m.Initialize(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert(t *testing.T) {
	m, mock := newMockMirror(t)
	mock.ExpectExec("INSERT INTO `__sqldb_query_stats`").
		WithArgs("fp1", "users", "findMany", `{"where":{}}`,
			int64(3), sqlmock.AnyArg(), 12.5, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := m.Upsert(context.Background(), &Record{
		Fingerprint: "fp1",
		Table:       "users",
		Kind:        OpFindMany,
		FiltersJSON: `{"where":{}}`,
		AccessCount: 3,
		LastAccess:  time.Now(),
		AvgExecMs:   12.5,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad(t *testing.T) {
	m, mock := newMockMirror(t)
	accessed := time.Now().Add(-time.Minute)
	warmed := time.Now().Add(-30 * time.Second)

	mock.ExpectQuery("SELECT queryId, tableName, queryType").WillReturnRows(
		sqlmock.NewRows([]string{"queryId", "tableName", "queryType", "filters",
			"accessCount", "lastAccessedAt", "avgExecutionTime", "lastWarmingTime"}).
			AddRow("fp1", "users", "findMany", `{"where":{}}`, int64(5), accessed, 8.25, warmed).
			AddRow("fp2", "orders", "count", "", int64(2), accessed, 1.0, nil))

	records, err := m.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "fp1", records[0].Fingerprint)
	assert.Equal(t, OpFindMany, records[0].Kind)
	assert.Equal(t, int64(5), records[0].AccessCount)
	assert.Equal(t, warmed, records[0].LastWarm)
	assert.True(t, records[1].LastWarm.IsZero())
}

func TestLoadFromMirrorPrefersInMemory(t *testing.T) {
	m, mock := newMockMirror(t)
	mock.ExpectQuery("SELECT queryId, tableName, queryType").WillReturnRows(
		sqlmock.NewRows([]string{"queryId", "tableName", "queryType", "filters",
			"accessCount", "lastAccessedAt", "avgExecutionTime", "lastWarmingTime"}).
			AddRow("fp1", "users", "findMany", "", int64(99), time.Now(), 1.0, nil).
			AddRow("fp2", "users", "findMany", "", int64(7), time.Now(), 1.0, nil))

	tr := NewTracker(0, m, nil)
	tr.Observe("fp1", "users", OpFindMany, "d", nil, 5)

	require.NoError(t, tr.LoadFromMirror(context.Background()))

	rec, _ := tr.Get("fp1")
	assert.Equal(t, int64(1), rec.AccessCount) // in-memory record kept
	rec, ok := tr.Get("fp2")
	require.True(t, ok)
	assert.Equal(t, int64(7), rec.AccessCount)
}

func TestQuoteTable(t *testing.T) {
	assert.Equal(t, "`stats`", quoteTable("stats"))
	assert.Equal(t, "`we``ird`", quoteTable("we`ird"))
}
