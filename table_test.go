package relcache

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relcache/relcache/internal/cache"
	"github.com/relcache/relcache/internal/config"
	"github.com/relcache/relcache/internal/fingerprint"
	"github.com/relcache/relcache/internal/stats"
)

func TestFindManyMissThenHit(t *testing.T) {
	f := newClientFixture(t, nil)
	users := f.table(t, "users")
	ctx := context.Background()
	where := map[string]any{"status": "active"}

	f.mock.ExpectQuery("SELECT * FROM `users` WHERE `status` = ?").
		WithArgs("active").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).
			AddRow(int64(1), "active").
			AddRow(int64(2), "active"))

	rows, err := users.FindMany(ctx, where, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0]["id"])

	// Second call is served from the store; values went through JSON.
	rows, err = users.FindMany(ctx, where, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, float64(1), rows[0]["id"])
	assert.Equal(t, "active", rows[0]["status"])

	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestFindManySkipCache(t *testing.T) {
	f := newClientFixture(t, nil)
	users := f.table(t, "users")
	ctx := context.Background()
	opts := &FindOptions{SkipCache: true}

	for i := 0; i < 2; i++ {
		f.mock.ExpectQuery("SELECT * FROM `users`").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	}

	_, err := users.FindMany(ctx, nil, opts)
	require.NoError(t, err)
	_, err = users.FindMany(ctx, nil, opts)
	require.NoError(t, err)

	require.NoError(t, f.mock.ExpectationsWereMet())
	assert.Empty(t, f.mr.Keys())
	// The cache was never consulted, so the hit ratio stays untouched.
	assert.Zero(t, f.client.HitRatio())
}

func TestFindManyAppliesOptions(t *testing.T) {
	f := newClientFixture(t, nil)
	users := f.table(t, "users")

	f.mock.ExpectQuery("SELECT `id`, `name` FROM `users` WHERE `status` = ? ORDER BY `name` DESC LIMIT 5 OFFSET 10").
		WithArgs("active").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "ada"))

	_, err := users.FindMany(context.Background(), map[string]any{"status": "active"}, &FindOptions{
		Select:  []string{"id", "name"},
		OrderBy: []Order{{Column: "name", Desc: true}},
		Limit:   5,
		Offset:  10,
	})
	require.NoError(t, err)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestFindOneNoRow(t *testing.T) {
	f := newClientFixture(t, nil)
	users := f.table(t, "users")

	f.mock.ExpectQuery("SELECT * FROM `users` WHERE `name` = ? LIMIT 1").
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	row, err := users.FindOne(context.Background(), map[string]any{"name": "nobody"}, nil)
	require.NoError(t, err)
	assert.Nil(t, row)

	// Absent rows are not cached; the next call queries again.
	f.mock.ExpectQuery("SELECT * FROM `users` WHERE `name` = ? LIMIT 1").
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = users.FindOne(context.Background(), map[string]any{"name": "nobody"}, nil)
	require.NoError(t, err)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestFindByIDShortKey(t *testing.T) {
	f := newClientFixture(t, nil)
	users := f.table(t, "users")

	f.mock.ExpectQuery("SELECT * FROM `users` WHERE `id` = ? LIMIT 1").
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(7), "ada"))

	row, err := users.FindByID(context.Background(), 7, nil)
	require.NoError(t, err)
	assert.Equal(t, "ada", row["name"])

	assert.True(t, f.mr.Exists("test:cache:users:id:7"))
}

func TestCountClampsTTL(t *testing.T) {
	f := newClientFixture(t, nil)
	users := f.table(t, "users")
	where := map[string]any{"status": "active"}

	f.mock.ExpectQuery("SELECT COUNT(*) FROM `users` WHERE `status` = ?").
		WithArgs("active").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(42)))

	n, err := users.Count(context.Background(), where, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	key := fingerprint.Key("test", "users", "count", where, nil)
	assert.Equal(t, cache.CountTTLCap, f.mr.TTL(key))

	// Cached on the second call.
	n, err = users.Count(context.Background(), where, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRawRejectsWrites(t *testing.T) {
	f := newClientFixture(t, nil)
	users := f.table(t, "users")

	for _, stmt := range []string{
		"DELETE FROM users",
		"UPDATE users SET name = 'x'",
		"  insert into users values (1)",
		"TRUNCATE users",
	} {
		_, err := users.Raw(context.Background(), stmt)
		assert.ErrorIs(t, err, ErrNotCacheable, stmt)
	}
}

func TestRawCachesReads(t *testing.T) {
	f := newClientFixture(t, nil)
	users := f.table(t, "users")
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT * FROM `users` LIMIT ?").
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)))

	rows, err := users.Raw(ctx, "SELECT * FROM `users` LIMIT ?", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rows, err = users.Raw(ctx, "SELECT * FROM `users` LIMIT ?", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCacheDisabledAlwaysQueries(t *testing.T) {
	f := newClientFixture(t, func(c *config.Config) { c.Cache.Enabled = false })
	users := f.table(t, "users")

	for i := 0; i < 2; i++ {
		f.mock.ExpectQuery("SELECT * FROM `users`").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	}
	_, err := users.FindMany(context.Background(), nil, nil)
	require.NoError(t, err)
	_, err = users.FindMany(context.Background(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.mock.ExpectationsWereMet())
	assert.Zero(t, f.client.HitRatio())
}

func TestUpdateAndDeleteByID(t *testing.T) {
	f := newClientFixture(t, nil)
	users := f.table(t, "users")
	ctx := context.Background()

	f.mock.ExpectExec("UPDATE `users` SET `name` = ? WHERE `id` = ?").
		WithArgs("grace", 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	affected, err := users.UpdateByID(ctx, 7, map[string]any{"name": "grace"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	f.mock.ExpectExec("DELETE FROM `users` WHERE `id` = ?").
		WithArgs(7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	affected, err = users.DeleteByID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	f.client.Invalidator().Wait()
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReadsFeedStatsTracker(t *testing.T) {
	f := newClientFixture(t, nil)
	users := f.table(t, "users")
	where := map[string]any{"status": "active"}

	f.mock.ExpectQuery("SELECT * FROM `users` WHERE `status` = ?").
		WithArgs("active").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	_, err := users.FindMany(context.Background(), where, nil)
	require.NoError(t, err)
	_, err = users.FindMany(context.Background(), where, nil)
	require.NoError(t, err)

	top := f.client.Stats().TopQueries("users", 10, 1)
	require.Len(t, top, 1)
	assert.Equal(t, stats.OpFindMany, top[0].Kind)
	// Only the miss ran a query; the hit is not observed.
	assert.Equal(t, int64(1), top[0].AccessCount)
	assert.Contains(t, top[0].FiltersJSON, `"status":"active"`)
}

func TestWithRelationsExpandsParents(t *testing.T) {
	f := newClientFixture(t, nil)
	orders := f.table(t, "orders")
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT * FROM `orders`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id"}).
			AddRow(int64(1), int64(10)).
			AddRow(int64(2), int64(10)))
	f.mock.ExpectQuery("SELECT * FROM `users` WHERE `id` IN (?)").
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(10), "ada"))

	rows, err := orders.FindMany(ctx, nil, &FindOptions{WithRelations: true})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	parent, ok := rows[0]["user"].(Record)
	require.True(t, ok)
	assert.Equal(t, "ada", parent["name"])

	// The cached entry holds the bare rows; a plain read stays unexpanded.
	rows, err = orders.FindMany(ctx, nil, nil)
	require.NoError(t, err)
	_, ok = rows[0]["user"]
	assert.False(t, ok)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestWithRelationsExpandsChildren(t *testing.T) {
	f := newClientFixture(t, nil)
	users := f.table(t, "users")
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT * FROM `users`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(10), "ada").
			AddRow(int64(11), "grace"))
	f.mock.ExpectQuery("SELECT * FROM `orders` WHERE `user_id` IN (?,?)").
		WithArgs(int64(10), int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id"}).
			AddRow(int64(1), int64(10)).
			AddRow(int64(2), int64(10)))

	rows, err := users.FindMany(ctx, nil, &FindOptions{WithRelations: true})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	kids, ok := rows[0]["orders"].([]Record)
	require.True(t, ok)
	assert.Len(t, kids, 2)

	// A parent without children gets an empty slice, not a missing key.
	kids, ok = rows[1]["orders"].([]Record)
	require.True(t, ok)
	assert.Empty(t, kids)
}
