package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSelectStar(t *testing.T) {
	sql, args, err := BuildSelect(SelectSpec{Table: "users"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM `users`", sql)
	assert.Empty(t, args)
}

func TestBuildSelectFull(t *testing.T) {
	expr, err := ParseWhere(map[string]any{"status": "active"})
	require.NoError(t, err)

	sql, args, err := BuildSelect(SelectSpec{
		Table:   "users",
		Columns: []string{"id", "name"},
		Where:   expr,
		OrderBy: []OrderBy{{Column: "created_at", Desc: true}, {Column: "id"}},
		Limit:   10,
		Offset:  20,
	})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT `id`, `name` FROM `users` WHERE `status` = ? ORDER BY `created_at` DESC, `id` LIMIT 10 OFFSET 20",
		sql)
	assert.Equal(t, []any{"active"}, args)
}

func TestBuildSelectCountIgnoresOrderAndLimit(t *testing.T) {
	sql, _, err := BuildSelect(SelectSpec{
		Table:   "users",
		Count:   true,
		OrderBy: []OrderBy{{Column: "id"}},
		Limit:   5,
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*) FROM `users`", sql)
}

func TestBuildInsertSortedColumns(t *testing.T) {
	sql, args, err := BuildInsert("users", map[string]any{"name": "ada", "email": "a@b.c"})
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO `users` (`email`, `name`) VALUES (?,?)", sql)
	assert.Equal(t, []any{"a@b.c", "ada"}, args)
}

func TestBuildInsertEmptyRow(t *testing.T) {
	_, _, err := BuildInsert("users", nil)
	assert.Error(t, err)
}

func TestBuildUpdateByID(t *testing.T) {
	sql, args, err := BuildUpdateByID("users", "id", 7, map[string]any{"name": "b", "age": 30})
	require.NoError(t, err)
	assert.Equal(t, "UPDATE `users` SET `age` = ?, `name` = ? WHERE `id` = ?", sql)
	assert.Equal(t, []any{30, "b", 7}, args)
}

func TestBuildDeleteByID(t *testing.T) {
	sql, args := BuildDeleteByID("users", "id", 7)
	assert.Equal(t, "DELETE FROM `users` WHERE `id` = ?", sql)
	assert.Equal(t, []any{7}, args)
}
