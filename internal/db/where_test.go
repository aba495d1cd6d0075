package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLower(t *testing.T, where map[string]any) (string, []any) {
	t.Helper()
	expr, err := ParseWhere(where)
	require.NoError(t, err)
	sql, args, err := LowerWhere(expr)
	require.NoError(t, err)
	return sql, args
}

func TestParseWhereNil(t *testing.T) {
	expr, err := ParseWhere(nil)
	require.NoError(t, err)
	assert.Nil(t, expr)

	expr, err = ParseWhere(map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, expr)
}

func TestScalarEquality(t *testing.T) {
	sql, args := mustLower(t, map[string]any{"status": "active"})
	assert.Equal(t, "`status` = ?", sql)
	assert.Equal(t, []any{"active"}, args)
}

func TestNilValueIsNull(t *testing.T) {
	sql, args := mustLower(t, map[string]any{"deleted_at": nil})
	assert.Equal(t, "`deleted_at` IS NULL", sql)
	assert.Empty(t, args)
}

func TestModernOperators(t *testing.T) {
	sql, args := mustLower(t, map[string]any{"age": map[string]any{"gte": 21, "lt": 65}})
	assert.Equal(t, "(`age` >= ? AND `age` < ?)", sql)
	assert.Equal(t, []any{21, 65}, args)
}

func TestLegacyOperators(t *testing.T) {
	modern, modernArgs := mustLower(t, map[string]any{"age": map[string]any{"gte": 21}})
	legacy, legacyArgs := mustLower(t, map[string]any{"age": map[string]any{"$gte": 21}})
	assert.Equal(t, modern, legacy)
	assert.Equal(t, modernArgs, legacyArgs)
}

func TestInOperator(t *testing.T) {
	sql, args := mustLower(t, map[string]any{"id": map[string]any{"in": []any{1, 2, 3}}})
	assert.Equal(t, "`id` IN (?,?,?)", sql)
	assert.Equal(t, []any{1, 2, 3}, args)
}

func TestEmptyInMatchesNothing(t *testing.T) {
	sql, args := mustLower(t, map[string]any{"id": map[string]any{"in": []any{}}})
	assert.Equal(t, "1=0", sql)
	assert.Empty(t, args)

	sql, _ = mustLower(t, map[string]any{"id": map[string]any{"notIn": []any{}}})
	assert.Equal(t, "1=1", sql)
}

func TestLikeOperatorsEscapeWildcards(t *testing.T) {
	sql, args := mustLower(t, map[string]any{"name": map[string]any{"contains": "50%_off"}})
	assert.Equal(t, "`name` LIKE ?", sql)
	assert.Equal(t, []any{`%50\%\_off%`}, args)

	_, args = mustLower(t, map[string]any{"name": map[string]any{"startsWith": "abc"}})
	assert.Equal(t, []any{"abc%"}, args)

	_, args = mustLower(t, map[string]any{"name": map[string]any{"endsWith": "xyz"}})
	assert.Equal(t, []any{"%xyz"}, args)
}

func TestLogicalOperators(t *testing.T) {
	sql, args := mustLower(t, map[string]any{
		"OR": []any{
			map[string]any{"status": "active"},
			map[string]any{"status": "pending"},
		},
	})
	assert.Equal(t, "(`status` = ? OR `status` = ?)", sql)
	assert.Equal(t, []any{"active", "pending"}, args)
}

func TestNotOperator(t *testing.T) {
	sql, args := mustLower(t, map[string]any{"NOT": map[string]any{"status": "banned"}})
	assert.Equal(t, "NOT (`status` = ?)", sql)
	assert.Equal(t, []any{"banned"}, args)
}

func TestMultipleColumnsSortedAndConjoined(t *testing.T) {
	sql, args := mustLower(t, map[string]any{"b": 2, "a": 1})
	assert.Equal(t, "(`a` = ? AND `b` = ?)", sql)
	assert.Equal(t, []any{1, 2}, args)
}

func TestUnknownOperatorRejected(t *testing.T) {
	_, err := ParseWhere(map[string]any{"age": map[string]any{"between": []any{1, 2}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown operator")
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, "`name`", QuoteIdent("name"))
	assert.Equal(t, "`we``ird`", QuoteIdent("we`ird"))
}
