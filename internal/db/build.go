package db

import (
	"fmt"
	"sort"
	"strings"
)

// OrderBy is one ORDER BY entry.
type OrderBy struct {
	Column string
	Desc   bool
}

// SelectSpec describes a SELECT to build.
type SelectSpec struct {
	Table   string
	Columns []string // nil means *
	Where   Expr
	OrderBy []OrderBy
	Limit   int
	Offset  int
	Count   bool
}

// BuildSelect renders the spec as parameterized SQL.
func BuildSelect(spec SelectSpec) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if spec.Count {
		sb.WriteString("COUNT(*)")
	} else if len(spec.Columns) == 0 {
		sb.WriteString("*")
	} else {
		for i, col := range spec.Columns {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(QuoteIdent(col))
		}
	}
	sb.WriteString(" FROM " + QuoteIdent(spec.Table))

	predicate, args, err := LowerWhere(spec.Where)
	if err != nil {
		return "", nil, err
	}
	if predicate != "" {
		sb.WriteString(" WHERE " + predicate)
	}
	if !spec.Count {
		for i, ob := range spec.OrderBy {
			if i == 0 {
				sb.WriteString(" ORDER BY ")
			} else {
				sb.WriteString(", ")
			}
			sb.WriteString(QuoteIdent(ob.Column))
			if ob.Desc {
				sb.WriteString(" DESC")
			}
		}
		if spec.Limit > 0 {
			fmt.Fprintf(&sb, " LIMIT %d", spec.Limit)
			if spec.Offset > 0 {
				fmt.Fprintf(&sb, " OFFSET %d", spec.Offset)
			}
		}
	}
	return sb.String(), args, nil
}

// BuildInsert renders a single-row INSERT. Columns are emitted in sorted
// order so the statement shape is deterministic.
func BuildInsert(table string, row map[string]any) (string, []any, error) {
	if len(row) == 0 {
		return "", nil, fmt.Errorf("db: insert into %s with no columns", table)
	}
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var sb strings.Builder
	args := make([]any, 0, len(cols))
	sb.WriteString("INSERT INTO " + QuoteIdent(table) + " (")
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(QuoteIdent(col))
		args = append(args, row[col])
	}
	sb.WriteString(") VALUES (" + placeholders(len(cols)) + ")")
	return sb.String(), args, nil
}

// BuildUpdateByID renders an UPDATE ... WHERE pk = ?.
func BuildUpdateByID(table, pkColumn string, id any, updates map[string]any) (string, []any, error) {
	if len(updates) == 0 {
		return "", nil, fmt.Errorf("db: update %s with no columns", table)
	}
	cols := make([]string, 0, len(updates))
	for col := range updates {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var sb strings.Builder
	args := make([]any, 0, len(cols)+1)
	sb.WriteString("UPDATE " + QuoteIdent(table) + " SET ")
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(QuoteIdent(col) + " = ?")
		args = append(args, updates[col])
	}
	sb.WriteString(" WHERE " + QuoteIdent(pkColumn) + " = ?")
	args = append(args, id)
	return sb.String(), args, nil
}

// BuildDeleteByID renders a DELETE ... WHERE pk = ?.
func BuildDeleteByID(table, pkColumn string, id any) (string, []any) {
	return "DELETE FROM " + QuoteIdent(table) + " WHERE " + QuoteIdent(pkColumn) + " = ?", []any{id}
}
