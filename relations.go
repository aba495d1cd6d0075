package relcache

import (
	"context"
	"fmt"

	"github.com/jinzhu/inflection"

	"github.com/relcache/relcache/internal/db"
)

// withRelations expands FK relations onto shallow copies of rows when the
// options ask for it. The cached entries themselves never carry expanded
// relations; expansion happens after the cache boundary.
func (t *Table) withRelations(ctx context.Context, rows []Record, opts *FindOptions) ([]Record, error) {
	if opts == nil || !opts.WithRelations || len(rows) == 0 {
		return rows, nil
	}
	out := make([]Record, len(rows))
	for i, row := range rows {
		copied := make(Record, len(row)+2)
		for k, v := range row {
			copied[k] = v
		}
		out[i] = copied
	}
	if err := t.expandParents(ctx, out); err != nil {
		return nil, err
	}
	if err := t.expandChildren(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Table) oneWithRelations(ctx context.Context, row Record, opts *FindOptions) (Record, error) {
	if row == nil || opts == nil || !opts.WithRelations {
		return row, nil
	}
	rows, err := t.withRelations(ctx, []Record{row}, opts)
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

// expandParents attaches, per FK this table declares, the referenced parent
// row under the singularized parent table name. Parents are fetched in one
// batched IN query per edge.
func (t *Table) expandParents(ctx context.Context, rows []Record) error {
	for _, rel := range t.client.graph.EdgesFrom(t.name) {
		values := collectValues(rows, rel.FromColumn)
		if len(values) == 0 {
			continue
		}
		parents, err := t.fetchByColumn(ctx, rel.ToTable, rel.ToColumn, values)
		if err != nil {
			return fmt.Errorf("relcache: expanding %s.%s: %w", t.name, rel.FromColumn, err)
		}
		byKey := make(map[string]Record, len(parents))
		for _, parent := range parents {
			byKey[fmt.Sprintf("%v", parent[rel.ToColumn])] = parent
		}
		attachAs := inflection.Singular(rel.ToTable)
		for _, row := range rows {
			if parent, ok := byKey[fmt.Sprintf("%v", row[rel.FromColumn])]; ok {
				row[attachAs] = parent
			}
		}
	}
	return nil
}

// expandChildren attaches, per FK pointing at this table, the referencing
// child rows under the child table name.
func (t *Table) expandChildren(ctx context.Context, rows []Record) error {
	for _, rel := range t.client.graph.EdgesTo(t.name) {
		values := collectValues(rows, rel.ToColumn)
		if len(values) == 0 {
			continue
		}
		children, err := t.fetchByColumn(ctx, rel.FromTable, rel.FromColumn, values)
		if err != nil {
			return fmt.Errorf("relcache: expanding children %s: %w", rel.FromTable, err)
		}
		grouped := make(map[string][]Record)
		for _, child := range children {
			key := fmt.Sprintf("%v", child[rel.FromColumn])
			grouped[key] = append(grouped[key], child)
		}
		for _, row := range rows {
			key := fmt.Sprintf("%v", row[rel.ToColumn])
			if kids, ok := grouped[key]; ok {
				row[rel.FromTable] = kids
			} else {
				row[rel.FromTable] = []Record{}
			}
		}
	}
	return nil
}

func (t *Table) fetchByColumn(ctx context.Context, table, column string, values []any) ([]Record, error) {
	expr, err := db.ParseWhere(map[string]any{column: map[string]any{"in": values}})
	if err != nil {
		return nil, err
	}
	query, args, err := db.BuildSelect(db.SelectSpec{Table: table, Where: expr})
	if err != nil {
		return nil, err
	}
	return t.client.conn.QueryMaps(ctx, query, args...)
}

// collectValues gathers the distinct non-nil values of column across rows,
// preserving first-seen order.
func collectValues(rows []Record, column string) []any {
	seen := make(map[string]bool)
	var out []any
	for _, row := range rows {
		v, ok := row[column]
		if !ok || v == nil {
			continue
		}
		key := fmt.Sprintf("%v", v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}
