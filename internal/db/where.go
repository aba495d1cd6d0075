// Package db provides the database connection abstraction, the WhereExpr
// filter representation and its lowering to parameterized SQL.
package db

import (
	"fmt"
	"sort"
	"strings"
)

// Op is a comparison operator in a filter term.
type Op string

const (
	OpEq         Op = "eq"
	OpNe         Op = "ne"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpIn         Op = "in"
	OpNotIn      Op = "notIn"
	OpContains   Op = "contains"
	OpStartsWith Op = "startsWith"
	OpEndsWith   Op = "endsWith"
	OpIsNull     Op = "isNull"
	OpNotNull    Op = "notNull"
)

// Expr is a filter expression: a Term, a conjunction, a disjunction or a
// negation. Legacy ($gt) and Prisma-style (gte) maps both parse into this
// representation, which canonicalizes on parse.
type Expr interface {
	isExpr()
}

// Term compares one column against a value.
type Term struct {
	Column string
	Op     Op
	Value  any
}

// And is satisfied when every child is.
type And []Expr

// Or is satisfied when any child is.
type Or []Expr

// Not negates its child.
type Not struct {
	Expr Expr
}

func (Term) isExpr() {}
func (And) isExpr()  {}
func (Or) isExpr()   {}
func (Not) isExpr()  {}

// legacy $-prefixed operators accepted for backward compatibility.
var legacyOps = map[string]Op{
	"$eq": OpEq, "$ne": OpNe,
	"$gt": OpGt, "$gte": OpGte,
	"$lt": OpLt, "$lte": OpLte,
	"$in": OpIn, "$nin": OpNotIn,
	"$like": OpContains,
}

var modernOps = map[string]Op{
	"equals": OpEq, "not": OpNe,
	"gt": OpGt, "gte": OpGte,
	"lt": OpLt, "lte": OpLte,
	"in": OpIn, "notIn": OpNotIn,
	"contains": OpContains, "startsWith": OpStartsWith, "endsWith": OpEndsWith,
}

// ParseWhere converts a filter map into a canonical Expr. A nil or empty
// map parses to nil (no filter). Map iteration order does not affect the
// result: columns are visited in sorted order.
func ParseWhere(where map[string]any) (Expr, error) {
	if len(where) == 0 {
		return nil, nil
	}
	var children []Expr

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := where[key]
		switch key {
		case "AND", "$and":
			exprs, err := parseList(value)
			if err != nil {
				return nil, err
			}
			children = append(children, And(exprs))
		case "OR", "$or":
			exprs, err := parseList(value)
			if err != nil {
				return nil, err
			}
			children = append(children, Or(exprs))
		case "NOT", "$not":
			sub, ok := value.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("db: NOT requires an object, got %T", value)
			}
			expr, err := ParseWhere(sub)
			if err != nil {
				return nil, err
			}
			children = append(children, Not{Expr: expr})
		default:
			expr, err := parseColumn(key, value)
			if err != nil {
				return nil, err
			}
			children = append(children, expr)
		}
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return And(children), nil
}

func parseList(value any) ([]Expr, error) {
	items, ok := value.([]any)
	if !ok {
		if maps, ok := value.([]map[string]any); ok {
			items = make([]any, len(maps))
			for i, m := range maps {
				items[i] = m
			}
		} else {
			return nil, fmt.Errorf("db: logical operator requires a list, got %T", value)
		}
	}
	exprs := make([]Expr, 0, len(items))
	for _, item := range items {
		sub, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("db: logical operand must be an object, got %T", item)
		}
		expr, err := ParseWhere(sub)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, expr)
	}
	return exprs, nil
}

func parseColumn(column string, value any) (Expr, error) {
	ops, ok := value.(map[string]any)
	if !ok {
		if value == nil {
			return Term{Column: column, Op: OpIsNull}, nil
		}
		return Term{Column: column, Op: OpEq, Value: value}, nil
	}

	var terms []Expr
	opKeys := make([]string, 0, len(ops))
	for k := range ops {
		opKeys = append(opKeys, k)
	}
	sort.Strings(opKeys)

	for _, opKey := range opKeys {
		op, known := modernOps[opKey]
		if !known {
			op, known = legacyOps[opKey]
		}
		if !known {
			return nil, fmt.Errorf("db: unknown operator %q on column %q", opKey, column)
		}
		terms = append(terms, Term{Column: column, Op: op, Value: ops[opKey]})
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return And(terms), nil
}

// LowerWhere renders expr as a parameterized SQL predicate. Identifiers are
// quoted; values always travel as placeholder args.
func LowerWhere(expr Expr) (string, []any, error) {
	if expr == nil {
		return "", nil, nil
	}
	var (
		sb   strings.Builder
		args []any
	)
	if err := lower(&sb, &args, expr); err != nil {
		return "", nil, err
	}
	return sb.String(), args, nil
}

func lower(sb *strings.Builder, args *[]any, expr Expr) error {
	switch e := expr.(type) {
	case Term:
		return lowerTerm(sb, args, e)
	case And:
		return lowerList(sb, args, []Expr(e), " AND ")
	case Or:
		return lowerList(sb, args, []Expr(e), " OR ")
	case Not:
		sb.WriteString("NOT (")
		if err := lower(sb, args, e.Expr); err != nil {
			return err
		}
		sb.WriteString(")")
		return nil
	default:
		return fmt.Errorf("db: unknown expression type %T", expr)
	}
}

func lowerList(sb *strings.Builder, args *[]any, exprs []Expr, sep string) error {
	if len(exprs) == 0 {
		sb.WriteString("1=1")
		return nil
	}
	sb.WriteString("(")
	for i, e := range exprs {
		if i > 0 {
			sb.WriteString(sep)
		}
		if err := lower(sb, args, e); err != nil {
			return err
		}
	}
	sb.WriteString(")")
	return nil
}

func lowerTerm(sb *strings.Builder, args *[]any, t Term) error {
	col := QuoteIdent(t.Column)
	switch t.Op {
	case OpEq:
		if t.Value == nil {
			sb.WriteString(col + " IS NULL")
			return nil
		}
		sb.WriteString(col + " = ?")
		*args = append(*args, t.Value)
	case OpNe:
		if t.Value == nil {
			sb.WriteString(col + " IS NOT NULL")
			return nil
		}
		sb.WriteString(col + " != ?")
		*args = append(*args, t.Value)
	case OpGt:
		sb.WriteString(col + " > ?")
		*args = append(*args, t.Value)
	case OpGte:
		sb.WriteString(col + " >= ?")
		*args = append(*args, t.Value)
	case OpLt:
		sb.WriteString(col + " < ?")
		*args = append(*args, t.Value)
	case OpLte:
		sb.WriteString(col + " <= ?")
		*args = append(*args, t.Value)
	case OpIn, OpNotIn:
		values, err := valueList(t.Value)
		if err != nil {
			return fmt.Errorf("db: %s on %q: %w", t.Op, t.Column, err)
		}
		if len(values) == 0 {
			// IN () is invalid SQL; an empty list matches nothing
			// (or everything for NOT IN).
			if t.Op == OpIn {
				sb.WriteString("1=0")
			} else {
				sb.WriteString("1=1")
			}
			return nil
		}
		sb.WriteString(col)
		if t.Op == OpNotIn {
			sb.WriteString(" NOT")
		}
		sb.WriteString(" IN (" + placeholders(len(values)) + ")")
		*args = append(*args, values...)
	case OpContains:
		sb.WriteString(col + " LIKE ?")
		*args = append(*args, "%"+likeEscape(t.Value)+"%")
	case OpStartsWith:
		sb.WriteString(col + " LIKE ?")
		*args = append(*args, likeEscape(t.Value)+"%")
	case OpEndsWith:
		sb.WriteString(col + " LIKE ?")
		*args = append(*args, "%"+likeEscape(t.Value))
	case OpIsNull:
		sb.WriteString(col + " IS NULL")
	case OpNotNull:
		sb.WriteString(col + " IS NOT NULL")
	default:
		return fmt.Errorf("db: unknown operator %q", t.Op)
	}
	return nil
}

func valueList(v any) ([]any, error) {
	switch list := v.(type) {
	case []any:
		return list, nil
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, nil
	case []int:
		out := make([]any, len(list))
		for i, n := range list {
			out[i] = n
		}
		return out, nil
	case []int64:
		out := make([]any, len(list))
		for i, n := range list {
			out[i] = n
		}
		return out, nil
	case []float64:
		out := make([]any, len(list))
		for i, n := range list {
			out[i] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func likeEscape(v any) string {
	s := fmt.Sprintf("%v", v)
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// QuoteIdent quotes a MySQL identifier with backticks.
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
