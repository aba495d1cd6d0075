// Package schema holds table metadata discovered from the database.
//
// The concrete discovery implementation lives in this package too, but
// consumers depend on the Discoverer interface so tests can substitute a
// fixture schema without a live database.
package schema

import (
	"context"
)

// KeyRole describes how a column participates in the table's keys.
type KeyRole string

const (
	KeyPrimary KeyRole = "primary"
	KeyUnique  KeyRole = "unique"
	KeyIndex   KeyRole = "index"
	KeyNone    KeyRole = "none"
)

// ReferentialAction is an FK ON DELETE / ON UPDATE action.
type ReferentialAction string

const (
	ActionCascade  ReferentialAction = "cascade"
	ActionSetNull  ReferentialAction = "set-null"
	ActionRestrict ReferentialAction = "restrict"
	ActionNoAction ReferentialAction = "no-action"
)

// Column is one discovered column.
type Column struct {
	Name          string
	DataType      string
	Nullable      bool
	Key           KeyRole
	Default       *string
	AutoGenerated bool
	CharMaxLength int64
	NumPrecision  int64
}

// Relationship is a directed FK edge (FromTable.FromColumn -> ToTable.ToColumn).
type Relationship struct {
	FromTable  string
	FromColumn string
	ToTable    string
	ToColumn   string
	OnDelete   ReferentialAction
	OnUpdate   ReferentialAction
}

// Table is the discovered shape of one base table.
type Table struct {
	Name    string
	Columns []Column
}

// PrimaryKey returns the name of the primary key column, or "" when the
// table has none. At most one column carries the primary role.
func (t *Table) PrimaryKey() string {
	for _, c := range t.Columns {
		if c.Key == KeyPrimary {
			return c.Name
		}
	}
	return ""
}

// Column returns the named column, or nil.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// Snapshot is a full discovery result: every base table plus the FK edges
// between them.
type Snapshot struct {
	Tables        map[string]*Table
	Relationships []Relationship
}

// HasTable reports whether the snapshot contains the named base table.
func (s *Snapshot) HasTable(name string) bool {
	_, ok := s.Tables[name]
	return ok
}

// Discoverer produces a schema snapshot from the backing database.
type Discoverer interface {
	Discover(ctx context.Context) (*Snapshot, error)
}

func parseAction(s string) ReferentialAction {
	switch s {
	case "CASCADE":
		return ActionCascade
	case "SET NULL":
		return ActionSetNull
	case "RESTRICT":
		return ActionRestrict
	default:
		return ActionNoAction
	}
}
