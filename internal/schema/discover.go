package schema

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// MySQLDiscoverer reads table, column and referential-constraint metadata
// from the MySQL/MariaDB information schema.
type MySQLDiscoverer struct {
	db     *sql.DB
	dbName string
	log    *zap.Logger
}

// NewMySQLDiscoverer builds a discoverer for the named database (schema).
func NewMySQLDiscoverer(db *sql.DB, dbName string, log *zap.Logger) *MySQLDiscoverer {
	if log == nil {
		log = zap.NewNop()
	}
	return &MySQLDiscoverer{db: db, dbName: dbName, log: log}
}

const tablesQuery = `
SELECT TABLE_NAME
FROM information_schema.TABLES
WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'
ORDER BY TABLE_NAME`

const columnsQuery = `
SELECT TABLE_NAME, COLUMN_NAME, DATA_TYPE, IS_NULLABLE, COLUMN_KEY,
       COLUMN_DEFAULT, EXTRA,
       COALESCE(CHARACTER_MAXIMUM_LENGTH, 0), COALESCE(NUMERIC_PRECISION, 0)
FROM information_schema.COLUMNS
WHERE TABLE_SCHEMA = ?
ORDER BY TABLE_NAME, ORDINAL_POSITION`

const relationshipsQuery = `
SELECT kcu.TABLE_NAME, kcu.COLUMN_NAME,
       kcu.REFERENCED_TABLE_NAME, kcu.REFERENCED_COLUMN_NAME,
       rc.DELETE_RULE, rc.UPDATE_RULE
FROM information_schema.KEY_COLUMN_USAGE kcu
JOIN information_schema.REFERENTIAL_CONSTRAINTS rc
  ON rc.CONSTRAINT_SCHEMA = kcu.CONSTRAINT_SCHEMA
 AND rc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
WHERE kcu.TABLE_SCHEMA = ? AND kcu.REFERENCED_TABLE_NAME IS NOT NULL
ORDER BY kcu.TABLE_NAME, kcu.COLUMN_NAME`

// Discover reads the full snapshot. FK edges whose endpoints are not among
// the discovered columns are dropped with a warning; discovery never invents
// columns.
func (d *MySQLDiscoverer) Discover(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Tables: make(map[string]*Table)}

	rows, err := d.db.QueryContext(ctx, tablesQuery, d.dbName)
	if err != nil {
		return nil, fmt.Errorf("discovering tables: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		snap.Tables[name] = &Table{Name: name}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("discovering tables: %w", err)
	}

	if err := d.loadColumns(ctx, snap); err != nil {
		return nil, err
	}
	if err := d.loadRelationships(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (d *MySQLDiscoverer) loadColumns(ctx context.Context, snap *Snapshot) error {
	rows, err := d.db.QueryContext(ctx, columnsQuery, d.dbName)
	if err != nil {
		return fmt.Errorf("discovering columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tableName, colName, dataType, isNullable, colKey, extra string
			def                                                     sql.NullString
			charLen, numPrec                                        int64
		)
		if err := rows.Scan(&tableName, &colName, &dataType, &isNullable, &colKey,
			&def, &extra, &charLen, &numPrec); err != nil {
			return fmt.Errorf("scanning column: %w", err)
		}
		tbl, ok := snap.Tables[tableName]
		if !ok {
			continue // view or system table
		}
		col := Column{
			Name:          colName,
			DataType:      dataType,
			Nullable:      isNullable == "YES",
			Key:           keyRole(colKey),
			AutoGenerated: extra == "auto_increment",
			CharMaxLength: charLen,
			NumPrecision:  numPrec,
		}
		if def.Valid {
			v := def.String
			col.Default = &v
		}
		tbl.Columns = append(tbl.Columns, col)
	}
	return rows.Err()
}

func (d *MySQLDiscoverer) loadRelationships(ctx context.Context, snap *Snapshot) error {
	rows, err := d.db.QueryContext(ctx, relationshipsQuery, d.dbName)
	if err != nil {
		return fmt.Errorf("discovering relationships: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rel Relationship
		var onDelete, onUpdate string
		if err := rows.Scan(&rel.FromTable, &rel.FromColumn, &rel.ToTable,
			&rel.ToColumn, &onDelete, &onUpdate); err != nil {
			return fmt.Errorf("scanning relationship: %w", err)
		}
		rel.OnDelete = parseAction(onDelete)
		rel.OnUpdate = parseAction(onUpdate)

		from, fromOK := snap.Tables[rel.FromTable]
		to, toOK := snap.Tables[rel.ToTable]
		if !fromOK || !toOK || from.Column(rel.FromColumn) == nil || to.Column(rel.ToColumn) == nil {
			d.log.Warn("dropping FK with unknown endpoint",
				zap.String("from", rel.FromTable+"."+rel.FromColumn),
				zap.String("to", rel.ToTable+"."+rel.ToColumn))
			continue
		}
		snap.Relationships = append(snap.Relationships, rel)
	}
	return rows.Err()
}

func keyRole(columnKey string) KeyRole {
	switch columnKey {
	case "PRI":
		return KeyPrimary
	case "UNI":
		return KeyUnique
	case "MUL":
		return KeyIndex
	default:
		return KeyNone
	}
}
