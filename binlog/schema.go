package binlog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/streamweld/streamweld/types"
)

// ColumnDefinition describes one observed column of a source table.
type ColumnDefinition struct {
	Name string
	Type types.FieldType
	// OrdinalPosition is the column's 1-based position in the source
	// table.
	OrdinalPosition int
	Nullable        bool
}

// TableDefinition describes a source table selected for observation.
type TableDefinition struct {
	TableIndex   int
	DatabaseName string
	TableName    string
	Columns      []ColumnDefinition
}

func (t *TableDefinition) String() string {
	return t.TableName
}

// QualifiedName returns the database-qualified table name.
func (t *TableDefinition) QualifiedName() string {
	return t.DatabaseName + "." + t.TableName
}

// SchemaHelper re-reads source schema metadata. The full refresh performs
// its own breaking-change check against the previously known columns.
type SchemaHelper interface {
	// RefreshColumnOrdinals re-reads the ordinal positions of the listed
	// tables' registered columns.
	RefreshColumnOrdinals(ctx context.Context, tables []*TableDefinition) error
	// RefreshSchemaAndCheckForBreakingChanges re-reads the full schema of
	// every table and fails with a BreakingSchemaChangeError when a
	// registered column disappeared or changed type.
	RefreshSchemaAndCheckForBreakingChanges(ctx context.Context, tables []*TableDefinition) error
}

// MySQLSchemaHelper reads schema metadata from information_schema.
type MySQLSchemaHelper struct {
	DB *sql.DB
}

type sourceColumn struct {
	name     string
	ordinal  int
	nullable bool
	dataType string
}

func (h *MySQLSchemaHelper) fetchColumns(ctx context.Context, database, table string) ([]sourceColumn, error) {
	rows, err := h.DB.QueryContext(ctx, `
		SELECT column_name, ordinal_position, is_nullable, data_type
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, database, table)
	if err != nil {
		return nil, &QueryExecutionError{Err: err}
	}
	defer rows.Close()

	var columns []sourceColumn
	for rows.Next() {
		var c sourceColumn
		var nullable string
		if err := rows.Scan(&c.name, &c.ordinal, &nullable, &c.dataType); err != nil {
			return nil, &QueryExecutionError{Err: err}
		}
		c.nullable = nullable == "YES"
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &QueryExecutionError{Err: err}
	}
	return columns, nil
}

// TableSelection names a source table to observe; an empty column list
// selects every column.
type TableSelection struct {
	Database string
	Name     string
	Columns  []string
}

// LoadTables reads the definitions of the selected tables from the
// source.
func (h *MySQLSchemaHelper) LoadTables(ctx context.Context, selections []TableSelection) ([]*TableDefinition, error) {
	tables := make([]*TableDefinition, 0, len(selections))
	for i, sel := range selections {
		columns, err := h.fetchColumns(ctx, sel.Database, sel.Name)
		if err != nil {
			return nil, err
		}
		if len(columns) == 0 {
			return nil, &QueryExecutionError{Err: fmt.Errorf("table %s.%s not found", sel.Database, sel.Name)}
		}
		selected := make(map[string]struct{}, len(sel.Columns))
		for _, name := range sel.Columns {
			selected[name] = struct{}{}
		}
		td := &TableDefinition{
			TableIndex:   i,
			DatabaseName: sel.Database,
			TableName:    sel.Name,
		}
		for _, c := range columns {
			if len(selected) > 0 {
				if _, ok := selected[c.name]; !ok {
					continue
				}
			}
			typ, err := FieldTypeForSQLType(c.dataType)
			if err != nil {
				return nil, err
			}
			td.Columns = append(td.Columns, ColumnDefinition{
				Name:            c.name,
				Type:            typ,
				OrdinalPosition: c.ordinal,
				Nullable:        c.nullable,
			})
		}
		tables = append(tables, td)
	}
	return tables, nil
}

func (h *MySQLSchemaHelper) RefreshColumnOrdinals(ctx context.Context, tables []*TableDefinition) error {
	for _, table := range tables {
		columns, err := h.fetchColumns(ctx, table.DatabaseName, table.TableName)
		if err != nil {
			return err
		}
		byName := make(map[string]sourceColumn, len(columns))
		for _, c := range columns {
			byName[c.name] = c
		}
		for i := range table.Columns {
			col := &table.Columns[i]
			src, ok := byName[col.Name]
			if !ok {
				return &BreakingSchemaChangeError{
					Message: fmt.Sprintf("Column %q from table %q was dropped", col.Name, table),
				}
			}
			col.OrdinalPosition = src.ordinal
		}
	}
	return nil
}

func (h *MySQLSchemaHelper) RefreshSchemaAndCheckForBreakingChanges(ctx context.Context, tables []*TableDefinition) error {
	for _, table := range tables {
		columns, err := h.fetchColumns(ctx, table.DatabaseName, table.TableName)
		if err != nil {
			return err
		}
		if len(columns) == 0 {
			return &BreakingSchemaChangeError{
				Message: fmt.Sprintf("Table %q was dropped", table),
			}
		}
		byName := make(map[string]sourceColumn, len(columns))
		for _, c := range columns {
			byName[c.name] = c
		}
		for i := range table.Columns {
			col := &table.Columns[i]
			src, ok := byName[col.Name]
			if !ok {
				return &BreakingSchemaChangeError{
					Message: fmt.Sprintf("Column %q from table %q was dropped", col.Name, table),
				}
			}
			newType, err := FieldTypeForSQLType(src.dataType)
			if err != nil {
				return err
			}
			if newType != col.Type {
				return &BreakingSchemaChangeError{
					Message: fmt.Sprintf("Column %q from table %q changed data type from %q to %q",
						col.Name, table, col.Type, newType),
				}
			}
			col.OrdinalPosition = src.ordinal
			col.Nullable = src.nullable
		}
	}
	return nil
}
