package binlog

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"

	"github.com/streamweld/streamweld/types"
)

// schemaChangeTracker records pending, non-breaking schema drift: tables
// whose column order changed and need an ordinal refresh before their
// next row event, and the unknown-change flag that forces a full schema
// refresh.
type schemaChangeTracker struct {
	columnOrderChanged  map[int]struct{}
	unknownSchemaChange bool
}

func newSchemaChangeTracker() *schemaChangeTracker {
	return &schemaChangeTracker{columnOrderChanged: make(map[int]struct{})}
}

func (t *schemaChangeTracker) columnOrderChangedIn(tableIndex int) {
	t.columnOrderChanged[tableIndex] = struct{}{}
}

func (t *schemaChangeTracker) clear() {
	t.columnOrderChanged = make(map[int]struct{})
	t.unknownSchemaChange = false
}

// FieldTypeForSQLType maps a MySQL data type spelling to the field type
// its values ingest as.
func FieldTypeForSQLType(sqlType string) (types.FieldType, error) {
	normalized := strings.ToLower(strings.TrimSpace(sqlType))
	unsigned := strings.Contains(normalized, "unsigned")
	if i := strings.IndexAny(normalized, " ("); i >= 0 {
		normalized = normalized[:i]
	}
	switch normalized {
	case "tinyint", "smallint", "mediumint", "int", "integer", "bigint", "year":
		if unsigned {
			return types.TypeUInt, nil
		}
		return types.TypeInt, nil
	case "bit":
		return types.TypeUInt, nil
	case "decimal", "numeric":
		return types.TypeDecimal, nil
	case "float", "double", "real":
		return types.TypeFloat, nil
	case "char", "varchar", "enum", "set":
		return types.TypeString, nil
	case "text", "tinytext", "mediumtext", "longtext":
		return types.TypeText, nil
	case "binary", "varbinary", "blob", "tinyblob", "mediumblob", "longblob":
		return types.TypeBinary, nil
	case "datetime", "timestamp":
		return types.TypeTimestamp, nil
	case "date":
		return types.TypeDate, nil
	case "time":
		return types.TypeDuration, nil
	case "json":
		return types.TypeJSON, nil
	case "point":
		return types.TypePoint, nil
	default:
		return 0, fmt.Errorf("unsupported sql type %q", sqlType)
	}
}

// classifySchemaChange parses an ALTER or DROP statement and classifies
// the drift it causes for the registered tables: breaking changes raise a
// BreakingSchemaChangeError and never mutate state; non-breaking changes
// are recorded on the tracker for a lazy refresh. Unparseable DDL sets
// the unknown-change flag.
func classifySchemaChange(p *parser.Parser, query string, defaultSchema string, tables *TableManager, tracker *schemaChangeTracker) error {
	statements, _, err := p.Parse(query, "", "")
	if err != nil {
		slog.Warn("failed to parse source DDL", "query", query, "error", err)
		// Resort to a full schema verification before the next row event.
		tracker.unknownSchemaChange = true
		return nil
	}

	for _, statement := range statements {
		switch stmt := statement.(type) {
		case *ast.DropDatabaseStmt:
			name := stmt.Name.O
			if _, ok := tables.Databases()[name]; ok {
				return &BreakingSchemaChangeError{
					Message: fmt.Sprintf("Database %q was dropped", name),
				}
			}
		case *ast.DropTableStmt:
			for _, tbl := range stmt.Tables {
				if table := tables.FindTableByObjectName(objectNameParts(tbl), defaultSchema); table != nil {
					return &BreakingSchemaChangeError{
						Message: fmt.Sprintf("Table %q was dropped", table),
					}
				}
			}
		case *ast.AlterTableStmt:
			table := tables.FindTableByObjectName(objectNameParts(stmt.Table), defaultSchema)
			if table == nil {
				continue
			}
			for _, spec := range stmt.Specs {
				if err := classifyAlterSpec(spec, table, tracker); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func classifyAlterSpec(spec *ast.AlterTableSpec, table *TableDefinition, tracker *schemaChangeTracker) error {
	switch spec.Tp {
	case ast.AlterTableAddColumns:
		tracker.columnOrderChangedIn(table.TableIndex)
	case ast.AlterTableDropColumn:
		if column := findColumn(table, spec.OldColumnName.Name.O); column != nil {
			return &BreakingSchemaChangeError{
				Message: fmt.Sprintf("Column %q from table %q was dropped", column.Name, table),
			}
		}
		tracker.columnOrderChangedIn(table.TableIndex)
	case ast.AlterTableRenameColumn:
		oldName := spec.OldColumnName.Name.O
		newName := spec.NewColumnName.Name.O
		if !strings.EqualFold(oldName, newName) {
			if column := findColumn(table, oldName); column != nil {
				return &BreakingSchemaChangeError{
					Message: fmt.Sprintf("Column %q from table %q was renamed to %q", column.Name, table, newName),
				}
			}
		}
	case ast.AlterTableRenameTable:
		return &BreakingSchemaChangeError{
			Message: fmt.Sprintf("Table %q was renamed to %q", table, objectName(spec.NewTable)),
		}
	case ast.AlterTableChangeColumn:
		column := findColumn(table, spec.OldColumnName.Name.O)
		if column == nil {
			return nil
		}
		newDef := spec.NewColumns[0]
		if !strings.EqualFold(spec.OldColumnName.Name.O, newDef.Name.Name.O) {
			return &BreakingSchemaChangeError{
				Message: fmt.Sprintf("Column %q from table %q was renamed to %q", column.Name, table, newDef.Name.Name.O),
			}
		}
		return checkColumnTypeChange(column, newDef, table)
	case ast.AlterTableModifyColumn:
		newDef := spec.NewColumns[0]
		column := findColumn(table, newDef.Name.Name.O)
		if column == nil {
			return nil
		}
		return checkColumnTypeChange(column, newDef, table)
	case ast.AlterTableAlterColumn:
		// SET DEFAULT and DROP DEFAULT do not affect ingestion.
	}
	return nil
}

func checkColumnTypeChange(column *ColumnDefinition, newDef *ast.ColumnDef, table *TableDefinition) error {
	newType, err := FieldTypeForSQLType(newDef.Tp.String())
	if err != nil {
		return &BreakingSchemaChangeError{
			Message: fmt.Sprintf("Column %q from table %q changed data type from %q to %q",
				column.Name, table, column.Type, newDef.Tp.String()),
		}
	}
	if newType != column.Type {
		return &BreakingSchemaChangeError{
			Message: fmt.Sprintf("Column %q from table %q changed data type from %q to %q",
				column.Name, table, column.Type, newType),
		}
	}
	return nil
}

func objectNameParts(name *ast.TableName) []string {
	if name.Schema.O != "" {
		return []string{name.Schema.O, name.Name.O}
	}
	return []string{name.Name.O}
}

func objectName(name *ast.TableName) string {
	return strings.Join(objectNameParts(name), ".")
}
