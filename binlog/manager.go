package binlog

import (
	"context"
	"strings"
)

// TableManager maintains the bidirectional view between the replication
// stream's transient wire table-ids and the registered table definitions,
// plus a per-table map from zero-based row column position to column
// definition.
type TableManager struct {
	tables              []*TableDefinition
	wireIDToTableIndex  map[uint64]int
	knownMissingWireIDs map[uint64]struct{}
	columnCache         []map[int]*ColumnDefinition
	databases           map[string]struct{}
}

// NewTableManager builds the manager over the registered tables. The
// manager keeps the slice; refreshes mutate the definitions in place.
func NewTableManager(tables []*TableDefinition) *TableManager {
	m := &TableManager{
		tables:              tables,
		wireIDToTableIndex:  make(map[uint64]int),
		knownMissingWireIDs: make(map[uint64]struct{}),
		databases:           make(map[string]struct{}),
	}
	for _, td := range tables {
		m.databases[td.DatabaseName] = struct{}{}
	}
	m.rebuildColumnCache()
	return m
}

func (m *TableManager) rebuildColumnCache() {
	m.columnCache = make([]map[int]*ColumnDefinition, len(m.tables))
	for i, td := range m.tables {
		columns := make(map[int]*ColumnDefinition, len(td.Columns))
		for j := range td.Columns {
			col := &td.Columns[j]
			columns[col.OrdinalPosition-1] = col
		}
		m.columnCache[i] = columns
	}
}

// HandleRotate invalidates the wire-id caches; wire table-ids are not
// stable across binlog rotations.
func (m *TableManager) HandleRotate() {
	m.wireIDToTableIndex = make(map[uint64]int)
	m.knownMissingWireIDs = make(map[uint64]struct{})
}

// CorrespondingTableIndex resolves a table-map event to a registered
// table index, consulting the positive then the negative cache and
// falling back to a scan by exact database and table name.
func (m *TableManager) CorrespondingTableIndex(wireTableID uint64, database, table []byte) (int, bool) {
	if idx, ok := m.wireIDToTableIndex[wireTableID]; ok {
		return idx, true
	}
	if _, ok := m.knownMissingWireIDs[wireTableID]; ok {
		return 0, false
	}
	for _, td := range m.tables {
		if td.DatabaseName == string(database) && td.TableName == string(table) {
			m.wireIDToTableIndex[wireTableID] = td.TableIndex
			return td.TableIndex, true
		}
	}
	m.knownMissingWireIDs[wireTableID] = struct{}{}
	return 0, false
}

// TableDetails returns the definition and column map of a table index.
func (m *TableManager) TableDetails(tableIndex int) (*TableDefinition, map[int]*ColumnDefinition, bool) {
	if tableIndex < 0 || tableIndex >= len(m.tables) {
		return nil, nil, false
	}
	return m.tables[tableIndex], m.columnCache[tableIndex], true
}

// RefreshColumnOrdinals re-reads ordinals for the listed tables and
// rebuilds the column map.
func (m *TableManager) RefreshColumnOrdinals(ctx context.Context, helper SchemaHelper, tableIndexes map[int]struct{}) error {
	var toRefresh []*TableDefinition
	for _, td := range m.tables {
		if _, ok := tableIndexes[td.TableIndex]; ok {
			toRefresh = append(toRefresh, td)
		}
	}
	if err := helper.RefreshColumnOrdinals(ctx, toRefresh); err != nil {
		return err
	}
	m.rebuildColumnCache()
	return nil
}

// RefreshFullSchema re-reads the whole schema, letting the helper perform
// its breaking-change check, and rebuilds the column map. This is the
// last resort when granular schema changes are not known.
func (m *TableManager) RefreshFullSchema(ctx context.Context, helper SchemaHelper) error {
	if err := helper.RefreshSchemaAndCheckForBreakingChanges(ctx, m.tables); err != nil {
		return err
	}
	m.rebuildColumnCache()
	return nil
}

// FindTableByObjectName resolves a one- or two-part identifier to a
// registered table, using the fallback schema when unqualified. The
// comparison is case-insensitive. Identifiers with more or fewer parts
// resolve to nothing.
func (m *TableManager) FindTableByObjectName(parts []string, fallbackSchema string) *TableDefinition {
	if len(parts) == 0 || len(parts) > 2 {
		return nil
	}
	tableName := parts[len(parts)-1]
	databaseName := fallbackSchema
	if len(parts) > 1 {
		databaseName = parts[0]
	}
	for _, td := range m.tables {
		if strings.EqualFold(td.TableName, tableName) && strings.EqualFold(td.DatabaseName, databaseName) {
			return td
		}
	}
	return nil
}

// Databases returns the set of databases the registered tables live in.
func (m *TableManager) Databases() map[string]struct{} {
	return m.databases
}

// findColumn looks up a registered column by name, case-insensitively.
func findColumn(td *TableDefinition, name string) *ColumnDefinition {
	for i := range td.Columns {
		if strings.EqualFold(td.Columns[i].Name, name) {
			return &td.Columns[i]
		}
	}
	return nil
}
