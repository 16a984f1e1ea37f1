package binlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamweld/streamweld/types"
)

func TestCorrespondingTableIndex(t *testing.T) {
	manager := NewTableManager(registeredTables())

	idx, ok := manager.CorrespondingTableIndex(42, []byte("app"), []byte("t"))
	require.True(t, ok)
	assert.Equal(t, 0, idx)

	// Positive cache hit.
	idx, ok = manager.CorrespondingTableIndex(42, []byte("ignored"), []byte("ignored"))
	require.True(t, ok)
	assert.Equal(t, 0, idx)

	// Unknown table lands in the negative cache.
	_, ok = manager.CorrespondingTableIndex(43, []byte("app"), []byte("unknown"))
	assert.False(t, ok)
	_, ok = manager.CorrespondingTableIndex(43, []byte("app"), []byte("t"))
	assert.False(t, ok, "negative cache consulted before scanning")

	// The match key is case-sensitive.
	_, ok = manager.CorrespondingTableIndex(44, []byte("app"), []byte("T"))
	assert.False(t, ok)
}

func TestRotateInvalidatesWireIDs(t *testing.T) {
	manager := NewTableManager(registeredTables())

	_, ok := manager.CorrespondingTableIndex(42, []byte("app"), []byte("t"))
	require.True(t, ok)
	_, ok = manager.CorrespondingTableIndex(43, []byte("app"), []byte("nope"))
	require.False(t, ok)

	manager.HandleRotate()

	// After a rotation the same wire id may map to a different table.
	idx, ok := manager.CorrespondingTableIndex(42, []byte("app"), []byte("other"))
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	_, ok = manager.CorrespondingTableIndex(43, []byte("app"), []byte("t"))
	assert.True(t, ok)
}

func TestFindTableByObjectName(t *testing.T) {
	manager := NewTableManager(registeredTables())

	assert.NotNil(t, manager.FindTableByObjectName([]string{"t"}, "app"))
	assert.NotNil(t, manager.FindTableByObjectName([]string{"app", "t"}, "elsewhere"))
	// Case-insensitive resolution.
	assert.NotNil(t, manager.FindTableByObjectName([]string{"APP", "T"}, ""))
	// Wrong fallback schema.
	assert.Nil(t, manager.FindTableByObjectName([]string{"t"}, "elsewhere"))
	// Identifiers with more than two parts resolve to nothing.
	assert.Nil(t, manager.FindTableByObjectName([]string{"a", "b", "c"}, "app"))
	assert.Nil(t, manager.FindTableByObjectName(nil, "app"))
}

func TestColumnMapKeyedByZeroBasedOrdinal(t *testing.T) {
	manager := NewTableManager(registeredTables())
	_, columns, ok := manager.TableDetails(0)
	require.True(t, ok)
	require.Len(t, columns, 2)
	assert.Equal(t, "id", columns[0].Name)
	assert.Equal(t, "c", columns[1].Name)
}

type fakeSchemaHelper struct {
	ordinalRefreshes [][]string
	fullRefreshes    int
	shift            int
}

func (h *fakeSchemaHelper) RefreshColumnOrdinals(_ context.Context, tables []*TableDefinition) error {
	var names []string
	for _, td := range tables {
		names = append(names, td.TableName)
		for i := range td.Columns {
			td.Columns[i].OrdinalPosition += h.shift
		}
	}
	h.ordinalRefreshes = append(h.ordinalRefreshes, names)
	return nil
}

func (h *fakeSchemaHelper) RefreshSchemaAndCheckForBreakingChanges(context.Context, []*TableDefinition) error {
	h.fullRefreshes++
	return nil
}

func TestRefreshColumnOrdinalsRebuildsMap(t *testing.T) {
	manager := NewTableManager(registeredTables())
	helper := &fakeSchemaHelper{shift: 1}

	err := manager.RefreshColumnOrdinals(context.Background(), helper, map[int]struct{}{0: {}})
	require.NoError(t, err)
	require.Len(t, helper.ordinalRefreshes, 1)
	assert.Equal(t, []string{"t"}, helper.ordinalRefreshes[0])

	// The column map now reflects the shifted ordinals.
	_, columns, ok := manager.TableDetails(0)
	require.True(t, ok)
	assert.Equal(t, "id", columns[1].Name)
	assert.Equal(t, "c", columns[2].Name)
}

func TestSelectColumnsIntersection(t *testing.T) {
	manager := NewTableManager(registeredTables())
	_, columns, ok := manager.TableDetails(0)
	require.True(t, ok)

	// A row wider than the registered columns only yields the registered
	// ones.
	selected := selectColumns(4, columns)
	require.Len(t, selected, 2)
	assert.Equal(t, 0, selected[0].rowPosition)
	assert.Equal(t, types.TypeInt, selected[0].typ)
	assert.Equal(t, 1, selected[1].rowPosition)
	assert.Equal(t, types.TypeString, selected[1].typ)

	// A narrower row image drops the out-of-range columns.
	selected = selectColumns(1, columns)
	require.Len(t, selected, 1)
	assert.Equal(t, 0, selected[0].rowPosition)
}
