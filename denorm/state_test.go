package denorm

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamweld/streamweld/remote"
	"github.com/streamweld/streamweld/types"
)

func field(name string, typ types.FieldType) types.FieldDefinition {
	return types.FieldDefinition{
		Name:     name,
		Type:     typ,
		Nullable: true,
		Source:   types.SourceDefinition{Kind: types.SourceDynamic},
	}
}

func lookupTable(name string) TableWithSchema {
	schema := types.Schema{}
	schema.Field(field("id", types.TypeUInt), true)
	schema.Field(field(name+"_value", types.TypeUInt), false)
	return TableWithSchema{
		Config: SinkTableConfig{
			Namespace:  "test",
			SetName:    name,
			PrimaryKey: []string{"id"},
		},
		Schema: schema,
	}
}

func twoLookupTables() []TableWithSchema {
	baseSchema := types.Schema{}
	baseSchema.Field(field("id", types.TypeUInt), true)
	baseSchema.Field(field("base_value", types.TypeUInt), false)
	baseSchema.Field(field("lookup_0_id", types.TypeUInt), false)
	baseSchema.Field(field("lookup_1_id", types.TypeUInt), false)
	return []TableWithSchema{
		{
			Config: SinkTableConfig{
				Namespace:  "test",
				SetName:    "base",
				PrimaryKey: []string{"id"},
				Denormalize: []DenormRule{
					{
						FromNamespace: "test",
						FromSet:       "lookup_0",
						Key:           DenormKey{Fields: []string{"lookup_0_id"}},
						Columns:       []DenormColumn{{Source: "lookup_0_value", Target: "lookup_0_value"}},
					},
					{
						FromNamespace: "test",
						FromSet:       "lookup_1",
						Key:           DenormKey{Fields: []string{"lookup_1_id"}},
						Columns:       []DenormColumn{{Source: "lookup_1_value", Target: "lookup_1_value"}},
					},
				},
				WriteDenormalizedTo: &SetRef{
					Namespace:  "test",
					Set:        "denorm",
					PrimaryKey: []string{"id"},
				},
			},
			Schema: baseSchema,
		},
		lookupTable("lookup_0"),
		lookupTable("lookup_1"),
	}
}

func insertOp(port int, fields ...types.Field) types.TableOperation {
	return types.TableOperation{
		Port: port,
		Op:   types.Insert{New: types.NewRecord(fields...)},
	}
}

func TestDenormOrder(t *testing.T) {
	state, err := NewState(twoLookupTables())
	require.NoError(t, err)

	require.NoError(t, state.Process(insertOp(0, types.UInt(1), types.UInt(1), types.UInt(100), types.UInt(200))))
	require.NoError(t, state.Process(insertOp(1, types.UInt(100), types.UInt(1000))))
	require.NoError(t, state.Process(insertOp(2, types.UInt(200), types.UInt(2000))))

	client := remote.NewMemClient(0)
	tables, err := state.PerformDenorm(context.Background(), client)
	require.NoError(t, err)
	require.Len(t, tables, 1)

	table := tables[0]
	assert.Equal(t, "test", table.Namespace)
	assert.Equal(t, "denorm", table.Set)
	assert.Equal(t, []string{"id", "base_value", "lookup_0_id", "lookup_1_id", "lookup_1_value", "lookup_0_value"}, table.BinNames)
	assert.Equal(t, []int{0}, table.PK)
	require.Len(t, table.Records, 1)
	assert.True(t, types.FieldsEqual(
		[]types.Field{types.UInt(1), types.UInt(1), types.UInt(100), types.UInt(200), types.UInt(2000), types.UInt(1000)},
		table.Records[0],
	))
}

func TestDenormMissingLookups(t *testing.T) {
	state, err := NewState(twoLookupTables())
	require.NoError(t, err)

	require.NoError(t, state.Process(insertOp(0, types.UInt(1), types.UInt(1), types.UInt(100), types.UInt(200))))

	client := remote.NewMemClient(0)
	tables, err := state.PerformDenorm(context.Background(), client)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.Len(t, tables[0].Records, 1)
	assert.True(t, types.FieldsEqual(
		[]types.Field{types.UInt(1), types.UInt(1), types.UInt(100), types.UInt(200), types.Null{}, types.Null{}},
		tables[0].Records[0],
	))
}

func TestDenormNoDirtyRecords(t *testing.T) {
	state, err := NewState(twoLookupTables())
	require.NoError(t, err)
	tables, err := state.PerformDenorm(context.Background(), remote.NewMemClient(0))
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Empty(t, tables[0].Records)
}

func customerTables() []TableWithSchema {
	customers := types.Schema{}
	customers.Field(field("id", types.TypeString), true)
	customers.Field(field("phone_number", types.TypeString), false)

	accounts := types.Schema{}
	accounts.Field(field("account_id", types.TypeUInt), true)
	accounts.Field(field("customer_id", types.TypeString), false)
	accounts.Field(field("transaction_limit", types.TypeUInt), false)

	transactions := types.Schema{}
	transactions.Field(field("id", types.TypeUInt), true)
	transactions.Field(field("account_id", types.TypeUInt), false)
	transactions.Field(field("amount", types.TypeDecimal), false)

	return []TableWithSchema{
		{
			Config: SinkTableConfig{
				Namespace:     "test",
				SetName:       "customers",
				PrimaryKey:    []string{"id"},
				AggregateByPK: true,
			},
			Schema: customers,
		},
		{
			Config: SinkTableConfig{
				Namespace:  "test",
				SetName:    "accounts",
				PrimaryKey: []string{"account_id"},
				Denormalize: []DenormRule{{
					FromNamespace: "test",
					FromSet:       "customers",
					Key:           DenormKey{Fields: []string{"customer_id"}},
					Columns:       []DenormColumn{{Source: "phone_number", Target: "phone_number"}},
				}},
			},
			Schema: accounts,
		},
		{
			Config: SinkTableConfig{
				Namespace:  "test",
				SetName:    "transactions",
				PrimaryKey: []string{"id"},
				Denormalize: []DenormRule{{
					FromNamespace: "test",
					FromSet:       "accounts",
					Key:           DenormKey{Fields: []string{"account_id"}},
					Columns: []DenormColumn{
						{Source: "customer_id", Target: "customer_id"},
						{Source: "transaction_limit", Target: "transaction_limit"},
					},
				}},
				WriteDenormalizedTo: &SetRef{
					Namespace:  "test",
					Set:        "transactions_denorm",
					PrimaryKey: []string{"id", "customer_id"},
				},
			},
			Schema: transactions,
		},
	}
}

func customer(id, phone string) types.Record {
	return types.NewRecord(types.String(id), types.String(phone))
}

func transaction(id, accountID uint64, amount string) types.Record {
	return types.NewRecord(types.UInt(id), types.UInt(accountID), types.NewDecimal(amount))
}

func denormRow(id, accountID uint64, amount, customerID, phone string) []types.Field {
	row := []types.Field{types.UInt(id), types.UInt(accountID), types.NewDecimal(amount)}
	if customerID == "" {
		row = append(row, types.Null{})
	} else {
		row = append(row, types.String(customerID))
	}
	row = append(row, types.Null{})
	if phone == "" {
		row = append(row, types.Null{})
	} else {
		row = append(row, types.String(phone))
	}
	return row
}

// Versioned aggregation: one output row per phone-number generation at
// each transaction's version.
func TestDenormAggregateEvolution(t *testing.T) {
	ctx := context.Background()
	state, err := NewState(customerTables())
	require.NoError(t, err)
	client := remote.NewMemClient(0)

	require.NoError(t, state.Process(types.TableOperation{Port: 0, Op: types.Insert{New: customer("1001", "+1234567")}}))
	require.NoError(t, state.Process(insertOp(1, types.UInt(101), types.String("1001"), types.Null{})))
	require.NoError(t, state.Persist(ctx, client))

	tables, err := state.PerformDenorm(ctx, client)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Empty(t, tables[0].Records)

	require.NoError(t, state.Process(types.TableOperation{Port: 2, Op: types.Insert{New: transaction(1, 101, "1.23")}}))
	tables, err = state.PerformDenorm(ctx, client)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.Len(t, tables[0].Records, 1)
	assert.True(t, types.FieldsEqual(denormRow(1, 101, "1.23", "1001", "+1234567"), tables[0].Records[0]))

	state.Commit()
	require.NoError(t, state.Persist(ctx, client))

	require.NoError(t, state.Process(types.TableOperation{Port: 2, Op: types.Insert{New: transaction(2, 101, "3.21")}}))
	state.Commit()
	require.NoError(t, state.Process(types.TableOperation{Port: 0, Op: types.Update{
		Old: customer("1001", "+1234567"),
		New: customer("1001", "+7654321"),
	}}))
	require.NoError(t, state.Process(types.TableOperation{Port: 2, Op: types.Insert{New: transaction(3, 101, "1.23")}}))
	require.NoError(t, state.Process(types.TableOperation{Port: 0, Op: types.Insert{New: customer("1001", "+2 123")}}))
	state.Commit()

	tables, err = state.PerformDenorm(ctx, client)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.Len(t, tables[0].Records, 3)
	assert.True(t, types.FieldsEqual(denormRow(2, 101, "3.21", "1001", "+1234567"), tables[0].Records[0]))
	assert.True(t, types.FieldsEqual(denormRow(3, 101, "1.23", "1001", "+7654321"), tables[0].Records[1]))
	assert.True(t, types.FieldsEqual(denormRow(3, 101, "1.23", "1001", "+2 123"), tables[0].Records[2]))

	require.NoError(t, state.Persist(ctx, client))
}

func TestPersistIdempotent(t *testing.T) {
	ctx := context.Background()
	state, err := NewState(twoLookupTables())
	require.NoError(t, err)
	client := remote.NewMemClient(0)

	require.NoError(t, state.Process(insertOp(0, types.UInt(1), types.UInt(1), types.UInt(100), types.UInt(200))))
	require.NoError(t, state.Process(insertOp(1, types.UInt(100), types.UInt(1000))))
	state.Commit()
	require.NoError(t, state.Persist(ctx, client))
	first := client.Snapshot()

	// Replaying the same transaction yields the same remote state.
	require.NoError(t, state.Process(insertOp(0, types.UInt(1), types.UInt(1), types.UInt(100), types.UInt(200))))
	require.NoError(t, state.Process(insertOp(1, types.UInt(100), types.UInt(1000))))
	state.Commit()
	require.NoError(t, state.Persist(ctx, client))
	assert.Equal(t, first, client.Snapshot())

	// Persist with no pending work changes nothing.
	require.NoError(t, state.Persist(ctx, client))
	assert.Equal(t, first, client.Snapshot())
}

func TestPersistWritesAndDeletes(t *testing.T) {
	ctx := context.Background()
	state, err := NewState(twoLookupTables())
	require.NoError(t, err)
	client := remote.NewMemClient(0)

	require.NoError(t, state.Process(insertOp(1, types.UInt(100), types.UInt(1000))))
	state.Commit()
	require.NoError(t, state.Persist(ctx, client))
	assert.Equal(t, 1, client.Len())

	require.NoError(t, state.Process(types.TableOperation{Port: 1, Op: types.Delete{
		Old: types.NewRecord(types.UInt(100), types.UInt(1000)),
	}}))
	state.Commit()
	require.NoError(t, state.Persist(ctx, client))
	assert.Equal(t, 0, client.Len())
}

func TestProcessPrimaryKeyChanged(t *testing.T) {
	state, err := NewState(twoLookupTables())
	require.NoError(t, err)

	err = state.Process(types.TableOperation{Port: 1, Op: types.Update{
		Old: types.NewRecord(types.UInt(100), types.UInt(1000)),
		New: types.NewRecord(types.UInt(101), types.UInt(1000)),
	}})
	var pkErr *PrimaryKeyChangedError
	require.ErrorAs(t, err, &pkErr)
	assert.True(t, types.FieldsEqual([]types.Field{types.UInt(100)}, pkErr.Old))
	assert.True(t, types.FieldsEqual([]types.Field{types.UInt(101)}, pkErr.New))
}

// Coalescing: repeated updates of the same record within one transaction
// keep the op log bounded.
func TestOneToManyUpdateCoalescing(t *testing.T) {
	b := newOneToManyBatch()
	key := []types.Field{types.String("k")}

	_, err := b.insertLocal(key, []types.Field{types.String("k"), types.String("v1")}, 0)
	require.NoError(t, err)
	for i := 2; i <= 100; i++ {
		_, err := b.replaceLocal(key,
			[]types.Field{types.String("k"), types.String(fmt.Sprintf("v%d", i-1))},
			[]types.Field{types.String("k"), types.String(fmt.Sprintf("v%d", i))},
			0)
		require.NoError(t, err)
	}

	entry, ok, err := b.m.get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, entry.ops, 1)
	assert.Len(t, entry.ops[0].ops, 1)
	assert.True(t, types.FieldsEqual([]types.Field{types.String("k"), types.String("v100")}, entry.ops[0].ops[0].values))
}
