package remote

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamweld/streamweld/types"
)

func TestReadBatchPreservesOrder(t *testing.T) {
	ctx := context.Background()
	client := NewMemClient(0)

	writes := NewWriteBatch(client, 0, 0)
	for i := 0; i < 100; i++ {
		writes.AddWrite("ns", "set", []string{"id"}, []types.Field{types.UInt(uint64(i))}, []types.Field{types.UInt(uint64(i))})
	}
	require.NoError(t, writes.Execute(ctx))

	// A capacity far below the read count forces chunked execution.
	reads := NewReadBatch(client, 0, 7)
	for i := 0; i < 100; i++ {
		idx := reads.AddReadAll("ns", "set", []types.Field{types.UInt(uint64(i))})
		assert.Equal(t, i, idx)
	}
	results, err := reads.Execute(ctx)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		row, err := results.Get(i)
		require.NoError(t, err)
		require.NotNil(t, row, "read %d", i)
		assert.True(t, types.Equal(types.UInt(uint64(i)), row.Bins["id"]))
	}
}

func TestReadBatchMissingRecords(t *testing.T) {
	client := NewMemClient(0)
	reads := NewReadBatch(client, 0, 0)
	idx := reads.AddReadAll("ns", "set", []types.Field{types.String("missing")})
	results, err := reads.Execute(context.Background())
	require.NoError(t, err)
	row, err := results.Get(idx)
	require.NoError(t, err)
	assert.Nil(t, row)

	_, err = results.Get(idx + 1)
	assert.Error(t, err)
}

func TestWriteBatchKeptOnError(t *testing.T) {
	client := &failingClient{fail: true}
	batch := NewWriteBatch(client, 0, 0)
	batch.AddWrite("ns", "set", []string{"a"}, []types.Field{types.UInt(1)}, []types.Field{types.UInt(2)})
	require.Error(t, batch.Execute(context.Background()))
	// The batch still holds the writes, so the flush can be retried.
	assert.Equal(t, 1, batch.Len())

	client.fail = false
	require.NoError(t, batch.Execute(context.Background()))
	assert.Equal(t, 0, batch.Len())
}

type failingClient struct {
	mu   sync.Mutex
	fail bool
}

func (c *failingClient) BatchGet(context.Context, []Key) ([]*Row, error) {
	return nil, fmt.Errorf("unreachable store")
}

func (c *failingClient) BatchWrite(context.Context, []Write) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return fmt.Errorf("unreachable store")
	}
	return nil
}

func TestWriteListRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := NewMemClient(0)

	writes := NewWriteBatch(client, 0, 0)
	writes.AddWriteList("ns", "set", "data",
		[]types.Field{types.String("k")},
		[]string{"id", "value"},
		[][]types.Field{
			{types.String("k"), types.UInt(1)},
			{types.String("k"), types.UInt(2)},
		})
	require.NoError(t, writes.Execute(ctx))

	reads := NewReadBatch(client, 1, 0)
	idx := reads.AddReadAll("ns", "set", []types.Field{types.String("k")})
	results, err := reads.Execute(ctx)
	require.NoError(t, err)
	row, err := results.Get(idx)
	require.NoError(t, err)
	require.NotNil(t, row)
	list, ok := row.Lists["data"]
	require.True(t, ok)
	assert.Equal(t, []string{"id", "value"}, list.ElementBins)
	require.Len(t, list.Rows, 2)
	assert.True(t, types.FieldsEqual([]types.Field{types.String("k"), types.UInt(1)}, list.Rows[0]))
}

func TestMemClientTimeout(t *testing.T) {
	client := NewMemClient(time.Nanosecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.BatchGet(ctx, []Key{{Namespace: "ns", Set: "s", PK: []types.Field{types.UInt(1)}}})
	assert.ErrorIs(t, err, ErrTimeout)
}
