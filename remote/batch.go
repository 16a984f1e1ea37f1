package remote

import (
	"context"
	"fmt"

	"github.com/streamweld/streamweld/types"
)

// DefaultBatchSize bounds the number of records in a single remote
// request when no explicit capacity is configured.
const DefaultBatchSize = 4096

// readConcurrency bounds the number of chunked remote requests in flight
// for one batch execution.
const readConcurrency = 4

// ReadBatch collects point reads and executes them as bounded-size remote
// requests. The batch never flushes on its own; Execute sends everything
// at once, chunked to the configured capacity with result order preserved.
type ReadBatch struct {
	client   Client
	capacity int
	keys     []Key
}

// NewReadBatch creates a read batch. A non-positive capacity falls back to
// DefaultBatchSize.
func NewReadBatch(client Client, sizeHint int, capacity int) *ReadBatch {
	if capacity <= 0 {
		capacity = DefaultBatchSize
	}
	return &ReadBatch{
		client:   client,
		capacity: capacity,
		keys:     make([]Key, 0, sizeHint),
	}
}

// AddReadAll schedules a full-record read and returns its index into the
// batch results.
func (b *ReadBatch) AddReadAll(namespace, set string, key []types.Field) int {
	b.keys = append(b.keys, Key{Namespace: namespace, Set: set, PK: key})
	return len(b.keys) - 1
}

// Len reports the number of scheduled reads.
func (b *ReadBatch) Len() int {
	return len(b.keys)
}

// Execute sends all scheduled reads and returns their results, aligned
// with the indices returned by AddReadAll.
func (b *ReadBatch) Execute(ctx context.Context) (*ReadBatchResults, error) {
	if len(b.keys) == 0 {
		return &ReadBatchResults{}, nil
	}
	chunks := chunkSlice(b.keys, b.capacity)
	results, err := concurrentMapFunc(chunks, readConcurrency, func(chunk []Key) ([]*Row, error) {
		return b.client.BatchGet(ctx, chunk)
	})
	if err != nil {
		return nil, err
	}
	rows := make([]*Row, 0, len(b.keys))
	for _, chunk := range results {
		rows = append(rows, chunk...)
	}
	return &ReadBatchResults{rows: rows}, nil
}

// ReadBatchResults holds the outcome of a ReadBatch execution.
type ReadBatchResults struct {
	rows []*Row
}

// Get returns the row for read index i, or nil if the record does not
// exist remotely.
func (r *ReadBatchResults) Get(i int) (*Row, error) {
	if i < 0 || i >= len(r.rows) {
		return nil, fmt.Errorf("read batch index %d out of range (%d results)", i, len(r.rows))
	}
	return r.rows[i], nil
}

// WriteBatch collects whole-record writes and deletes and flushes them on
// Execute, chunked to the configured capacity.
type WriteBatch struct {
	client   Client
	capacity int
	writes   []Write
}

// NewWriteBatch creates a write batch. A non-positive capacity falls back
// to DefaultBatchSize.
func NewWriteBatch(client Client, sizeHint int, capacity int) *WriteBatch {
	if capacity <= 0 {
		capacity = DefaultBatchSize
	}
	return &WriteBatch{
		client:   client,
		capacity: capacity,
		writes:   make([]Write, 0, sizeHint),
	}
}

// AddWrite schedules a whole-record overwrite.
func (b *WriteBatch) AddWrite(namespace, set string, binNames []string, key, values []types.Field) {
	b.writes = append(b.writes, Write{
		Key:      Key{Namespace: namespace, Set: set, PK: key},
		Kind:     WritePut,
		BinNames: binNames,
		Values:   values,
	})
}

// AddRemove schedules a record delete.
func (b *WriteBatch) AddRemove(namespace, set string, key []types.Field) {
	b.writes = append(b.writes, Write{
		Key:  Key{Namespace: namespace, Set: set, PK: key},
		Kind: WriteRemove,
	})
}

// AddWriteList schedules a whole-record overwrite of a single list bin.
func (b *WriteBatch) AddWriteList(namespace, set, listBin string, key []types.Field, elementBins []string, rows [][]types.Field) {
	b.writes = append(b.writes, Write{
		Key:         Key{Namespace: namespace, Set: set, PK: key},
		Kind:        WritePutList,
		ListBin:     listBin,
		ElementBins: elementBins,
		ListRows:    rows,
	})
}

// Len reports the number of scheduled writes.
func (b *WriteBatch) Len() int {
	return len(b.writes)
}

// Execute flushes all scheduled writes. On error the batch is left intact
// so the caller can retry; every write is an idempotent overwrite.
func (b *WriteBatch) Execute(ctx context.Context) error {
	for _, chunk := range chunkSlice(b.writes, b.capacity) {
		if err := b.client.BatchWrite(ctx, chunk); err != nil {
			return err
		}
	}
	b.writes = b.writes[:0]
	return nil
}

func chunkSlice[T any](in []T, size int) [][]T {
	chunks := make([][]T, 0, (len(in)+size-1)/size)
	for len(in) > size {
		chunks = append(chunks, in[:size])
		in = in[size:]
	}
	if len(in) > 0 {
		chunks = append(chunks, in)
	}
	return chunks
}
