package remote

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/streamweld/streamweld/types"
)

// MemClient is an in-memory Client used by tests and dry runs. It applies
// the same whole-record overwrite semantics as a real store.
type MemClient struct {
	mu      sync.RWMutex
	rows    map[string]*Row
	timeout time.Duration
}

// NewMemClient creates an empty in-memory store. A zero timeout disables
// the deadline on batch operations.
func NewMemClient(timeout time.Duration) *MemClient {
	return &MemClient{
		rows:    make(map[string]*Row),
		timeout: timeout,
	}
}

func (c *MemClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *MemClient) BatchGet(ctx context.Context, keys []Key) ([]*Row, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	c.mu.RLock()
	defer c.mu.RUnlock()
	rows := make([]*Row, len(keys))
	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, ErrTimeout
		}
		k, err := key.encoded()
		if err != nil {
			return nil, err
		}
		if row, ok := c.rows[k]; ok {
			rows[i] = copyRow(row)
		}
	}
	return rows, nil
}

func (c *MemClient) BatchWrite(ctx context.Context, writes []Write) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range writes {
		if err := ctx.Err(); err != nil {
			return ErrTimeout
		}
		k, err := w.Key.encoded()
		if err != nil {
			return err
		}
		switch w.Kind {
		case WriteRemove:
			delete(c.rows, k)
		case WritePut:
			bins := make(map[string]types.Field, len(w.BinNames))
			for i, name := range w.BinNames {
				bins[name] = w.Values[i]
			}
			c.rows[k] = &Row{Bins: bins}
		case WritePutList:
			rows := make([][]types.Field, len(w.ListRows))
			for i, r := range w.ListRows {
				rows[i] = append([]types.Field(nil), r...)
			}
			c.rows[k] = &Row{Lists: map[string]ListValue{
				w.ListBin: {ElementBins: append([]string(nil), w.ElementBins...), Rows: rows},
			}}
		}
	}
	return nil
}

// Len reports the number of stored records.
func (c *MemClient) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rows)
}

// Snapshot returns a deep copy of the store contents keyed by the encoded
// record key, for equality assertions in tests.
func (c *MemClient) Snapshot() map[string]*Row {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*Row, len(c.rows))
	for k, row := range c.rows {
		out[k] = copyRow(row)
	}
	return out
}

func copyRow(row *Row) *Row {
	out := &Row{}
	if row.Bins != nil {
		out.Bins = maps.Clone(row.Bins)
	}
	if row.Lists != nil {
		out.Lists = make(map[string]ListValue, len(row.Lists))
		for name, list := range row.Lists {
			rows := make([][]types.Field, len(list.Rows))
			for i, r := range list.Rows {
				rows[i] = append([]types.Field(nil), r...)
			}
			out.Lists[name] = ListValue{
				ElementBins: append([]string(nil), list.ElementBins...),
				Rows:        rows,
			}
		}
	}
	return out
}
