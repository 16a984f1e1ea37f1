package denorm

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/streamweld/streamweld/remote"
	"github.com/streamweld/streamweld/types"
)

// UnsupportedPrimaryKeyTypeError reports a field type the remote store
// cannot key records by.
type UnsupportedPrimaryKeyTypeError struct {
	Type types.FieldType
}

func (e *UnsupportedPrimaryKeyTypeError) Error() string {
	return fmt.Sprintf("unsupported type for primary key: %s", e.Type)
}

// ErrNoPrimaryKey reports a sink schema without a primary key.
var ErrNoPrimaryKey = fmt.Errorf("no primary key found, the remote store requires records to have one")

// CheckPrimaryKey validates that a schema's primary index can key remote
// records: floats, booleans, JSON and points are rejected.
func CheckPrimaryKey(schema *types.Schema) error {
	if len(schema.PrimaryIndex) == 0 {
		return ErrNoPrimaryKey
	}
	for _, i := range schema.PrimaryIndex {
		switch typ := schema.Fields[i].Type; typ {
		case types.TypeFloat, types.TypeBoolean, types.TypeJSON, types.TypePoint:
			return &UnsupportedPrimaryKeyTypeError{Type: typ}
		}
	}
	return nil
}

// SinkPool applies table operations directly to a remote set with a fixed
// pool of workers reading from a bounded queue. Producers block when the
// queue is full; that is the only back-pressure on the write path.
type SinkPool struct {
	ops  chan types.TableOperation
	wg   sync.WaitGroup
	once sync.Once
}

// NewSinkPool starts workers writing operations for the given schema to
// namespace.set. A non-positive worker count defaults to the available
// parallelism.
func NewSinkPool(client remote.Client, namespace, set string, schema types.Schema, workers int) (*SinkPool, error) {
	if err := CheckPrimaryKey(&schema); err != nil {
		return nil, err
	}
	bins, err := binNames(schema.Fields)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &SinkPool{ops: make(chan types.TableOperation, workers)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w := sinkWorker{
				client:    client,
				namespace: namespace,
				set:       set,
				schema:    schema,
				bins:      bins,
			}
			w.run(p.ops)
		}()
	}
	return p, nil
}

// Process enqueues one operation, blocking while the queue is full.
func (p *SinkPool) Process(op types.TableOperation) {
	p.ops <- op
}

// Close stops accepting operations and waits for the workers to drain the
// queue.
func (p *SinkPool) Close() {
	p.once.Do(func() { close(p.ops) })
	p.wg.Wait()
}

type sinkWorker struct {
	client    remote.Client
	namespace string
	set       string
	schema    types.Schema
	bins      []string
}

func (w *sinkWorker) run(ops <-chan types.TableOperation) {
	for op := range ops {
		if err := w.process(op); err != nil {
			slog.Error("error processing operation", "namespace", w.namespace, "set", w.set, "error", err)
		}
	}
}

func (w *sinkWorker) process(op types.TableOperation) error {
	batch := remote.NewWriteBatch(w.client, 1, 0)
	switch o := op.Op.(type) {
	case types.Insert:
		batch.AddWrite(w.namespace, w.set, w.bins, o.New.KeyFields(&w.schema), o.New.Values)
	case types.Delete:
		batch.AddRemove(w.namespace, w.set, o.Old.KeyFields(&w.schema))
	case types.Update:
		batch.AddWrite(w.namespace, w.set, w.bins, o.Old.KeyFields(&w.schema), o.New.Values)
	case types.BatchInsert:
		for _, rec := range o.New {
			batch.AddWrite(w.namespace, w.set, w.bins, rec.KeyFields(&w.schema), rec.Values)
		}
	default:
		return fmt.Errorf("unknown operation %T", op.Op)
	}
	return batch.Execute(context.Background())
}
