// Package remote abstracts the downstream key-value store and provides the
// bounded read/write batching used by the denormalization state and the
// sink worker pool. Concrete store drivers implement Client; the package
// ships an in-memory implementation for tests and dry runs.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/streamweld/streamweld/types"
)

// ErrTimeout is returned when a batch operation exceeds the client's total
// timeout.
var ErrTimeout = errors.New("remote operation timed out")

// Key addresses a record in the remote store.
type Key struct {
	Namespace string
	Set       string
	PK        []types.Field
}

func (k Key) String() string {
	return fmt.Sprintf("%s.%s:%v", k.Namespace, k.Set, k.PK)
}

// encoded returns a collision-free map key for k.
func (k Key) encoded() (string, error) {
	pk, err := types.EncodeKey(k.PK)
	if err != nil {
		return "", err
	}
	return k.Namespace + "\x00" + k.Set + "\x00" + pk, nil
}

// ListValue is the value of a list bin: rows of element values, each
// aligned with ElementBins.
type ListValue struct {
	ElementBins []string
	Rows        [][]types.Field
}

// Row is a remote record: scalar bins by name, plus list bins.
type Row struct {
	Bins  map[string]types.Field
	Lists map[string]ListValue
}

// WriteKind discriminates the write operations a batch can carry.
type WriteKind uint8

const (
	// WritePut overwrites the whole record with the given bins.
	WritePut WriteKind = iota
	// WriteRemove deletes the record.
	WriteRemove
	// WritePutList overwrites the record with a single list bin.
	WritePutList
)

// Write is one element of a write batch. Every write is a whole-record
// overwrite or delete keyed by primary key, which is what makes batch
// retries safe.
type Write struct {
	Key  Key
	Kind WriteKind

	// WritePut
	BinNames []string
	Values   []types.Field

	// WritePutList
	ListBin     string
	ElementBins []string
	ListRows    [][]types.Field
}

// Client is a remote store connection. Implementations must be safe for
// concurrent use; the batcher may issue chunked requests in parallel.
type Client interface {
	// BatchGet reads the full record for every key. The result is aligned
	// with keys; a nil entry means the record does not exist.
	BatchGet(ctx context.Context, keys []Key) ([]*Row, error)
	// BatchWrite applies all writes. Partial application is allowed only
	// if every write is idempotent, which Write guarantees.
	BatchWrite(ctx context.Context, writes []Write) error
}
