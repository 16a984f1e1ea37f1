package cache

import (
	"errors"
	"fmt"

	"github.com/streamweld/streamweld/types"
)

// ErrSchemaNotFound is returned by OpenOrCreate when no schema is supplied
// and none is stored.
var ErrSchemaNotFound = errors.New("schema not found")

// SchemaMismatchError is returned when the supplied schema differs from
// the stored one. Index differences are not a mismatch; they are
// reconciled in place.
type SchemaMismatchError struct {
	Name   string
	Given  *types.SchemaWithIndex
	Stored *types.SchemaWithIndex
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch for cache %q", e.Name)
}

// PrimaryKeyChangedError is returned by Update when the new record's
// primary key differs from the old one's.
type PrimaryKeyChangedError struct {
	Old []types.Field
	New []types.Field
}

func (e *PrimaryKeyChangedError) Error() string {
	return fmt.Sprintf("primary key changed from %v to %v", e.Old, e.New)
}

// StorageError wraps an error surfaced by the backing storage engine.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %v", e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Err: err}
}

// PlanError reports a query expression that cannot be planned against the
// cache's schema and indexes.
type PlanError struct {
	Err error
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("plan error: %v", e.Err)
}

func (e *PlanError) Unwrap() error {
	return e.Err
}
