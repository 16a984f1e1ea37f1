package denorm

import (
	"fmt"

	"github.com/streamweld/streamweld/types"
)

// DuplicateSinkTableError reports two sink tables declared for the same
// (namespace, set) pair.
type DuplicateSinkTableError struct {
	Namespace string
	Set       string
}

func (e *DuplicateSinkTableError) Error() string {
	return fmt.Sprintf("duplicate sink set definition: %s.%s", e.Namespace, e.Set)
}

// SetNotFoundError reports a denormalization rule referencing an unknown
// set.
type SetNotFoundError struct {
	Namespace string
	Set       string
}

func (e *SetNotFoundError) Error() string {
	return fmt.Sprintf("set referenced in denormalization not found: %s.%s", e.Namespace, e.Set)
}

// CycleError reports a lookup edge that would close a cycle.
type CycleError struct {
	Namespace     string
	Set           string
	FromNamespace string
	FromSet       string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("adding denormalizing lookup on set %s.%s from set %s.%s would create a cycle",
		e.Namespace, e.Set, e.FromNamespace, e.FromSet)
}

// FieldNotFoundError reports a field name missing from a sink schema.
type FieldNotFoundError struct {
	Name string
}

func (e *FieldNotFoundError) Error() string {
	return fmt.Sprintf("field not found: %q", e.Name)
}

// InvalidNameError reports a bin name the remote store cannot represent.
type InvalidNameError struct {
	Name string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid name: %q", e.Name)
}

// ErrNotNullNotFound reports a non-nullable lookup value that was absent.
var ErrNotNullNotFound = fmt.Errorf("non-nullable lookup value not found")

// MismatchedKeysError reports a lookup key that does not match the
// referenced set's primary key in length or element types.
type MismatchedKeysError struct {
	LookupNamespace string
	LookupSet       string
	DenormNamespace string
	DenormSet       string
}

func (e *MismatchedKeysError) Error() string {
	return fmt.Sprintf("the primary key for lookup set %q.%q does not match the denormalization key specified by the denormalizing set %q.%q",
		e.LookupNamespace, e.LookupSet, e.DenormNamespace, e.DenormSet)
}

// RemoteError wraps a failure surfaced by the remote store.
type RemoteError struct {
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote store error: %v", e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func remoteErr(err error) error {
	if err == nil {
		return nil
	}
	return &RemoteError{Err: err}
}

// PrimaryKeyChangedError reports an update whose new primary key differs
// from the old one.
type PrimaryKeyChangedError struct {
	Old []types.Field
	New []types.Field
}

func (e *PrimaryKeyChangedError) Error() string {
	return fmt.Sprintf("primary key changed from %v to %v", e.Old, e.New)
}
