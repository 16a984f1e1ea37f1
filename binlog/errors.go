package binlog

import "fmt"

// ConnectionFailureError reports a failure to connect to the source.
type ConnectionFailureError struct {
	Addr string
	Err  error
}

func (e *ConnectionFailureError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionFailureError) Unwrap() error { return e.Err }

// QueryExecutionError reports a failed metadata query against the source.
type QueryExecutionError struct {
	Err error
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("query execution error: %v", e.Err)
}

func (e *QueryExecutionError) Unwrap() error { return e.Err }

// OpenError reports a failure to open the binlog stream.
type OpenError struct {
	Err error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("failed to open binlog: %v", e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// ReadError reports a non-recoverable failure while reading the stream.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read binlog: %v", e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// BreakingSchemaChangeError terminates ingestion when source DDL breaks a
// registered table.
type BreakingSchemaChangeError struct {
	Message string
}

func (e *BreakingSchemaChangeError) Error() string {
	return e.Message
}

// Error is a generic binlog protocol error.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
