// Package binlog ingests a MySQL-style row replication stream: it tracks
// positions across rotations, maps wire table-ids to registered tables,
// classifies schema drift from parsed DDL, and emits typed row operations
// into a sink.
package binlog

import (
	"bytes"
	"database/sql"
	"fmt"
)

// Position addresses an event in the binary log.
type Position struct {
	Filename []byte
	Position uint64
}

func (p Position) String() string {
	return fmt.Sprintf("%s:%d", p.Filename, p.Position)
}

// Equal reports whether two positions address the same file and offset.
func (p Position) Equal(other Position) bool {
	return bytes.Equal(p.Filename, other.Filename) && p.Position == other.Position
}

// MasterPosition reads the source's current binlog position from its
// master-status view: filename in column 0, offset in column 1.
func MasterPosition(db *sql.DB) (Position, error) {
	rows, err := db.Query("SHOW MASTER STATUS")
	if err != nil {
		return Position{}, &QueryExecutionError{Err: err}
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Position{}, &QueryExecutionError{Err: err}
		}
		return Position{}, &QueryExecutionError{Err: fmt.Errorf("master status is empty, is binary logging enabled?")}
	}
	cols, err := rows.Columns()
	if err != nil {
		return Position{}, &QueryExecutionError{Err: err}
	}
	dest := make([]any, len(cols))
	var filename string
	var position uint64
	dest[0] = &filename
	dest[1] = &position
	for i := 2; i < len(dest); i++ {
		dest[i] = new(any)
	}
	if err := rows.Scan(dest...); err != nil {
		return Position{}, &QueryExecutionError{Err: err}
	}
	return Position{Filename: []byte(filename), Position: position}, nil
}

// Format reads the source's binlog_format variable. Streaming requires
// ROW format.
func Format(db *sql.DB) (string, error) {
	var format string
	if err := db.QueryRow("SELECT @@binlog_format").Scan(&format); err != nil {
		return "", &QueryExecutionError{Err: err}
	}
	return format, nil
}
