package binlog

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"syscall"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/pingcap/tidb/pkg/parser"

	"github.com/streamweld/streamweld/types"
)

// SourceConfig is the connection configuration of the replication source.
type SourceConfig struct {
	Host     string
	Port     uint16
	User     string
	Password string
}

// Ingestor streams row events from the source binlog into a sink,
// tracking positions, reopening the stream on network failures and
// classifying schema drift from source DDL. It is a single cooperative
// task: Run must not be invoked concurrently.
type Ingestor struct {
	sink         Sink
	source       SourceConfig
	serverID     uint32
	nextPosition Position
	stopPosition *Position
	// localStopPosition is the stop offset once the stream reaches the
	// stop position's file.
	localStopPosition *uint64

	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer
	parser   *parser.Parser
}

// NewIngestor creates an ingestor streaming from startPosition until
// stopPosition (or forever when nil), identifying as serverID against the
// source.
func NewIngestor(sink Sink, source SourceConfig, serverID uint32, startPosition Position, stopPosition *Position) *Ingestor {
	return &Ingestor{
		sink:         sink,
		source:       source,
		serverID:     serverID,
		nextPosition: startPosition,
		stopPosition: stopPosition,
		parser:       parser.New(),
	}
}

func (i *Ingestor) openBinlog() error {
	if i.syncer != nil {
		i.syncer.Close()
	}
	i.syncer = replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: i.serverID,
		Flavor:   "mysql",
		Host:     i.source.Host,
		Port:     i.source.Port,
		User:     i.source.User,
		Password: i.source.Password,
	})
	streamer, err := i.syncer.StartSync(mysql.Position{
		Name: string(i.nextPosition.Filename),
		Pos:  uint32(i.nextPosition.Position),
	})
	if err != nil {
		i.syncer.Close()
		i.syncer = nil
		return &OpenError{Err: err}
	}
	i.streamer = streamer

	i.localStopPosition = nil
	if i.stopPosition != nil && bytes.Equal(i.nextPosition.Filename, i.stopPosition.Filename) {
		stop := i.stopPosition.Position
		i.localStopPosition = &stop
	}
	return nil
}

// isNetworkFailure reports whether the stream error is transient and the
// stream should be reopened at the last recorded position.
func isNetworkFailure(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Run drives the event loop until the stop position is reached, the sink
// closes, the context is cancelled, or an error surfaces. Within one
// source transaction, emitted operations preserve source order.
func (i *Ingestor) Run(ctx context.Context, tables []*TableDefinition, schemaHelper SchemaHelper) error {
	if i.streamer == nil {
		if err := i.openBinlog(); err != nil {
			return err
		}
	}
	defer func() {
		if i.syncer != nil {
			i.syncer.Close()
			i.syncer = nil
			i.streamer = nil
		}
	}()

	tableCache := NewTableManager(tables)
	tracker := newSchemaChangeTracker()

	for {
		if i.localStopPosition != nil && i.nextPosition.Position >= *i.localStopPosition {
			return nil
		}

		event, err := i.streamer.GetEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isNetworkFailure(err) {
				if err := i.openBinlog(); err != nil {
					return err
				}
				continue
			}
			return &ReadError{Err: err}
		}

		if event.Header.Flags&replication.LOG_EVENT_ARTIFICIAL_F != 0 {
			continue
		}

		i.nextPosition.Position = uint64(event.Header.LogPos)

		switch e := event.Event.(type) {
		case *replication.RotateEvent:
			if !bytes.Equal(e.NextLogName, i.nextPosition.Filename) {
				i.nextPosition = Position{
					Filename: append([]byte(nil), e.NextLogName...),
					Position: e.Position,
				}
				if err := i.openBinlog(); err != nil {
					return err
				}
			}
			tableCache.HandleRotate()

		case *replication.QueryEvent:
			query := bytes.TrimLeft(e.Query, " \t\r\n")
			switch {
			case bytes.Equal(query, []byte("BEGIN")):
				if err := i.emit(ctx, SnapshottingStarted{}); err != nil {
					return sinkClosed(err)
				}
			case startsWithCaseInsensitive(query, []byte("ALTER")) || startsWithCaseInsensitive(query, []byte("DROP")):
				if tracker.unknownSchemaChange {
					// An unknown schema change occurred before, so granular
					// checks might be inaccurate. The pending full schema
					// check covers this statement too.
					continue
				}
				if err := classifySchemaChange(i.parser, string(query), string(e.Schema), tableCache, tracker); err != nil {
					return err
				}
			}

		case *replication.XIDEvent:
			if err := i.emit(ctx, SnapshottingDone{}); err != nil {
				return sinkClosed(err)
			}

		case *replication.RowsEvent:
			rowsKind, ok := rowsEventKind(event.Header.EventType)
			if !ok {
				continue
			}

			if tracker.unknownSchemaChange {
				if err := tableCache.RefreshFullSchema(ctx, schemaHelper); err != nil {
					return err
				}
				tracker.clear()
			}

			tableIndex, ok := tableCache.CorrespondingTableIndex(e.TableID, e.Table.Schema, e.Table.Table)
			if !ok {
				continue
			}
			if _, dirty := tracker.columnOrderChanged[tableIndex]; dirty {
				if err := tableCache.RefreshColumnOrdinals(ctx, schemaHelper, tracker.columnOrderChanged); err != nil {
					return err
				}
				tracker.clear()
			}

			table, columns, ok := tableCache.TableDetails(tableIndex)
			if !ok {
				continue
			}
			if err := i.handleRowsEvent(ctx, e, rowsKind, table, columns); err != nil {
				if errors.Is(err, ErrSinkClosed) {
					return nil
				}
				return err
			}

		default:
			slog.Debug("other binlog event", "event_type", event.Header.EventType)
		}
	}
}

func (i *Ingestor) emit(ctx context.Context, msg IngestionMessage) error {
	return i.sink.HandleMessage(ctx, msg)
}

func sinkClosed(err error) error {
	if errors.Is(err, ErrSinkClosed) {
		return nil
	}
	return err
}

// rowsKind discriminates the three row-event shapes.
type rowsKind uint8

const (
	rowsWrite rowsKind = iota
	rowsUpdate
	rowsDelete
)

func rowsEventKind(eventType replication.EventType) (rowsKind, bool) {
	switch eventType {
	case replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return rowsWrite, true
	case replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return rowsUpdate, true
	case replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return rowsDelete, true
	default:
		return 0, false
	}
}

func (i *Ingestor) handleRowsEvent(ctx context.Context, event *replication.RowsEvent, kind rowsKind, table *TableDefinition, columns map[int]*ColumnDefinition) error {
	for op, err := range rowsOperations(event, kind, columns) {
		if err != nil {
			return err
		}
		if err := i.emit(ctx, OperationEvent{TableIndex: table.TableIndex, Op: op}); err != nil {
			return err
		}
	}
	return nil
}

// rowsOperations yields one typed operation per row of the event,
// selecting only the registered columns: inserts and deletes consume one
// row image each, updates consume a before/after pair.
func rowsOperations(event *replication.RowsEvent, kind rowsKind, columns map[int]*ColumnDefinition) func(yield func(types.Operation, error) bool) {
	selected := selectColumns(int(event.ColumnCount), columns)
	return func(yield func(types.Operation, error) bool) {
		switch kind {
		case rowsWrite:
			for _, row := range event.Rows {
				fields, err := intoFields(row, selected)
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(types.Insert{New: types.NewRecord(fields...)}, nil) {
					return
				}
			}
		case rowsDelete:
			for _, row := range event.Rows {
				fields, err := intoFields(row, selected)
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(types.Delete{Old: types.NewRecord(fields...)}, nil) {
					return
				}
			}
		case rowsUpdate:
			if len(event.Rows)%2 != 0 {
				yield(nil, &Error{Message: "expected even number of rows for update event"})
				return
			}
			for j := 0; j+1 < len(event.Rows); j += 2 {
				oldFields, err := intoFields(event.Rows[j], selected)
				if err != nil {
					yield(nil, err)
					return
				}
				newFields, err := intoFields(event.Rows[j+1], selected)
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(types.Update{Old: types.NewRecord(oldFields...), New: types.NewRecord(newFields...)}, nil) {
					return
				}
			}
		}
	}
}

func startsWithCaseInsensitive(s, prefix []byte) bool {
	if len(s) < len(prefix) {
		return false
	}
	return bytes.EqualFold(s[:len(prefix)], prefix)
}
