package binlog

import (
	"context"
	"errors"

	"github.com/streamweld/streamweld/types"
)

// ErrSinkClosed is returned by a sink whose receiving side is gone; the
// ingestor then returns cleanly.
var ErrSinkClosed = errors.New("ingestion sink is closed")

// IngestionMessage is one element of the ingestion stream. Per source
// transaction the ingestor emits SnapshottingStarted, zero or more
// OperationEvents and SnapshottingDone, in source order.
type IngestionMessage interface {
	isIngestionMessage()
}

type (
	// SnapshottingStarted marks a transaction BEGIN.
	SnapshottingStarted struct{}
	// SnapshottingDone marks a transaction commit.
	SnapshottingDone struct{}
	// OperationEvent is one row change of a registered table.
	OperationEvent struct {
		TableIndex int
		Op         types.Operation
		ID         *types.OpID
	}
)

func (SnapshottingStarted) isIngestionMessage() {}
func (SnapshottingDone) isIngestionMessage()    {}
func (OperationEvent) isIngestionMessage()      {}

// Sink receives the ingestion stream. HandleMessage blocks while the
// receiver applies back-pressure and returns ErrSinkClosed once the
// receiving side is gone.
type Sink interface {
	HandleMessage(ctx context.Context, msg IngestionMessage) error
}

// ChannelSink adapts a Go channel into a Sink. Close the done channel to
// signal the ingestor to stop.
type ChannelSink struct {
	C    chan IngestionMessage
	Done <-chan struct{}
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int, done <-chan struct{}) *ChannelSink {
	return &ChannelSink{C: make(chan IngestionMessage, buffer), Done: done}
}

func (s *ChannelSink) HandleMessage(ctx context.Context, msg IngestionMessage) error {
	select {
	case s.C <- msg:
		return nil
	case <-s.Done:
		return ErrSinkClosed
	case <-ctx.Done():
		return ErrSinkClosed
	}
}
