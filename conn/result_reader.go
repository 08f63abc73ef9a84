package conn

import (
	"context"
	"strconv"
	"strings"

	"github.com/pgkit/pgwire/wire"
)

// CommandTag is the result of an Exec function.
type CommandTag []byte

// RowsAffected returns the number of rows affected. If the CommandTag was not for a row affecting command (e.g.
// "CREATE TABLE") then it returns 0.
func (ct CommandTag) RowsAffected() int64 {
	idx := strings.LastIndexByte(string(ct), ' ')
	if idx == -1 {
		return 0
	}
	n, _ := strconv.ParseInt(string(ct[idx+1:]), 10, 64)
	return n
}

func (ct CommandTag) String() string {
	return string(ct)
}

// ResultReader reads the result of one queued Bind / Execute group. Results arrive in the exact order the groups were
// queued; a reader must be fully consumed (or closed) before the next reader returned by GetResult produces anything.
//
// If an earlier group in the same pipeline failed, this group was never executed. Its reader reports a
// *PipelineAbortedError wrapping the original failure.
type ResultReader struct {
	conn *Conn
	ctx  context.Context

	expectParse bool

	fieldDescriptions []wire.FieldDescription
	rowValues         [][]byte
	commandTag        CommandTag
	err               error

	started bool
	closed  bool
}

// concludeBeforeStart finishes the reader with err without consuming anything from the wire. Used when the group
// could not even be queued.
func (rr *ResultReader) concludeBeforeStart(err error) {
	rr.err = err
	rr.closed = true
}

// FieldDescriptions returns the field descriptions for the result rows. It is only valid after the first NextRow call
// or after Close for row-less results. The returned slice is only valid until the reader is closed.
func (rr *ResultReader) FieldDescriptions() []wire.FieldDescription {
	return rr.fieldDescriptions
}

// NextRow advances the reader to the next row, returning true if a row is available. The row values are retrieved
// with Values.
func (rr *ResultReader) NextRow() bool {
	if rr.closed || rr.err != nil {
		return false
	}
	if !rr.started {
		if rr.conn.pipelineErr != nil {
			rr.concludeAborted()
			return false
		}
		rr.started = true
	}

	if rr.ctx != nil {
		if err := rr.conn.startOperation(rr.ctx); err != nil {
			rr.err = err
			rr.closed = true
			return false
		}
		defer rr.conn.endOperation()
	}

	for {
		msg, err := rr.conn.receiveMessage()
		if err != nil {
			rr.err = err
			rr.closed = true
			return false
		}

		switch msg := msg.(type) {
		case *wire.ParseComplete, *wire.BindComplete, *wire.NoData:
		case *wire.RowDescription:
			rr.fieldDescriptions = copyFieldDescriptions(msg.Fields)
		case *wire.DataRow:
			rr.rowValues = msg.Values
			return true
		case *wire.CommandComplete:
			rr.commandTag = CommandTag(string(msg.CommandTag))
			rr.concludeOnWire(nil)
			return false
		case *wire.EmptyQueryResponse, *wire.PortalSuspended:
			rr.concludeOnWire(nil)
			return false
		case *wire.ErrorResponse:
			rr.concludeOnWire(serverErrorFromResponse(msg))
			return false
		}
	}
}

// Values returns the current row's raw values. A nil element is a SQL NULL. The returned slice and its contents are
// only valid until the next NextRow or Close call.
func (rr *ResultReader) Values() [][]byte {
	return rr.rowValues
}

// Err returns the error, if any, that terminated this result.
func (rr *ResultReader) Err() error {
	return rr.err
}

// CommandTag returns the command tag of the completed group. Only valid after Close.
func (rr *ResultReader) CommandTag() CommandTag {
	return rr.commandTag
}

// Close drains any remaining messages for this group and returns its command tag and error. If this is the last
// reader of the pipeline the trailing ReadyForQuery is consumed, returning the connection to Ready.
func (rr *ResultReader) Close() (CommandTag, error) {
	if rr.closed {
		return rr.commandTag, rr.err
	}

	if rr.conn.status == StatusFailed {
		rr.err = ErrConnFailed
		rr.closed = true
		return nil, rr.err
	}

	if !rr.started && rr.conn.pipelineErr != nil {
		rr.concludeAborted()
		return rr.commandTag, rr.err
	}
	rr.started = true

	if rr.ctx != nil {
		if err := rr.conn.startOperation(rr.ctx); err != nil {
			rr.err = err
			rr.closed = true
			return nil, rr.err
		}
		defer rr.conn.endOperation()
	}

	for {
		msg, err := rr.conn.receiveMessage()
		if err != nil {
			rr.err = err
			rr.closed = true
			return nil, rr.err
		}

		switch msg := msg.(type) {
		case *wire.CommandComplete:
			rr.commandTag = CommandTag(string(msg.CommandTag))
			rr.concludeOnWire(nil)
			return rr.commandTag, rr.err
		case *wire.EmptyQueryResponse, *wire.PortalSuspended:
			rr.concludeOnWire(nil)
			return rr.commandTag, rr.err
		case *wire.ErrorResponse:
			rr.concludeOnWire(serverErrorFromResponse(msg))
			return rr.commandTag, rr.err
		}
	}
}

// concludeOnWire finishes a reader whose terminal message has been received. If this reader failed, the pipeline is
// aborted: the server discards every following group until the next Sync, so their readers must not touch the wire.
func (rr *ResultReader) concludeOnWire(err error) {
	rr.err = err
	rr.closed = true
	rr.rowValues = nil

	if err != nil {
		rr.conn.pipelineErr = err
	}

	rr.finishPipelineIfLast()
}

// concludeAborted finishes a reader for a group the server skipped.
func (rr *ResultReader) concludeAborted() {
	rr.err = &PipelineAbortedError{Cause: rr.conn.pipelineErr}
	rr.closed = true

	rr.finishPipelineIfLast()
}

func (rr *ResultReader) finishPipelineIfLast() {
	c := rr.conn
	if c.activeResult == rr {
		c.activeResult = nil
	}
	if len(c.resultQueue) == 0 && c.pendingSync {
		if err := c.readUntilReadyForQuery(); err != nil && rr.err == nil {
			rr.err = err
		}
	}
}
