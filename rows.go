package pgwire

import (
	"context"
	"time"

	"github.com/pgkit/pgwire/conn"
	"github.com/pgkit/pgwire/wire"
)

// Rows is the result set returned from *Conn.Query. Rows must be closed before the connection can be used again.
// Rows are closed by explicitly calling Close(), by calling Next() until it returns false, or when a fatal error
// occurs.
//
// Once a Rows is closed the only methods that may be called are Close(), Err(), and CommandTag().
type Rows struct {
	conn *Conn
	rr   *conn.ResultReader
	ctx  context.Context

	sql       string
	args      [][]byte
	startTime time.Time

	commandTag conn.CommandTag
	err        error
	closed     bool
}

// fatal closes rows with err before any result was read.
func (rows *Rows) fatal(err error) {
	rows.err = err
	rows.closed = true
	rows.logEnd()
}

// Next advances to the next row, returning true if one is available. When it returns false the rows have been closed
// and Err() reports any failure.
func (rows *Rows) Next() bool {
	if rows.closed {
		return false
	}

	if rows.rr.NextRow() {
		return true
	}

	rows.Close()
	return false
}

// Values returns the current row's raw values. A nil element is a SQL NULL. The returned slice and its contents are
// only valid until the next Next or Close call.
func (rows *Rows) Values() [][]byte {
	return rows.rr.Values()
}

// FieldDescriptions returns the field descriptions of the result columns. It may return nil, in particular when
// there was an error executing the query.
func (rows *Rows) FieldDescriptions() []wire.FieldDescription {
	if rows.rr == nil {
		return nil
	}
	return rows.rr.FieldDescriptions()
}

// Err returns any error that occurred while reading.
func (rows *Rows) Err() error {
	return rows.err
}

// CommandTag returns the command tag from this query. It is only available after Rows is closed.
func (rows *Rows) CommandTag() conn.CommandTag {
	return rows.commandTag
}

// Close closes the rows, making the connection ready for use again. It is safe to call Close after rows is already
// closed.
func (rows *Rows) Close() {
	if rows.closed {
		return
	}
	rows.closed = true

	commandTag, err := rows.rr.Close()
	rows.commandTag = commandTag
	if rows.err == nil {
		rows.err = err
	}

	rows.logEnd()
}

func (rows *Rows) logEnd() {
	c := rows.conn
	if rows.err != nil {
		c.log(rows.ctx, LogLevelError, "Query", map[string]interface{}{
			"sql":  rows.sql,
			"args": logQueryArgs(rows.args),
			"err":  rows.err,
		})
		return
	}
	c.log(rows.ctx, LogLevelInfo, "Query", map[string]interface{}{
		"sql":  rows.sql,
		"args": logQueryArgs(rows.args),
		"time": time.Since(rows.startTime),
	})
}
