package pgwire

import (
	"context"
	"errors"
	"time"

	"github.com/pgkit/pgwire/conn"
)

type batchItem struct {
	sql    QueryString
	params [][]byte
}

// Batch queries are a way of bundling multiple queries together in one pipeline, paying one network round trip for
// the whole set instead of one per query.
type Batch struct {
	items []*batchItem
}

// Queue adds a query to batch b. params are raw text-format values; a nil element is a SQL NULL.
func (b *Batch) Queue(sql QueryString, params [][]byte) {
	b.items = append(b.items, &batchItem{sql: sql, params: params})
}

// Len returns number of queries that have been queued so far.
func (b *Batch) Len() int {
	return len(b.items)
}

// BatchResults reads the results of a sent batch in the order the queries were queued. If a query fails, the server
// skips every query after it in the same batch; their results report a *conn.PipelineAbortedError and the connection
// is usable again once the results are drained.
type BatchResults struct {
	ctx  context.Context
	conn *Conn
	b    *Batch
	err  error

	nextIdx int
	closed  bool
}

// SendBatch sends all queued queries to the server at once. Statements not yet in the statement cache are prepared
// first; the batch itself then runs as a single pipeline with one Sync.
func (c *Conn) SendBatch(ctx context.Context, b *Batch) *BatchResults {
	br := &BatchResults{ctx: ctx, conn: c, b: b}
	startTime := time.Now()

	// Preparing a statement is its own round trip, so every cache miss must be resolved before the first Bind group
	// is queued. Once a group is queued the connection is busy until Sync.
	var sds []*conn.StatementDescription
	if c.stmtCache != nil {
		sds = make([]*conn.StatementDescription, len(b.items))
		for i, item := range b.items {
			sd, err := c.stmtCache.Get(ctx, item.sql.String())
			if err != nil {
				br.err = err
				br.closed = true
				return br
			}
			sds[i] = sd
		}
	}

	for i, item := range b.items {
		if sds != nil {
			c.wireConn.SendQueryPrepared(sds[i].Ref, item.params, nil, nil)
		} else {
			c.wireConn.SendQuery(item.sql.String(), item.params, nil, nil, nil)
		}
	}
	c.wireConn.SendSync()

	if err := c.wireConn.Flush(ctx); err != nil {
		br.err = err
		br.closed = true
		return br
	}

	c.log(ctx, LogLevelInfo, "SendBatch", map[string]interface{}{
		"batchLen": b.Len(),
		"time":     time.Since(startTime),
	})

	return br
}

// Exec reads the result of the next query in the batch as if it had been sent with Conn.Exec.
func (br *BatchResults) Exec() (conn.CommandTag, error) {
	if br.err != nil {
		return nil, br.err
	}

	rr := br.conn.wireConn.GetResult(br.ctx)
	if rr == nil {
		return nil, errors.New("no result")
	}
	br.nextIdx++

	return rr.Close()
}

// Query reads the result of the next query in the batch as if it had been sent with Conn.Query.
func (br *BatchResults) Query() (*Rows, error) {
	rows := &Rows{
		conn:      br.conn,
		ctx:       br.ctx,
		startTime: time.Now(),
	}
	if br.nextIdx < len(br.b.items) {
		rows.sql = br.b.items[br.nextIdx].sql.String()
		rows.args = br.b.items[br.nextIdx].params
	}

	if br.err != nil {
		rows.fatal(br.err)
		return rows, br.err
	}

	rr := br.conn.wireConn.GetResult(br.ctx)
	if rr == nil {
		err := errors.New("no result")
		rows.fatal(err)
		return rows, err
	}
	br.nextIdx++

	rows.rr = rr
	return rows, nil
}

// Close drains any unread results, returning the connection to a usable state. It must be called before the
// connection is used again. The first error encountered while draining is returned; once a batch query has failed
// the remaining results report *conn.PipelineAbortedError.
func (br *BatchResults) Close() error {
	if br.closed {
		return br.err
	}
	br.closed = true

	for {
		rr := br.conn.wireConn.GetResult(br.ctx)
		if rr == nil {
			break
		}
		if _, err := rr.Close(); err != nil && br.err == nil {
			br.err = err
		}
	}

	return br.err
}
