package pool

import (
	"github.com/pgkit/pgwire"
	"github.com/pgkit/pgwire/conn"
	"github.com/pgkit/pgwire/wire"
)

// Rows wraps a *pgwire.Rows so the pooled connection is released when the result is closed.
type Rows struct {
	r   *pgwire.Rows
	c   *Conn
	err error
}

// Close closes the rows and releases the pooled connection back to the pool.
func (rows *Rows) Close() {
	if rows.r != nil {
		rows.r.Close()
	}
	if rows.c != nil {
		rows.c.Release()
		rows.c = nil
	}
}

func (rows *Rows) Err() error {
	if rows.err != nil {
		return rows.err
	}
	return rows.r.Err()
}

func (rows *Rows) CommandTag() conn.CommandTag {
	return rows.r.CommandTag()
}

func (rows *Rows) FieldDescriptions() []wire.FieldDescription {
	return rows.r.FieldDescriptions()
}

func (rows *Rows) Next() bool {
	if rows.err != nil {
		return false
	}

	n := rows.r.Next()
	if !n {
		rows.Close()
	}
	return n
}

func (rows *Rows) Values() [][]byte {
	return rows.r.Values()
}
