package pool

import (
	"github.com/pgkit/pgwire"
	"github.com/pgkit/pgwire/conn"
)

// BatchResults wraps a *pgwire.BatchResults so the pooled connection is released when the results are closed.
type BatchResults struct {
	br  *pgwire.BatchResults
	c   *Conn
	err error
}

func (br *BatchResults) Exec() (conn.CommandTag, error) {
	if br.err != nil {
		return nil, br.err
	}
	return br.br.Exec()
}

func (br *BatchResults) Query() (*pgwire.Rows, error) {
	if br.err != nil {
		return nil, br.err
	}
	return br.br.Query()
}

// Close drains any unread results and releases the pooled connection back to the pool.
func (br *BatchResults) Close() error {
	if br.err != nil {
		return br.err
	}

	err := br.br.Close()
	if br.c != nil {
		br.c.Release()
		br.c = nil
	}
	return err
}
