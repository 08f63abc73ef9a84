package pool

import (
	"context"
	"time"

	"github.com/jackc/puddle"

	"github.com/pgkit/pgwire"
	"github.com/pgkit/pgwire/conn"
)

// Conn is an acquired *pgwire.Conn from a Pool. The lease is exclusive until Release.
type Conn struct {
	res *puddle.Resource
	p   *Pool
}

// Release returns c to the pool it was acquired from. Once Release has been called, other methods must not be
// called. However, it is safe to call Release multiple times. Subsequent calls after the first will be ignored.
//
// Only a connection in the Ready state goes back to the idle set. A connection left mid-transaction is rolled back
// first; a failed or still-busy connection is destroyed and its slot lazily replaced on the next acquire.
func (c *Conn) Release() {
	if c.res == nil {
		return
	}

	pc := c.Conn()
	res := c.res
	c.res = nil

	if pc.IsClosed() || pc.WireConn().IsBusy() {
		res.Destroy()
		return
	}

	go func() {
		wc := pc.WireConn()

		if wc.TxStatus() != 'I' {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := wc.Exec(ctx, "rollback")
			cancel()
			if err != nil {
				res.Destroy()
				return
			}
		}

		if c.p.afterRelease != nil && !c.p.afterRelease(pc) {
			res.Destroy()
			return
		}

		if wc.Status() == conn.StatusReady {
			res.Release()
		} else {
			res.Destroy()
		}
	}()
}

// Exec executes sql on the leased connection.
func (c *Conn) Exec(ctx context.Context, sql pgwire.QueryString, params [][]byte) (conn.CommandTag, error) {
	return c.Conn().Exec(ctx, sql, params)
}

// Query executes sql on the leased connection. Unlike Pool.Query the lease is not released when the rows close; the
// caller still owns it.
func (c *Conn) Query(ctx context.Context, sql pgwire.QueryString, params [][]byte) (*pgwire.Rows, error) {
	return c.Conn().Query(ctx, sql, params)
}

// Ping verifies the leased connection with a trivial round trip.
func (c *Conn) Ping(ctx context.Context) error {
	return c.Conn().Ping(ctx)
}

// Conn returns the underlying *pgwire.Conn.
func (c *Conn) Conn() *pgwire.Conn {
	return c.res.Value().(*pgwire.Conn)
}
