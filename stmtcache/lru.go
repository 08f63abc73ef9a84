// Package stmtcache is a least recently used cache of prepared statement descriptions, one per connection. Entries
// are keyed on the exact query text; a statement evicted to make room is deallocated on the server with a Close round
// trip.
package stmtcache

import (
	"container/list"
	"context"

	"github.com/pgkit/pgwire/conn"
)

// PreparingConn is the subset of *conn.Conn the cache needs: allocating statement names, preparing, and deallocating.
type PreparingConn interface {
	NextStatementRef() conn.StatementRef
	Prepare(ctx context.Context, ref conn.StatementRef, sql string, paramOIDs []uint32) (*conn.StatementDescription, error)
	CloseStatement(ctx context.Context, ref conn.StatementRef) error
}

// LRU is a least recently used cache of prepared statement descriptions for a single connection. It is not safe for
// concurrent use, matching the connection it caches for.
type LRU struct {
	conn PreparingConn
	cap  int
	m    map[string]*list.Element
	l    *list.List

	// OnEvictError is called when deallocating an evicted statement fails. The failed statement stays allocated in
	// the server session until the connection closes. When nil eviction failures are silently dropped.
	OnEvictError func(sql string, err error)
}

// NewLRU creates a new LRU cache on top of c. cap is the maximum number of cached statements and must be positive;
// callers disable caching by not constructing a cache rather than with cap 0.
func NewLRU(c PreparingConn, cap int) *LRU {
	if cap < 1 {
		panic("cap must be >= 1")
	}

	return &LRU{
		conn: c,
		cap:  cap,
		m:    make(map[string]*list.Element),
		l:    list.New(),
	}
}

// Get returns the prepared statement description for sql, preparing it on the server if it is not already cached. A
// hit refreshes the entry's recency. A miss that overflows the capacity first evicts the least recently used entry.
func (c *LRU) Get(ctx context.Context, sql string) (*conn.StatementDescription, error) {
	if el, ok := c.m[sql]; ok {
		c.l.MoveToFront(el)
		return el.Value.(*conn.StatementDescription), nil
	}

	if c.l.Len() == c.cap {
		c.removeOldest(ctx)
	}

	ref := c.conn.NextStatementRef()
	sd, err := c.conn.Prepare(ctx, ref, sql, nil)
	if err != nil {
		return nil, err
	}

	el := c.l.PushFront(sd)
	c.m[sql] = el

	return sd, nil
}

// Invalidate deallocates the cached statement for sql, if any. It is used when the server reports that a cached plan
// has become unusable (e.g. the result type changed under it).
func (c *LRU) Invalidate(ctx context.Context, sql string) error {
	el, ok := c.m[sql]
	if !ok {
		return nil
	}

	c.l.Remove(el)
	delete(c.m, sql)

	sd := el.Value.(*conn.StatementDescription)
	return c.conn.CloseStatement(ctx, sd.Ref)
}

// Clear removes all entries in the cache. Any prepared statements will be deallocated from the PostgreSQL session.
func (c *LRU) Clear(ctx context.Context) error {
	var firstErr error
	for c.l.Len() > 0 {
		if err := c.removeOldest(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Len returns the number of cached prepared statement descriptions.
func (c *LRU) Len() int {
	return c.l.Len()
}

// Cap returns the maximum number of cached prepared statement descriptions.
func (c *LRU) Cap() int {
	return c.cap
}

// removeOldest evicts the least recently used statement. A failed deallocation does not fail the caller: the entry is
// gone from the cache either way and the only consequence is a leaked statement in the server session.
func (c *LRU) removeOldest(ctx context.Context) error {
	oldest := c.l.Back()
	c.l.Remove(oldest)
	sd := oldest.Value.(*conn.StatementDescription)
	delete(c.m, sd.SQL)

	err := c.conn.CloseStatement(ctx, sd.Ref)
	if err != nil && c.OnEvictError != nil {
		c.OnEvictError(sd.SQL, err)
	}
	return err
}
