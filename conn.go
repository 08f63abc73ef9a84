// Package pgwire is a PostgreSQL client toolkit built directly on the frontend/backend wire protocol.
//
// The query entry points accept a QueryString, a proof-carrying value distinguishing SQL literals from runtime
// strings. Each connection carries a statement cache so repeated queries skip the parse round trip. The pool package
// manages a bounded set of connections on top of this package.
package pgwire

import (
	"context"
	"time"

	"github.com/pgkit/pgwire/conn"
	"github.com/pgkit/pgwire/stmtcache"
)

// ConnConfig contains all the options used to establish a connection. It must be created by ParseConfig and then it
// can be modified.
type ConnConfig struct {
	conn.Config

	Logger   Logger
	LogLevel LogLevel
}

// ParseConfig creates a ConnConfig from a connection string. See conn.ParseConfig for the connection string formats
// and options.
func ParseConfig(connString string) (*ConnConfig, error) {
	config, err := conn.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	return &ConnConfig{
		Config:   *config,
		LogLevel: LogLevelInfo,
	}, nil
}

// Copy returns a deep copy of the config that is safe to use and modify.
func (cc *ConnConfig) Copy() *ConnConfig {
	newConfig := new(ConnConfig)
	*newConfig = *cc
	newConfig.Config = *cc.Config.Copy()
	return newConfig
}

// Conn is a PostgreSQL connection handle. It is not safe for concurrent usage. Use the pool package to manage access
// to multiple database connections from multiple goroutines.
type Conn struct {
	wireConn  *conn.Conn
	config    *ConnConfig
	stmtCache *stmtcache.LRU

	logger   Logger
	logLevel LogLevel
}

// Connect establishes a connection with a PostgreSQL server using connString. See conn.ParseConfig for details on
// connString format.
func Connect(ctx context.Context, connString string) (*Conn, error) {
	config, err := ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	return ConnectConfig(ctx, config)
}

// ConnectConfig establishes a connection with a PostgreSQL server using config. config must have been created by
// ParseConfig.
func ConnectConfig(ctx context.Context, config *ConnConfig) (*Conn, error) {
	c := &Conn{
		config:   config,
		logger:   config.Logger,
		logLevel: config.LogLevel,
	}

	if c.shouldLog(LogLevelInfo) {
		c.logger.Log(ctx, LogLevelInfo, "Dialing PostgreSQL server", map[string]interface{}{"host": config.Host})
	}

	wireConn, err := conn.ConnectConfig(ctx, &config.Config)
	if err != nil {
		if c.shouldLog(LogLevelError) {
			c.logger.Log(ctx, LogLevelError, "connect failed", map[string]interface{}{"err": err})
		}
		return nil, err
	}
	c.wireConn = wireConn

	if config.StatementCacheCapacity > 0 {
		c.stmtCache = stmtcache.NewLRU(wireConn, config.StatementCacheCapacity)
		c.stmtCache.OnEvictError = func(sql string, err error) {
			// The statement stays allocated server-side until the connection closes. Worth a warning, not a failure.
			c.log(ctx, LogLevelWarn, "statement cache eviction failed to deallocate statement", map[string]interface{}{"sql": sql, "err": err})
		}
	}

	return c, nil
}

func (c *Conn) shouldLog(lvl LogLevel) bool {
	return c.logger != nil && c.logLevel >= lvl
}

func (c *Conn) log(ctx context.Context, lvl LogLevel, msg string, data map[string]interface{}) {
	if !c.shouldLog(lvl) {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	if c.wireConn != nil && c.wireConn.PID() != 0 {
		data["pid"] = c.wireConn.PID()
	}
	c.logger.Log(ctx, lvl, msg, data)
}

// WireConn returns the underlying low-level connection, bypassing the statement cache and QueryString safety. It is
// an escape hatch for protocol features not exposed here.
func (c *Conn) WireConn() *conn.Conn {
	return c.wireConn
}

// Config returns a copy of config that was used to establish this connection.
func (c *Conn) Config() *ConnConfig {
	return c.config.Copy()
}

// IsClosed reports whether the connection has been closed or has failed.
func (c *Conn) IsClosed() bool {
	return c.wireConn.IsClosed()
}

// StatementCacheLen returns the number of statements currently cached on this connection.
func (c *Conn) StatementCacheLen() int {
	if c.stmtCache == nil {
		return 0
	}
	return c.stmtCache.Len()
}

// Close closes the connection. The server deallocates all prepared statements when the session ends, so the
// statement cache is simply dropped.
func (c *Conn) Close(ctx context.Context) error {
	err := c.wireConn.Close(ctx)
	c.log(ctx, LogLevelInfo, "closed connection", nil)
	return err
}

// Ping verifies the connection with a trivial round trip.
func (c *Conn) Ping(ctx context.Context) error {
	return c.wireConn.Ping(ctx)
}

// CancelRequest delivers an out-of-band cancellation for whatever this connection is currently executing. It opens a
// fresh socket and is safe to call from another goroutine.
func (c *Conn) CancelRequest(ctx context.Context) error {
	return c.wireConn.CancelRequest(ctx)
}

// Prepare caches a prepared statement for sql, returning its description. With statement caching enabled Query and
// Exec do this implicitly; Prepare is useful for validating SQL ahead of use and for warming the cache.
func (c *Conn) Prepare(ctx context.Context, sql QueryString) (*conn.StatementDescription, error) {
	if c.stmtCache != nil {
		return c.stmtCache.Get(ctx, sql.String())
	}
	return c.wireConn.Prepare(ctx, conn.UnnamedStatement(), sql.String(), nil)
}

// Deallocate removes sql's prepared statement from the statement cache, closing it on the server. It is required
// after a schema change invalidates a cached statement's result type.
func (c *Conn) Deallocate(ctx context.Context, sql QueryString) error {
	if c.stmtCache == nil {
		return nil
	}
	return c.stmtCache.Invalidate(ctx, sql.String())
}

// Query executes sql with the given bind parameters and returns a Rows for the result. params are raw text-format
// values; a nil element is a SQL NULL. The returned Rows must be closed before the connection can be used again; err
// is non-nil only when the query could not be issued, and the same error is also available from Rows.Err after
// draining.
func (c *Conn) Query(ctx context.Context, sql QueryString, params [][]byte) (*Rows, error) {
	rows := &Rows{
		conn:      c,
		sql:       sql.String(),
		args:      params,
		startTime: time.Now(),
		ctx:       ctx,
	}

	if c.stmtCache != nil {
		sd, err := c.stmtCache.Get(ctx, sql.String())
		if err != nil {
			rows.fatal(err)
			return rows, err
		}
		c.wireConn.SendQueryPrepared(sd.Ref, params, nil, nil)
	} else {
		c.wireConn.SendQuery(sql.String(), params, nil, nil, nil)
	}
	c.wireConn.SendSync()

	if err := c.wireConn.Flush(ctx); err != nil {
		rows.fatal(err)
		return rows, err
	}

	rows.rr = c.wireConn.GetResult(ctx)
	return rows, nil
}

// Exec executes sql with the given bind parameters and returns the command tag. The result rows, if any, are
// discarded.
func (c *Conn) Exec(ctx context.Context, sql QueryString, params [][]byte) (conn.CommandTag, error) {
	rows, err := c.Query(ctx, sql, params)
	if err != nil {
		rows.Close()
		return nil, err
	}

	for rows.Next() {
	}
	rows.Close()
	return rows.CommandTag(), rows.Err()
}
