package pool_test

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgkit/pgwire"
	"github.com/pgkit/pgwire/pool"
	"github.com/pgkit/pgwire/wire"
)

// startMockServer runs a minimal PostgreSQL backend accepting any number of connections. Every extended protocol
// group succeeds with no rows; the simple protocol answers every statement with a single command tag.
func startMockServer(t *testing.T) (connStr string, cleanup func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)

	var nextPID uint32
	go func() {
		for {
			sock, err := ln.Accept()
			if err != nil {
				return
			}
			pid := atomic.AddUint32(&nextPID, 1)
			go serveMockConn(sock, pid)
		}
	}()

	parts := strings.SplitN(ln.Addr().String(), ":", 2)
	connStr = fmt.Sprintf("sslmode=disable host=%s port=%s statement_cache_capacity=0", parts[0], parts[1])
	return connStr, func() { ln.Close() }
}

func serveMockConn(sock net.Conn, pid uint32) {
	defer sock.Close()
	sock.SetDeadline(time.Now().Add(30 * time.Second))

	backend := wire.NewBackend(sock, sock)

	if _, err := backend.ReceiveStartupMessage(); err != nil {
		return
	}
	backend.Send(&wire.AuthenticationOk{})
	backend.Send(&wire.BackendKeyData{ProcessID: pid, SecretKey: 1})
	backend.Send(&wire.ReadyForQuery{TxStatus: 'I'})
	if err := backend.Flush(); err != nil {
		return
	}

	for {
		msg, err := backend.Receive()
		if err != nil {
			return
		}

		switch msg := msg.(type) {
		case *wire.Query:
			tag := "SELECT 1"
			if strings.EqualFold(msg.String, "rollback") {
				tag = "ROLLBACK"
			}
			backend.Send(&wire.CommandComplete{CommandTag: []byte(tag)})
			backend.Send(&wire.ReadyForQuery{TxStatus: 'I'})
			if err := backend.Flush(); err != nil {
				return
			}
		case *wire.Parse:
			backend.Send(&wire.ParseComplete{})
		case *wire.Describe:
			if msg.ObjectType == 'S' {
				backend.Send(&wire.ParameterDescription{})
			}
			backend.Send(&wire.NoData{})
		case *wire.Bind:
			backend.Send(&wire.BindComplete{})
		case *wire.Execute:
			backend.Send(&wire.CommandComplete{CommandTag: []byte("SELECT 0")})
		case *wire.Close:
			backend.Send(&wire.CloseComplete{})
		case *wire.Sync:
			backend.Send(&wire.ReadyForQuery{TxStatus: 'I'})
			if err := backend.Flush(); err != nil {
				return
			}
		case *wire.Terminate:
			return
		}
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnect(t *testing.T) {
	connStr, cleanup := startMockServer(t)
	defer cleanup()

	ctx := testContext(t)
	p, err := pool.Connect(ctx, connStr)
	require.NoError(t, err)
	defer p.Close()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Ping(ctx))
	c.Release()
}

func TestPoolAcquireReusesIdleConn(t *testing.T) {
	connStr, cleanup := startMockServer(t)
	defer cleanup()

	ctx := testContext(t)
	p, err := pool.Connect(ctx, connStr)
	require.NoError(t, err)
	defer p.Close()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	pid := c.Conn().WireConn().PID()
	c.Release()

	// Release is asynchronous; wait for the conn to return to the idle set.
	require.Eventually(t, func() bool { return p.Stat().IdleConns() == 1 }, 5*time.Second, 10*time.Millisecond)

	c, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, pid, c.Conn().WireConn().PID())
	c.Release()
}

func TestPoolMaxConnsBlocksAndTimesOut(t *testing.T) {
	connStr, cleanup := startMockServer(t)
	defer cleanup()

	ctx := testContext(t)
	config, err := pool.ParseConfig(connStr + " pool_max_conns=2 pool_acquire_timeout=250ms")
	require.NoError(t, err)

	p, err := pool.ConnectConfig(ctx, config)
	require.NoError(t, err)
	defer p.Close()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)

	// Both slots are leased; the next acquire waits until the timeout and fails with a distinguishable error.
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, pool.ErrPoolTimeout)

	c1.Release()
	c3, err := p.Acquire(ctx)
	require.NoError(t, err)

	c2.Release()
	c3.Release()
}

func TestPoolAcquireAfterCloseFails(t *testing.T) {
	connStr, cleanup := startMockServer(t)
	defer cleanup()

	ctx := testContext(t)
	p, err := pool.Connect(ctx, connStr)
	require.NoError(t, err)
	p.Close()

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, pool.ErrClosedPool)
}

func TestPoolExecAndQuery(t *testing.T) {
	connStr, cleanup := startMockServer(t)
	defer cleanup()

	ctx := testContext(t)
	p, err := pool.Connect(ctx, connStr)
	require.NoError(t, err)
	defer p.Close()

	tag, err := p.Exec(ctx, pgwire.Literal("select 1"), nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 0", tag.String())

	rows, err := p.Query(ctx, pgwire.Literal("select 1"), nil)
	require.NoError(t, err)
	for rows.Next() {
	}
	require.NoError(t, rows.Err())
	rows.Close()

	// The connection used by Query has been released back to the pool.
	require.Eventually(t, func() bool { return p.Stat().AcquiredConns() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestParseConfigExtractsPoolSettings(t *testing.T) {
	t.Parallel()

	config, err := pool.ParseConfig("host=localhost sslmode=disable pool_max_conns=5 pool_min_conns=2 pool_acquire_timeout=10s pool_max_conn_lifetime=1h30m pool_max_conn_idle_time=15m pool_health_check_period=30s")
	require.NoError(t, err)

	assert.EqualValues(t, 5, config.MaxConns)
	assert.EqualValues(t, 2, config.MinConns)
	assert.Equal(t, 10*time.Second, config.AcquireTimeout)
	assert.Equal(t, 90*time.Minute, config.MaxConnLifetime)
	assert.Equal(t, 15*time.Minute, config.MaxConnIdleTime)
	assert.Equal(t, 30*time.Second, config.HealthCheckPeriod)

	// Pool settings must not leak to the server as runtime parameters.
	for _, k := range []string{"pool_max_conns", "pool_min_conns", "pool_acquire_timeout", "pool_max_conn_lifetime", "pool_max_conn_idle_time", "pool_health_check_period"} {
		assert.NotContains(t, config.ConnConfig.RuntimeParams, k)
	}
}

func TestParseConfigRejectsBadPoolSettings(t *testing.T) {
	t.Parallel()

	for _, connStr := range []string{
		"host=localhost pool_max_conns=0",
		"host=localhost pool_max_conns=banana",
		"host=localhost pool_max_conns=2 pool_min_conns=3",
		"host=localhost pool_acquire_timeout=banana",
	} {
		_, err := pool.ParseConfig(connStr)
		assert.Errorf(t, err, "connString: %s", connStr)
	}
}
