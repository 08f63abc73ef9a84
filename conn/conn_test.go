package conn_test

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgkit/pgwire/conn"
	"github.com/pgkit/pgwire/internal/pgmock"
	"github.com/pgkit/pgwire/wire"
)

// startMockServer runs script against the first accepted connection and returns a connection string for it.
func startMockServer(t *testing.T, script *pgmock.Script) (connStr string, serverErrChan chan error, cleanup func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)

	serverErrChan = make(chan error, 1)
	go func() {
		defer close(serverErrChan)

		sock, err := ln.Accept()
		if err != nil {
			serverErrChan <- err
			return
		}
		defer sock.Close()

		if err := sock.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
			serverErrChan <- err
			return
		}

		if err := script.Run(wire.NewBackend(sock, sock)); err != nil {
			serverErrChan <- err
			return
		}
	}()

	parts := strings.SplitN(ln.Addr().String(), ":", 2)
	connStr = fmt.Sprintf("sslmode=disable host=%s port=%s", parts[0], parts[1])
	return connStr, serverErrChan, func() { ln.Close() }
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnectHandshake(t *testing.T) {
	script := &pgmock.Script{
		Steps: []pgmock.Step{
			pgmock.ExpectAnyMessage(&wire.StartupMessage{ProtocolVersion: wire.ProtocolVersionNumber, Parameters: map[string]string{}}),
			pgmock.SendMessage(&wire.AuthenticationOk{}),
			pgmock.SendMessage(&wire.ParameterStatus{Name: "server_version", Value: "14.2"}),
			pgmock.SendMessage(&wire.BackendKeyData{ProcessID: 42, SecretKey: 84}),
			pgmock.SendMessage(&wire.ReadyForQuery{TxStatus: 'I'}),
			pgmock.WaitForClose(),
		},
	}

	connStr, serverErrChan, cleanup := startMockServer(t, script)
	defer cleanup()

	ctx := testContext(t)
	c, err := conn.Connect(ctx, connStr)
	require.NoError(t, err)

	assert.Equal(t, conn.StatusReady, c.Status())
	assert.EqualValues(t, 42, c.PID())
	assert.EqualValues(t, 84, c.SecretKey())
	assert.EqualValues(t, 'I', c.TxStatus())
	assert.Equal(t, "14.2", c.ParameterStatus("server_version"))
	assert.False(t, c.IsBusy())

	c.Close(ctx)
	assert.True(t, c.IsClosed())

	assert.NoError(t, <-serverErrChan)
}

func TestConnectCleartextPassword(t *testing.T) {
	script := &pgmock.Script{
		Steps: []pgmock.Step{
			pgmock.ExpectAnyMessage(&wire.StartupMessage{ProtocolVersion: wire.ProtocolVersionNumber, Parameters: map[string]string{}}),
			pgmock.SendMessage(&wire.AuthenticationCleartextPassword{}),
			pgmock.ExpectMessage(&wire.PasswordMessage{Password: "sesame"}),
			pgmock.SendMessage(&wire.AuthenticationOk{}),
			pgmock.SendMessage(&wire.ReadyForQuery{TxStatus: 'I'}),
			pgmock.WaitForClose(),
		},
	}

	connStr, serverErrChan, cleanup := startMockServer(t, script)
	defer cleanup()

	ctx := testContext(t)
	c, err := conn.Connect(ctx, connStr+" user=alice password=sesame")
	require.NoError(t, err)
	c.Close(ctx)

	assert.NoError(t, <-serverErrChan)
}

func TestConnectMD5Password(t *testing.T) {
	salt := [4]byte{1, 2, 3, 4}

	hexMD5 := func(s string) string {
		h := md5.Sum([]byte(s))
		return hex.EncodeToString(h[:])
	}
	digest := "md5" + hexMD5(hexMD5("sesame"+"alice")+string(salt[:]))

	script := &pgmock.Script{
		Steps: []pgmock.Step{
			pgmock.ExpectAnyMessage(&wire.StartupMessage{ProtocolVersion: wire.ProtocolVersionNumber, Parameters: map[string]string{}}),
			pgmock.SendMessage(&wire.AuthenticationMD5Password{Salt: salt}),
			pgmock.ExpectMessage(&wire.PasswordMessage{Password: digest}),
			pgmock.SendMessage(&wire.AuthenticationOk{}),
			pgmock.SendMessage(&wire.ReadyForQuery{TxStatus: 'I'}),
			pgmock.WaitForClose(),
		},
	}

	connStr, serverErrChan, cleanup := startMockServer(t, script)
	defer cleanup()

	ctx := testContext(t)
	c, err := conn.Connect(ctx, connStr+" user=alice password=sesame")
	require.NoError(t, err)
	c.Close(ctx)

	assert.NoError(t, <-serverErrChan)
}

func TestConnectInvalidPassword(t *testing.T) {
	script := &pgmock.Script{
		Steps: []pgmock.Step{
			pgmock.ExpectAnyMessage(&wire.StartupMessage{ProtocolVersion: wire.ProtocolVersionNumber, Parameters: map[string]string{}}),
			pgmock.SendMessage(&wire.AuthenticationCleartextPassword{}),
			pgmock.ExpectAnyMessage(&wire.PasswordMessage{}),
			pgmock.SendMessage(&wire.ErrorResponse{Severity: "FATAL", Code: "28P01", Message: `password authentication failed for user "alice"`}),
		},
	}

	connStr, serverErrChan, cleanup := startMockServer(t, script)
	defer cleanup()

	ctx := testContext(t)
	_, err := conn.Connect(ctx, connStr+" user=alice password=wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password authentication failed")

	assert.NoError(t, <-serverErrChan)
}

func TestExecMultipleStatements(t *testing.T) {
	script := &pgmock.Script{
		Steps: pgmock.AcceptUnauthenticatedConnRequestSteps(),
	}
	script.Steps = append(script.Steps,
		pgmock.ExpectMessage(&wire.Query{String: "create table t (a int); insert into t values (1)"}),
		pgmock.SendMessage(&wire.CommandComplete{CommandTag: []byte("CREATE TABLE")}),
		pgmock.SendMessage(&wire.CommandComplete{CommandTag: []byte("INSERT 0 1")}),
		pgmock.SendMessage(&wire.ReadyForQuery{TxStatus: 'I'}),
		pgmock.WaitForClose(),
	)

	connStr, serverErrChan, cleanup := startMockServer(t, script)
	defer cleanup()

	ctx := testContext(t)
	c, err := conn.Connect(ctx, connStr)
	require.NoError(t, err)

	tag, err := c.Exec(ctx, "create table t (a int); insert into t values (1)")
	require.NoError(t, err)
	assert.Equal(t, "INSERT 0 1", tag.String())
	assert.EqualValues(t, 1, tag.RowsAffected())

	c.Close(ctx)
	assert.NoError(t, <-serverErrChan)
}

func TestExecServerError(t *testing.T) {
	script := &pgmock.Script{
		Steps: pgmock.AcceptUnauthenticatedConnRequestSteps(),
	}
	script.Steps = append(script.Steps,
		pgmock.ExpectMessage(&wire.Query{String: "select 1/0"}),
		pgmock.SendMessage(&wire.ErrorResponse{Severity: "ERROR", Code: "22012", Message: "division by zero"}),
		pgmock.SendMessage(&wire.ReadyForQuery{TxStatus: 'I'}),
		pgmock.WaitForClose(),
	)

	connStr, serverErrChan, cleanup := startMockServer(t, script)
	defer cleanup()

	ctx := testContext(t)
	c, err := conn.Connect(ctx, connStr)
	require.NoError(t, err)

	_, err = c.Exec(ctx, "select 1/0")
	require.Error(t, err)

	var serverErr *conn.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "22012", serverErr.SQLState())

	// The error was recoverable; the connection is still usable.
	assert.Equal(t, conn.StatusReady, c.Status())

	c.Close(ctx)
	assert.NoError(t, <-serverErrChan)
}

func TestPipelineThreeGroups(t *testing.T) {
	script := &pgmock.Script{
		Steps: pgmock.AcceptUnauthenticatedConnRequestSteps(),
	}
	// Three Parse/Bind/Describe/Execute groups then Sync arrive in one batch.
	for i := 0; i < 3; i++ {
		script.Steps = append(script.Steps,
			pgmock.ExpectAnyMessage(&wire.Parse{}),
			pgmock.ExpectAnyMessage(&wire.Bind{}),
			pgmock.ExpectAnyMessage(&wire.Describe{}),
			pgmock.ExpectAnyMessage(&wire.Execute{}),
		)
	}
	script.Steps = append(script.Steps,
		pgmock.ExpectAnyMessage(&wire.Sync{}),

		// Group 1 succeeds.
		pgmock.SendMessage(&wire.ParseComplete{}),
		pgmock.SendMessage(&wire.BindComplete{}),
		pgmock.SendMessage(&wire.RowDescription{
			Fields: []wire.FieldDescription{
				{Name: []byte("n"), DataTypeOID: 23, DataTypeSize: 4, TypeModifier: -1},
			},
		}),
		pgmock.SendMessage(&wire.DataRow{Values: [][]byte{[]byte("1")}}),
		pgmock.SendMessage(&wire.CommandComplete{CommandTag: []byte("SELECT 1")}),

		// Group 2 fails; the server skips everything up to the Sync.
		pgmock.SendMessage(&wire.ParseComplete{}),
		pgmock.SendMessage(&wire.BindComplete{}),
		pgmock.SendMessage(&wire.ErrorResponse{Severity: "ERROR", Code: "42703", Message: `column "nope" does not exist`}),
		pgmock.SendMessage(&wire.ReadyForQuery{TxStatus: 'I'}),

		pgmock.WaitForClose(),
	)

	connStr, serverErrChan, cleanup := startMockServer(t, script)
	defer cleanup()

	ctx := testContext(t)
	c, err := conn.Connect(ctx, connStr)
	require.NoError(t, err)

	rr1 := c.SendQuery("select 1", nil, nil, nil, nil)
	rr2 := c.SendQuery("select nope", nil, nil, nil, nil)
	rr3 := c.SendQuery("select 3", nil, nil, nil, nil)
	c.SendSync()
	require.NoError(t, c.Flush(ctx))
	assert.True(t, c.IsBusy())

	got := c.GetResult(ctx)
	require.Same(t, rr1, got)
	require.True(t, rr1.NextRow())
	assert.Equal(t, "1", string(rr1.Values()[0]))
	require.False(t, rr1.NextRow())
	tag, err := rr1.Close()
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", tag.String())

	got = c.GetResult(ctx)
	require.Same(t, rr2, got)
	require.False(t, rr2.NextRow())
	var serverErr *conn.ServerError
	require.ErrorAs(t, rr2.Err(), &serverErr)
	assert.Equal(t, "42703", serverErr.SQLState())

	got = c.GetResult(ctx)
	require.Same(t, rr3, got)
	require.False(t, rr3.NextRow())
	var abortErr *conn.PipelineAbortedError
	require.ErrorAs(t, rr3.Err(), &abortErr)
	assert.Equal(t, serverErr, abortErr.Cause)

	require.Nil(t, c.GetResult(ctx))

	// After the pipeline is drained the connection has seen ReadyForQuery and recovered.
	assert.Equal(t, conn.StatusReady, c.Status())
	assert.False(t, c.IsBusy())

	c.Close(ctx)
	assert.NoError(t, <-serverErrChan)
}

func TestQueueAfterSyncIsBusy(t *testing.T) {
	script := &pgmock.Script{
		Steps: pgmock.AcceptUnauthenticatedConnRequestSteps(),
	}
	script.Steps = append(script.Steps,
		pgmock.ExpectAnyMessage(&wire.Parse{}),
		pgmock.ExpectAnyMessage(&wire.Bind{}),
		pgmock.ExpectAnyMessage(&wire.Describe{}),
		pgmock.ExpectAnyMessage(&wire.Execute{}),
		pgmock.ExpectAnyMessage(&wire.Sync{}),
		pgmock.SendMessage(&wire.ParseComplete{}),
		pgmock.SendMessage(&wire.BindComplete{}),
		pgmock.SendMessage(&wire.CommandComplete{CommandTag: []byte("SELECT 0")}),
		pgmock.SendMessage(&wire.ReadyForQuery{TxStatus: 'I'}),
		pgmock.WaitForClose(),
	)

	connStr, serverErrChan, cleanup := startMockServer(t, script)
	defer cleanup()

	ctx := testContext(t)
	c, err := conn.Connect(ctx, connStr)
	require.NoError(t, err)

	rr1 := c.SendQuery("select 1 where false", nil, nil, nil, nil)
	c.SendSync()

	// Once the pipeline has been synced no further groups may be queued until results are drained.
	rr2 := c.SendQuery("select 2", nil, nil, nil, nil)
	require.False(t, rr2.NextRow())
	assert.ErrorIs(t, rr2.Err(), conn.ErrConnBusy)

	require.NoError(t, c.Flush(ctx))
	require.Same(t, rr1, c.GetResult(ctx))
	_, err = rr1.Close()
	require.NoError(t, err)
	require.Nil(t, c.GetResult(ctx))
	assert.False(t, c.IsBusy())

	c.Close(ctx)
	assert.NoError(t, <-serverErrChan)
}

func TestPrepareAndQueryPrepared(t *testing.T) {
	script := &pgmock.Script{
		Steps: pgmock.AcceptUnauthenticatedConnRequestSteps(),
	}
	script.Steps = append(script.Steps,
		// Prepare round trip.
		pgmock.ExpectAnyMessage(&wire.Parse{}),
		pgmock.ExpectAnyMessage(&wire.Describe{}),
		pgmock.ExpectAnyMessage(&wire.Sync{}),
		pgmock.SendMessage(&wire.ParseComplete{}),
		pgmock.SendMessage(&wire.ParameterDescription{ParameterOIDs: []uint32{23}}),
		pgmock.SendMessage(&wire.RowDescription{
			Fields: []wire.FieldDescription{
				{Name: []byte("n"), DataTypeOID: 23, DataTypeSize: 4, TypeModifier: -1},
			},
		}),
		pgmock.SendMessage(&wire.ReadyForQuery{TxStatus: 'I'}),

		// Execution reuses the statement; no Parse arrives.
		pgmock.ExpectAnyMessage(&wire.Bind{}),
		pgmock.ExpectAnyMessage(&wire.Describe{}),
		pgmock.ExpectAnyMessage(&wire.Execute{}),
		pgmock.ExpectAnyMessage(&wire.Sync{}),
		pgmock.SendMessage(&wire.BindComplete{}),
		pgmock.SendMessage(&wire.DataRow{Values: [][]byte{[]byte("7")}}),
		pgmock.SendMessage(&wire.CommandComplete{CommandTag: []byte("SELECT 1")}),
		pgmock.SendMessage(&wire.ReadyForQuery{TxStatus: 'I'}),

		// Close statement round trip.
		pgmock.ExpectAnyMessage(&wire.Close{}),
		pgmock.ExpectAnyMessage(&wire.Sync{}),
		pgmock.SendMessage(&wire.CloseComplete{}),
		pgmock.SendMessage(&wire.ReadyForQuery{TxStatus: 'I'}),

		pgmock.WaitForClose(),
	)

	connStr, serverErrChan, cleanup := startMockServer(t, script)
	defer cleanup()

	ctx := testContext(t)
	c, err := conn.Connect(ctx, connStr)
	require.NoError(t, err)

	ref := c.NextStatementRef()
	assert.Equal(t, "pgwire_s_1", ref.Name())

	sd, err := c.Prepare(ctx, ref, "select $1::int4", nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{23}, sd.ParamOIDs)
	require.Len(t, sd.Fields, 1)
	assert.Equal(t, "n", string(sd.Fields[0].Name))

	rr := c.SendQueryPrepared(sd.Ref, [][]byte{[]byte("7")}, nil, nil)
	c.SendSync()
	require.NoError(t, c.Flush(ctx))

	require.Same(t, rr, c.GetResult(ctx))
	require.True(t, rr.NextRow())
	assert.Equal(t, "7", string(rr.Values()[0]))
	require.False(t, rr.NextRow())
	_, err = rr.Close()
	require.NoError(t, err)

	require.NoError(t, c.CloseStatement(ctx, sd.Ref))

	c.Close(ctx)
	assert.NoError(t, <-serverErrChan)
}

func TestFatalErrorPoisonsConn(t *testing.T) {
	script := &pgmock.Script{
		Steps: pgmock.AcceptUnauthenticatedConnRequestSteps(),
	}
	script.Steps = append(script.Steps,
		pgmock.ExpectMessage(&wire.Query{String: "select pg_sleep(100)"}),
		pgmock.SendMessage(&wire.ErrorResponse{Severity: "FATAL", Code: "57P01", Message: "terminating connection due to administrator command"}),
	)

	connStr, serverErrChan, cleanup := startMockServer(t, script)
	defer cleanup()

	ctx := testContext(t)
	c, err := conn.Connect(ctx, connStr)
	require.NoError(t, err)

	_, err = c.Exec(ctx, "select pg_sleep(100)")
	require.Error(t, err)

	assert.Equal(t, conn.StatusFailed, c.Status())
	assert.Error(t, c.CauseOfDeath())

	// Every subsequent operation reports the poisoned state.
	_, err = c.Exec(ctx, "select 1")
	assert.ErrorIs(t, err, conn.ErrConnFailed)

	rr := c.SendQuery("select 1", nil, nil, nil, nil)
	assert.ErrorIs(t, rr.Err(), conn.ErrConnFailed)

	<-serverErrChan
}

func TestClosedConnErrors(t *testing.T) {
	script := &pgmock.Script{
		Steps: pgmock.AcceptUnauthenticatedConnRequestSteps(),
	}
	script.Steps = append(script.Steps, pgmock.WaitForClose())

	connStr, serverErrChan, cleanup := startMockServer(t, script)
	defer cleanup()

	ctx := testContext(t)
	c, err := conn.Connect(ctx, connStr)
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx))

	_, err = c.Exec(ctx, "select 1")
	assert.ErrorIs(t, err, conn.ErrConnClosed)

	rr := c.SendQuery("select 1", nil, nil, nil, nil)
	assert.ErrorIs(t, rr.Err(), conn.ErrConnClosed)

	assert.NoError(t, <-serverErrChan)
}

func TestCancelRequest(t *testing.T) {
	script := &pgmock.Script{
		Steps: []pgmock.Step{
			pgmock.ExpectAnyMessage(&wire.StartupMessage{ProtocolVersion: wire.ProtocolVersionNumber, Parameters: map[string]string{}}),
			pgmock.SendMessage(&wire.AuthenticationOk{}),
			pgmock.SendMessage(&wire.BackendKeyData{ProcessID: 123, SecretKey: 456}),
			pgmock.SendMessage(&wire.ReadyForQuery{TxStatus: 'I'}),
		},
	}

	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)
	defer ln.Close()

	serverErrChan := make(chan error, 2)
	cancelBytes := make(chan []byte, 1)
	go func() {
		defer close(serverErrChan)

		// First connection runs the handshake script.
		sock, err := ln.Accept()
		if err != nil {
			serverErrChan <- err
			return
		}
		sock.SetDeadline(time.Now().Add(5 * time.Second))
		if err := script.Run(wire.NewBackend(sock, sock)); err != nil {
			serverErrChan <- err
		}

		// Second connection carries the cancel request.
		cancelSock, err := ln.Accept()
		if err != nil {
			serverErrChan <- err
			return
		}
		cancelSock.SetDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, 16)
		if _, err := io.ReadFull(cancelSock, buf); err != nil {
			serverErrChan <- err
		}
		cancelBytes <- buf
		cancelSock.Close()
		sock.Close()
	}()

	parts := strings.SplitN(ln.Addr().String(), ":", 2)
	connStr := fmt.Sprintf("sslmode=disable host=%s port=%s", parts[0], parts[1])

	ctx := testContext(t)
	c, err := conn.Connect(ctx, connStr)
	require.NoError(t, err)

	require.NoError(t, c.CancelRequest(ctx))

	buf := <-cancelBytes
	assert.EqualValues(t, 16, binary.BigEndian.Uint32(buf[0:4]))
	assert.EqualValues(t, 80877102, binary.BigEndian.Uint32(buf[4:8]))
	assert.EqualValues(t, 123, binary.BigEndian.Uint32(buf[8:12]))
	assert.EqualValues(t, 456, binary.BigEndian.Uint32(buf[12:16]))

	c.Close(ctx)
	assert.NoError(t, <-serverErrChan)
}
