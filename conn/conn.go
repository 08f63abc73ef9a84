// Package conn is a low-level PostgreSQL database driver. It operates at nearly the same level as the C library
// libpq: connection establishment and authentication, the extended query protocol with explicit pipelining, and
// out-of-band query cancellation. Prepared statement caching and pooling are provided by higher level packages built
// on this one.
package conn

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pgkit/pgwire/wire"
)

// Status is the state a connection is in. Transitions are driven by the wire protocol: a connection is Ready exactly
// between a received ReadyForQuery and the next request, and Failed once any fatal error has poisoned it.
type Status int32

const (
	StatusConnecting Status = iota
	StatusAuthenticating
	StatusReady
	StatusParsing
	StatusBinding
	StatusExecuting
	StatusClosing
	StatusClosed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusAuthenticating:
		return "authenticating"
	case StatusReady:
		return "ready"
	case StatusParsing:
		return "parsing"
	case StatusBinding:
		return "binding"
	case StatusExecuting:
		return "executing"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	case StatusFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Notice represents a notice response message reported by the PostgreSQL server. Be aware that this is distinct from
// LISTEN/NOTIFY notification.
type Notice ServerError

// Notification is a message received from the PostgreSQL LISTEN/NOTIFY system.
type Notification struct {
	PID     uint32 // backend pid that sent the notification
	Channel string // channel from which notification was received
	Payload string
}

// Conn is a PostgreSQL connection handle. It is not safe for concurrent use except where explicitly documented
// (CancelRequest). A Conn must be drained of any in-flight pipeline before starting a new request.
type Conn struct {
	netConn  net.Conn
	frontend *wire.Frontend
	config   *Config

	status       Status
	causeOfDeath error

	pid               uint32
	secretKey         uint32
	txStatus          byte
	parameterStatuses map[string]string

	stmtCounter uint32

	resultQueue  []*ResultReader
	activeResult *ResultReader
	pendingSync  bool
	pipelineErr  error

	// opCtx is the context of the operation currently using the connection. Its deadline is mirrored onto the socket.
	opCtx context.Context
}

// Connect establishes a connection to a PostgreSQL server using the environment and connString to provide
// configuration. See documentation for ParseConfig for details. ctx can be used to cancel a connect attempt.
func Connect(ctx context.Context, connString string) (*Conn, error) {
	config, err := ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	return ConnectConfig(ctx, config)
}

// ConnectConfig establishes a connection to a PostgreSQL server using config. config must have been constructed with
// ParseConfig. ctx can be used to cancel a connect attempt.
//
// If config.Fallbacks are present they will sequentially be tried in case of error establishing network connection. An
// authentication error will terminate the chain of attempts (like libpq:
// https://www.postgresql.org/docs/current/libpq-connect.html#LIBPQ-MULTIPLE-HOSTS) and be returned as the error.
func ConnectConfig(ctx context.Context, config *Config) (*Conn, error) {
	// Default values are set in ParseConfig. Enforce initial creation by ParseConfig rather than setting defaults from
	// zero values.
	if !config.createdByParseConfig {
		panic("config must be created by ParseConfig")
	}

	// Simplify usage by treating primary config and fallbacks the same.
	fallbackConfigs := []*FallbackConfig{
		{
			Host:      config.Host,
			Port:      config.Port,
			TLSConfig: config.TLSConfig,
		},
	}
	fallbackConfigs = append(fallbackConfigs, config.Fallbacks...)

	var c *Conn
	var err error
	for _, fc := range fallbackConfigs {
		c, err = connect(ctx, config, fc)
		if err == nil {
			return c, nil
		}

		var serverErr *ServerError
		var authErr *AuthenticationError
		if errors.As(err, &serverErr) || errors.As(err, &authErr) {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	return nil, &connectError{config: config, msg: "connect failed", err: normalizeTimeoutError(ctx, err)}
}

func connect(ctx context.Context, config *Config, fallbackConfig *FallbackConfig) (*Conn, error) {
	c := &Conn{
		config:            config,
		status:            StatusConnecting,
		parameterStatuses: make(map[string]string),
		opCtx:             context.Background(),
	}

	network, address := NetworkAddress(fallbackConfig.Host, fallbackConfig.Port)
	netConn, err := config.DialFunc(ctx, network, address)
	if err != nil {
		return nil, err
	}
	c.netConn = netConn

	if deadline, ok := ctx.Deadline(); ok {
		c.netConn.SetDeadline(deadline)
	}

	if fallbackConfig.TLSConfig != nil {
		tlsConn, err := startTLS(c.netConn, fallbackConfig.TLSConfig)
		if err != nil {
			netConn.Close()
			return nil, err
		}
		c.netConn = tlsConn
	}

	c.frontend = wire.NewFrontend(c.netConn, c.netConn)

	startupMsg := wire.StartupMessage{
		ProtocolVersion: wire.ProtocolVersionNumber,
		Parameters:      make(map[string]string),
	}
	for k, v := range config.RuntimeParams {
		startupMsg.Parameters[k] = v
	}
	startupMsg.Parameters["user"] = config.User
	if config.Database != "" {
		startupMsg.Parameters["database"] = config.Database
	}

	c.frontend.Send(&startupMsg)
	if err := c.frontend.Flush(); err != nil {
		c.netConn.Close()
		return nil, err
	}

	c.status = StatusAuthenticating

	for {
		msg, err := c.receiveMessage()
		if err != nil {
			c.netConn.Close()
			var serverErr *ServerError
			if errors.As(err, &serverErr) {
				if serverErr.Code == "28000" || serverErr.Code == "28P01" {
					return nil, &AuthenticationError{msg: "failed to authenticate", err: serverErr}
				}
			}
			return nil, err
		}

		switch msg := msg.(type) {
		case *wire.BackendKeyData:
			c.pid = msg.ProcessID
			c.secretKey = msg.SecretKey
		case *wire.AuthenticationOk:
		case *wire.AuthenticationCleartextPassword:
			err = c.txPasswordMessage(config.Password)
			if err != nil {
				c.netConn.Close()
				return nil, &AuthenticationError{msg: "failed to write password message", err: err}
			}
		case *wire.AuthenticationMD5Password:
			digestedPassword := "md5" + hexMD5(hexMD5(config.Password+config.User)+string(msg.Salt[:]))
			err = c.txPasswordMessage(digestedPassword)
			if err != nil {
				c.netConn.Close()
				return nil, &AuthenticationError{msg: "failed to write password message", err: err}
			}
		case *wire.AuthenticationSASL:
			err = c.scramAuth(msg.AuthMechanisms)
			if err != nil {
				c.netConn.Close()
				return nil, &AuthenticationError{msg: "failed SASL auth", err: err}
			}
		case *wire.ReadyForQuery:
			c.netConn.SetDeadline(time.Time{})
			c.status = StatusReady
			return c, nil
		case *wire.ParameterStatus, *wire.NoticeResponse:
			// handled by receiveMessage
		case *wire.ErrorResponse:
			// fatal ErrorResponse during startup is returned as an error by receiveMessage, so this is unreachable
			// for severity FATAL. A non-fatal error during startup still fails the connect.
			c.netConn.Close()
			return nil, serverErrorFromResponse(msg)
		default:
			c.netConn.Close()
			return nil, ProtocolError(fmt.Sprintf("unexpected message during startup: %T", msg))
		}
	}
}

func hexMD5(s string) string {
	hash := md5.Sum([]byte(s))
	return hex.EncodeToString(hash[:])
}

func (c *Conn) txPasswordMessage(password string) error {
	c.frontend.Send(&wire.PasswordMessage{Password: password})
	return c.frontend.Flush()
}

// receiveMessage receives a message from the backend. Bookkeeping for asynchronous messages (ParameterStatus,
// NoticeResponse, NotificationResponse) and transaction status is performed here so every read path observes them.
// Any receive error is fatal to the connection.
func (c *Conn) receiveMessage() (wire.BackendMessage, error) {
	msg, err := c.frontend.Receive()
	if err != nil {
		err = normalizeTimeoutError(c.opCtx, err)
		c.die(err)
		return nil, err
	}

	switch msg := msg.(type) {
	case *wire.ReadyForQuery:
		c.txStatus = msg.TxStatus
	case *wire.ParameterStatus:
		c.parameterStatuses[msg.Name] = msg.Value
	case *wire.ErrorResponse:
		if msg.Severity == "FATAL" {
			serverErr := serverErrorFromResponse(msg)
			c.die(serverErr)
			return nil, serverErr
		}
	case *wire.NoticeResponse:
		if c.config.OnNotice != nil {
			notice := Notice(*serverErrorFromResponse((*wire.ErrorResponse)(msg)))
			c.config.OnNotice(c, &notice)
		}
	case *wire.NotificationResponse:
		if c.config.OnNotification != nil {
			c.config.OnNotification(c, &Notification{PID: msg.PID, Channel: msg.Channel, Payload: msg.Payload})
		}
	}

	return msg, nil
}

// die poisons the connection. Every fatal error funnels through here: the socket is closed, the cause recorded, and
// all further use is rejected with ErrConnFailed.
func (c *Conn) die(err error) {
	if c.status == StatusClosed || c.status == StatusFailed {
		return
	}

	c.status = StatusFailed
	c.causeOfDeath = err
	c.netConn.Close()
}

// Status returns the current connection state.
func (c *Conn) Status() Status {
	return c.status
}

// IsClosed reports whether the connection has been closed or has failed.
func (c *Conn) IsClosed() bool {
	return c.status == StatusClosed || c.status == StatusFailed
}

// IsBusy reports whether a pipeline is in flight.
func (c *Conn) IsBusy() bool {
	return len(c.resultQueue) > 0 || c.activeResult != nil || c.pendingSync
}

// CauseOfDeath returns the fatal error that poisoned the connection, or nil if the connection has not failed.
func (c *Conn) CauseOfDeath() error {
	return c.causeOfDeath
}

// PID returns the backend process id reported in BackendKeyData during startup.
func (c *Conn) PID() uint32 {
	return c.pid
}

// SecretKey returns the cancellation key reported in BackendKeyData during startup.
func (c *Conn) SecretKey() uint32 {
	return c.secretKey
}

// TxStatus returns the transaction status reported by the most recent ReadyForQuery message. Possible return values
// are 'I' (idle), 'T' (in transaction), and 'E' (in a failed transaction).
func (c *Conn) TxStatus() byte {
	return c.txStatus
}

// ParameterStatus returns the value of a parameter reported by the server (e.g. server_version). These values are
// sent on startup and may be updated asynchronously during the session.
func (c *Conn) ParameterStatus(key string) string {
	return c.parameterStatuses[key]
}

// checkUsable rejects use of a connection that is not in a state to start a new request.
func (c *Conn) checkUsable() error {
	switch c.status {
	case StatusClosed, StatusClosing:
		return ErrConnClosed
	case StatusFailed:
		return ErrConnFailed
	}
	if c.IsBusy() {
		return ErrConnBusy
	}
	return nil
}

// startOperation binds ctx to the connection for the duration of an operation. The context's deadline, if any, is
// mirrored onto the socket so blocked reads and writes are interrupted.
func (c *Conn) startOperation(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return newContextAlreadyDoneError(ctx)
	}
	c.opCtx = ctx
	if deadline, ok := ctx.Deadline(); ok {
		c.netConn.SetDeadline(deadline)
	} else {
		c.netConn.SetDeadline(time.Time{})
	}
	return nil
}

func (c *Conn) endOperation() {
	c.opCtx = context.Background()
	if c.status != StatusClosed && c.status != StatusFailed {
		c.netConn.SetDeadline(time.Time{})
	}
}

// Prepare creates a prepared statement under ref and returns its description. A full Parse / Describe / Sync round
// trip is performed so the statement is known to be valid when Prepare returns.
func (c *Conn) Prepare(ctx context.Context, ref StatementRef, sql string, paramOIDs []uint32) (*StatementDescription, error) {
	if err := c.checkUsable(); err != nil {
		return nil, err
	}
	if err := c.startOperation(ctx); err != nil {
		return nil, err
	}
	defer c.endOperation()

	c.status = StatusParsing

	c.frontend.Send(&wire.Parse{Name: ref.Name(), Query: sql, ParameterOIDs: paramOIDs})
	c.frontend.Send(&wire.Describe{ObjectType: 'S', Name: ref.Name()})
	c.frontend.Send(&wire.Sync{})
	if err := c.frontend.Flush(); err != nil {
		c.die(err)
		return nil, err
	}

	sd := &StatementDescription{Ref: ref, SQL: sql}

	var resultErr error
	for {
		msg, err := c.receiveMessage()
		if err != nil {
			return nil, err
		}

		switch msg := msg.(type) {
		case *wire.ParseComplete:
		case *wire.ParameterDescription:
			sd.ParamOIDs = make([]uint32, len(msg.ParameterOIDs))
			copy(sd.ParamOIDs, msg.ParameterOIDs)
		case *wire.RowDescription:
			sd.Fields = copyFieldDescriptions(msg.Fields)
		case *wire.NoData:
		case *wire.ErrorResponse:
			resultErr = serverErrorFromResponse(msg)
		case *wire.ReadyForQuery:
			c.status = StatusReady
			if resultErr != nil {
				return nil, resultErr
			}
			return sd, nil
		}
	}
}

// CloseStatement deallocates the server-side prepared statement addressed by ref. After the round trip completes the
// name may be reassigned.
func (c *Conn) CloseStatement(ctx context.Context, ref StatementRef) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	if err := c.startOperation(ctx); err != nil {
		return err
	}
	defer c.endOperation()

	c.status = StatusClosing

	c.frontend.Send(&wire.Close{ObjectType: 'S', Name: ref.Name()})
	c.frontend.Send(&wire.Sync{})
	if err := c.frontend.Flush(); err != nil {
		c.die(err)
		return err
	}

	var resultErr error
	for {
		msg, err := c.receiveMessage()
		if err != nil {
			return err
		}

		switch msg := msg.(type) {
		case *wire.CloseComplete:
		case *wire.ErrorResponse:
			resultErr = serverErrorFromResponse(msg)
		case *wire.ReadyForQuery:
			c.status = StatusReady
			return resultErr
		}
	}
}

// SendQuery queues a Parse / Bind / Describe / Execute group for sql using the unnamed statement slot. Nothing is
// written to the socket until Flush. The returned ResultReader must be consumed in queue order via GetResult.
//
// paramValues are the textual or binary parameter values, nil meaning NULL. paramFormats and resultFormats use
// wire.TextFormat and wire.BinaryFormat; nil means all text.
func (c *Conn) SendQuery(sql string, paramValues [][]byte, paramOIDs []uint32, paramFormats []int16, resultFormats []int16) *ResultReader {
	rr := &ResultReader{conn: c, expectParse: true}
	if err := c.checkQueueable(); err != nil {
		rr.concludeBeforeStart(err)
		return rr
	}

	c.status = StatusParsing
	c.frontend.Send(&wire.Parse{Query: sql, ParameterOIDs: paramOIDs})
	c.queueBindExecute(rr, UnnamedStatement(), paramValues, paramFormats, resultFormats)
	return rr
}

// SendQueryPrepared queues a Bind / Describe / Execute group reusing the prepared statement addressed by ref. Nothing
// is written to the socket until Flush. No Parse message is sent; reusing a cached statement skips the parse cost
// entirely.
func (c *Conn) SendQueryPrepared(ref StatementRef, paramValues [][]byte, paramFormats []int16, resultFormats []int16) *ResultReader {
	rr := &ResultReader{conn: c}
	if err := c.checkQueueable(); err != nil {
		rr.concludeBeforeStart(err)
		return rr
	}

	c.queueBindExecute(rr, ref, paramValues, paramFormats, resultFormats)
	return rr
}

func (c *Conn) checkQueueable() error {
	switch c.status {
	case StatusClosed, StatusClosing:
		return ErrConnClosed
	case StatusFailed:
		return ErrConnFailed
	}
	if c.pendingSync || c.activeResult != nil {
		// A new group may not be queued once the pipeline has been synced; results must be drained first.
		return ErrConnBusy
	}
	return nil
}

func (c *Conn) queueBindExecute(rr *ResultReader, ref StatementRef, paramValues [][]byte, paramFormats []int16, resultFormats []int16) {
	c.status = StatusBinding
	c.frontend.Send(&wire.Bind{
		PreparedStatement:    ref.Name(),
		ParameterFormatCodes: paramFormats,
		Parameters:           paramValues,
		ResultFormatCodes:    resultFormats,
	})
	c.frontend.Send(&wire.Describe{ObjectType: 'P'})
	c.frontend.Send(&wire.Execute{})
	c.resultQueue = append(c.resultQueue, rr)
}

// SendSync queues a Sync message ending the current pipeline. The server processes all queued groups and answers with
// a ReadyForQuery once every response, including any error recovery, has been sent.
func (c *Conn) SendSync() {
	if err := c.checkQueueable(); err != nil {
		return
	}
	c.frontend.Send(&wire.Sync{})
	c.pendingSync = true
}

// Flush writes all queued messages to the socket. Queued groups are executed by the server as the messages arrive;
// results are read with GetResult.
func (c *Conn) Flush(ctx context.Context) error {
	if c.status == StatusFailed {
		return ErrConnFailed
	}
	if c.status == StatusClosed || c.status == StatusClosing {
		return ErrConnClosed
	}
	if err := c.startOperation(ctx); err != nil {
		return err
	}
	defer c.endOperation()

	if err := c.frontend.Flush(); err != nil {
		if !SafeToRetry(err) {
			c.die(err)
		}
		return err
	}

	if len(c.resultQueue) > 0 || c.pendingSync {
		c.status = StatusExecuting
	}
	return nil
}

// GetResult returns the reader for the next queued group, in the order the groups were queued. Any previously
// returned reader is drained and closed first. It returns nil once all queued results have been returned. After the
// last reader is closed the connection has consumed the closing ReadyForQuery and is Ready again.
func (c *Conn) GetResult(ctx context.Context) *ResultReader {
	if c.activeResult != nil {
		c.activeResult.Close()
		c.activeResult = nil
	}

	if len(c.resultQueue) == 0 {
		return nil
	}

	rr := c.resultQueue[0]
	c.resultQueue = c.resultQueue[1:]
	rr.ctx = ctx
	c.activeResult = rr
	return rr
}

// readUntilReadyForQuery consumes messages until the ReadyForQuery ending the current pipeline. It is called after
// the last queued result has been drained. Returns any server error encountered on the way.
func (c *Conn) readUntilReadyForQuery() error {
	var resultErr error
	for {
		msg, err := c.receiveMessage()
		if err != nil {
			return err
		}

		switch msg := msg.(type) {
		case *wire.ErrorResponse:
			resultErr = serverErrorFromResponse(msg)
		case *wire.ReadyForQuery:
			c.pendingSync = false
			c.pipelineErr = nil
			c.status = StatusReady
			return resultErr
		}
	}
}

// Exec executes sql via the simple query protocol. Multiple statements may be separated by semicolons; the command
// tag of the last statement and the first error are returned. Parameters are not supported; use the extended protocol
// for parameterized queries.
func (c *Conn) Exec(ctx context.Context, sql string) (CommandTag, error) {
	if err := c.checkUsable(); err != nil {
		return nil, err
	}
	if err := c.startOperation(ctx); err != nil {
		return nil, err
	}
	defer c.endOperation()

	c.status = StatusExecuting

	c.frontend.Send(&wire.Query{String: sql})
	if err := c.frontend.Flush(); err != nil {
		c.die(err)
		return nil, err
	}

	var commandTag CommandTag
	var resultErr error
	for {
		msg, err := c.receiveMessage()
		if err != nil {
			return nil, err
		}

		switch msg := msg.(type) {
		case *wire.CommandComplete:
			commandTag = CommandTag(string(msg.CommandTag))
		case *wire.ErrorResponse:
			if resultErr == nil {
				resultErr = serverErrorFromResponse(msg)
			}
		case *wire.ReadyForQuery:
			c.status = StatusReady
			return commandTag, resultErr
		}
	}
}

// Ping executes an empty statement against the server, verifying both directions of the connection are alive.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.Exec(ctx, ";")
	return err
}

// CancelRequest sends a cancel request to the PostgreSQL server. It returns an error if unable to deliver the cancel
// request, but lack of an error does not ensure that the request had any effect.
//
// CancelRequest opens a new connection and delivers the BackendKeyData captured at startup, exactly as described in
// the PostgreSQL protocol. It is the only method safe to call from another goroutine while the connection is in use.
func (c *Conn) CancelRequest(ctx context.Context) error {
	network, address := NetworkAddress(c.config.Host, c.config.Port)
	cancelConn, err := c.config.DialFunc(ctx, network, address)
	if err != nil {
		return err
	}
	defer cancelConn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		cancelConn.SetDeadline(deadline)
	}

	buf, err := (&wire.CancelRequest{ProcessID: c.pid, SecretKey: c.secretKey}).Encode(nil)
	if err != nil {
		return err
	}
	if _, err := cancelConn.Write(buf); err != nil {
		return err
	}

	// The server closes the cancel connection without replying.
	_, err = cancelConn.Read(make([]byte, 1))
	if err != nil && err != io.EOF {
		return err
	}

	return nil
}

// Close gracefully closes the connection. A Terminate message is sent on a best effort basis before closing the
// socket; the server needs no reply.
func (c *Conn) Close(ctx context.Context) error {
	if c.status == StatusClosed {
		return nil
	}
	if c.status == StatusFailed {
		c.status = StatusClosed
		return nil
	}
	c.status = StatusClosing

	if deadline, ok := ctx.Deadline(); ok {
		c.netConn.SetDeadline(deadline)
	}

	c.frontend.Send(&wire.Terminate{})
	c.frontend.Flush()

	err := c.netConn.Close()
	c.status = StatusClosed
	return err
}

func copyFieldDescriptions(src []wire.FieldDescription) []wire.FieldDescription {
	if src == nil {
		return nil
	}
	dst := make([]wire.FieldDescription, len(src))
	copy(dst, src)
	for i := range dst {
		name := make([]byte, len(src[i].Name))
		copy(name, src[i].Name)
		dst[i].Name = name
	}
	return dst
}
