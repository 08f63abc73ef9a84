package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/pgkit/pgwire/wire"
)

// ErrConnBusy occurs when an operation is attempted while the connection is already executing a pipeline. The
// connection is still usable once the in-flight pipeline has been drained.
var ErrConnBusy = errors.New("conn busy")

// ErrConnClosed occurs when an operation is attempted on a connection that has been cleanly closed.
var ErrConnClosed = errors.New("conn closed")

// ErrConnFailed occurs when an operation is attempted on a connection that was poisoned by a fatal error. The
// connection must be discarded. Inspect Conn.CauseOfDeath for the original failure.
var ErrConnFailed = errors.New("conn failed and must be discarded")

// SafeToRetry checks if the err is guaranteed to have occurred before sending any data to the server.
func SafeToRetry(err error) bool {
	if e, ok := err.(interface{ SafeToRetry() bool }); ok {
		return e.SafeToRetry()
	}
	return false
}

// Timeout checks if err was caused by a timeout. To be specific, it is true if err was caused within this package by
// a context.DeadlineExceeded or an implementer of net.Error where Timeout() is true.
func Timeout(err error) bool {
	var timeoutErr *errTimeout
	return errors.As(err, &timeoutErr)
}

// ServerError represents an error reported by the PostgreSQL server via an ErrorResponse message. See
// https://www.postgresql.org/docs/current/protocol-error-fields.html for detailed field description. A ServerError
// received while a pipeline is in flight fails only that request; the connection recovers at the next Sync boundary.
type ServerError struct {
	Severity         string
	Code             string
	Message          string
	Detail           string
	Hint             string
	Position         int32
	InternalPosition int32
	InternalQuery    string
	Where            string
	SchemaName       string
	TableName        string
	ColumnName       string
	DataTypeName     string
	ConstraintName   string
	File             string
	Line             int32
	Routine          string
}

func (se *ServerError) Error() string {
	return se.Severity + ": " + se.Message + " (SQLSTATE " + se.Code + ")"
}

// SQLState returns the SQLState of the error.
func (se *ServerError) SQLState() string {
	return se.Code
}

// PipelineAbortedError occurs when a pipelined request is skipped because an earlier request in the same pipeline
// failed. The server discards all messages after the failure until the next Sync, so the skipped request was never
// executed.
type PipelineAbortedError struct {
	// Cause is the error that failed the earlier request and aborted the pipeline.
	Cause error
}

func (e *PipelineAbortedError) Error() string {
	return fmt.Sprintf("request skipped: earlier pipelined request failed: %s", e.Cause.Error())
}

func (e *PipelineAbortedError) Unwrap() error {
	return e.Cause
}

// ProtocolError occurs when the backend sends a message that violates the expected protocol flow, such as a known
// message type arriving in a state where it makes no sense. It is fatal to the connection.
type ProtocolError string

func (e ProtocolError) Error() string {
	return string(e)
}

// AuthenticationError occurs when the authentication exchange with the server fails before the connection reaches the
// Ready state.
type AuthenticationError struct {
	msg string
	err error
}

func (e *AuthenticationError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %s", e.msg, e.err.Error())
}

func (e *AuthenticationError) Unwrap() error {
	return e.err
}

type connectError struct {
	config *Config
	msg    string
	err    error
}

func (e *connectError) Error() string {
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "failed to connect to `host=%s user=%s database=%s`: %s", e.config.Host, e.config.User, e.config.Database, e.msg)
	if e.err != nil {
		fmt.Fprintf(sb, " (%s)", e.err.Error())
	}
	return sb.String()
}

func (e *connectError) Unwrap() error {
	return e.err
}

type parseConfigError struct {
	connString string
	msg        string
	err        error
}

func (e *parseConfigError) Error() string {
	connString := redactPW(e.connString)
	if e.err == nil {
		return fmt.Sprintf("cannot parse `%s`: %s", connString, e.msg)
	}
	return fmt.Sprintf("cannot parse `%s`: %s (%s)", connString, e.msg, e.err.Error())
}

func (e *parseConfigError) Unwrap() error {
	return e.err
}

func normalizeTimeoutError(ctx context.Context, err error) error {
	if err, ok := err.(net.Error); ok && err.Timeout() {
		if ctx.Err() == context.Canceled {
			// Since the timeout was caused by a context cancellation, the actual error is context.Canceled not the timeout error.
			return context.Canceled
		} else if ctx.Err() == context.DeadlineExceeded {
			return &errTimeout{err: ctx.Err()}
		} else {
			return &errTimeout{err: err}
		}
	}
	return err
}

type connError struct {
	msg         string
	err         error
	safeToRetry bool
}

func (e *connError) Error() string {
	if e.msg == "" {
		return e.err.Error()
	}
	if e.err == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %s", e.msg, e.err.Error())
}

func (e *connError) SafeToRetry() bool {
	return e.safeToRetry
}

func (e *connError) Unwrap() error {
	return e.err
}

// errTimeout occurs when an error was caused by a timeout. Specifically, it wraps an error which is
// context.Canceled, context.DeadlineExceeded, or an implementer of net.Error where Timeout() is true.
type errTimeout struct {
	err error
}

func (e *errTimeout) Error() string {
	return fmt.Sprintf("timeout: %s", e.err.Error())
}

func (e *errTimeout) SafeToRetry() bool {
	return SafeToRetry(e.err)
}

func (e *errTimeout) Unwrap() error {
	return e.err
}

type contextAlreadyDoneError struct {
	err error
}

func (e *contextAlreadyDoneError) Error() string {
	return fmt.Sprintf("context already done: %s", e.err.Error())
}

func (e *contextAlreadyDoneError) SafeToRetry() bool {
	return true
}

func (e *contextAlreadyDoneError) Unwrap() error {
	return e.err
}

// newContextAlreadyDoneError double-wraps a context error in `contextAlreadyDoneError` and `errTimeout`.
func newContextAlreadyDoneError(ctx context.Context) (err error) {
	return &errTimeout{&contextAlreadyDoneError{err: ctx.Err()}}
}

func redactPW(connString string) string {
	if strings.HasPrefix(connString, "postgres://") || strings.HasPrefix(connString, "postgresql://") {
		if u, err := url.Parse(connString); err == nil {
			return redactURL(u)
		}
	}
	quotedDSN := regexp.MustCompile(`password='[^']*'`)
	connString = quotedDSN.ReplaceAllLiteralString(connString, "password=xxxxx")
	plainDSN := regexp.MustCompile(`password=[^ ]*`)
	connString = plainDSN.ReplaceAllLiteralString(connString, "password=xxxxx")
	brokenURL := regexp.MustCompile(`:[^:@]+?@`)
	connString = brokenURL.ReplaceAllLiteralString(connString, ":xxxxxx@")
	return connString
}

func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	if _, pwSet := u.User.Password(); pwSet {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// serverErrorFromResponse copies the fields of an ErrorResponse flyweight into a ServerError that remains valid
// after the next Receive.
func serverErrorFromResponse(msg *wire.ErrorResponse) *ServerError {
	return &ServerError{
		Severity:         msg.Severity,
		Code:             msg.Code,
		Message:          msg.Message,
		Detail:           msg.Detail,
		Hint:             msg.Hint,
		Position:         msg.Position,
		InternalPosition: msg.InternalPosition,
		InternalQuery:    msg.InternalQuery,
		Where:            msg.Where,
		SchemaName:       msg.SchemaName,
		TableName:        msg.TableName,
		ColumnName:       msg.ColumnName,
		DataTypeName:     msg.DataTypeName,
		ConstraintName:   msg.ConstraintName,
		File:             msg.File,
		Line:             msg.Line,
		Routine:          msg.Routine,
	}
}
