package wire

import (
	"errors"
	"fmt"

	"github.com/jackc/pgio"
)

// maxMessageBodyLen is the maximum length of a message body in bytes. It is somewhat arbitrarily chosen, but longer
// messages are almost certainly a protocol error or a malicious peer.
const maxMessageBodyLen = 1<<30 - 1

// Message is the interface implemented by an object that can decode and encode a particular PostgreSQL message.
type Message interface {
	// Decode is allowed and expected to retain a reference to data after returning (unlike encoding.BinaryUnmarshaler).
	Decode(data []byte) error

	// Encode appends itself to dst and returns the new buffer including the 1 byte message type identifier (if any)
	// and the 4 byte message length.
	Encode(dst []byte) ([]byte, error)
}

// FrontendMessage is a message sent by the frontend (i.e. the client).
type FrontendMessage interface {
	Message
	Frontend() // no-op method to distinguish frontend from backend methods
}

// BackendMessage is a message sent by the backend (i.e. the server).
type BackendMessage interface {
	Message
	Backend() // no-op method to distinguish frontend from backend methods
}

// UnsupportedMessageError occurs when a message with an unknown type identifier is received. The message body has
// already been consumed, so the caller may treat the message as skippable and continue receiving, or abort the
// connection.
type UnsupportedMessageError struct {
	Tag byte
}

func (e *UnsupportedMessageError) Error() string {
	return fmt.Sprintf("unsupported message type: %c", e.Tag)
}

type invalidMessageLenErr struct {
	messageType string
	expectedLen int
	actualLen   int
}

func (e *invalidMessageLenErr) Error() string {
	return fmt.Sprintf("%s body must have length of %d, but it is %d", e.messageType, e.expectedLen, e.actualLen)
}

type invalidMessageFormatErr struct {
	messageType string
	details     string
}

func (e *invalidMessageFormatErr) Error() string {
	return fmt.Sprintf("%s body is invalid %s", e.messageType, e.details)
}

type writeError struct {
	err         error
	safeToRetry bool
}

func (e *writeError) Error() string {
	return fmt.Sprintf("write failed: %s", e.err.Error())
}

func (e *writeError) SafeToRetry() bool {
	return e.safeToRetry
}

func (e *writeError) Unwrap() error {
	return e.err
}

// beginMessage begins a new message of type t. It appends the message type and a placeholder for the message length to
// dst. It returns the new buffer and the position of the message length placeholder.
func beginMessage(dst []byte, t byte) ([]byte, int) {
	dst = append(dst, t)
	sp := len(dst)
	dst = pgio.AppendInt32(dst, -1)
	return dst, sp
}

// finishMessage fills in the message length placeholder at position sp with the message length, including the length
// field itself but excluding the type byte, per protocol convention.
func finishMessage(dst []byte, sp int) ([]byte, error) {
	messageBodyLen := len(dst[sp:])
	if messageBodyLen > maxMessageBodyLen {
		return nil, errors.New("message body too large")
	}
	pgio.SetInt32(dst[sp:], int32(messageBodyLen))
	return dst, nil
}
