package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jackc/chunkreader/v2"
)

// Backend acts as a server for the PostgreSQL wire protocol version 3. Its primary use in this module is the mock
// server used by the protocol tests.
type Backend struct {
	cr *chunkreader.ChunkReader
	w  io.Writer

	wbuf        []byte
	encodeError error

	// Frontend message flyweights
	bind                Bind
	cancelRequest       CancelRequest
	_close              Close
	describe            Describe
	execute             Execute
	flush               Flush
	parse               Parse
	passwordMessage     PasswordMessage
	query               Query
	saslInitialResponse SASLInitialResponse
	saslResponse        SASLResponse
	sslRequest          SSLRequest
	startupMessage      StartupMessage
	sync                Sync
	terminate           Terminate

	bodyLen    int
	msgType    byte
	partialMsg bool
	authType   uint32
}

// NewBackend creates a new Backend.
func NewBackend(r io.Reader, w io.Writer) *Backend {
	return &Backend{cr: chunkreader.New(r), w: w}
}

// Send sends a message to the frontend (i.e. the client). The message is buffered until Flush is called. Any error
// encountered will be reported by Flush.
func (b *Backend) Send(msg BackendMessage) {
	if b.encodeError != nil {
		return
	}

	wbuf, err := msg.Encode(b.wbuf)
	if err != nil {
		b.encodeError = err
		return
	}
	b.wbuf = wbuf
}

// Flush writes any pending messages to the frontend (i.e. the client).
func (b *Backend) Flush() error {
	if err := b.encodeError; err != nil {
		b.encodeError = nil
		b.wbuf = b.wbuf[:0]
		return &writeError{err: err, safeToRetry: true}
	}

	if len(b.wbuf) == 0 {
		return nil
	}

	n, err := b.w.Write(b.wbuf)
	b.wbuf = b.wbuf[:0]

	if err != nil {
		return &writeError{err: err, safeToRetry: n == 0}
	}

	return nil
}

// ReceiveStartupMessage receives the initial connection message. This method is used of the normal Receive method
// because the initial connection message is "special" and does not include the message type as the first byte. This
// will return either a StartupMessage, SSLRequest, or CancelRequest.
func (b *Backend) ReceiveStartupMessage() (FrontendMessage, error) {
	buf, err := b.cr.Next(4)
	if err != nil {
		return nil, err
	}
	msgSize := int(binary.BigEndian.Uint32(buf) - 4)

	if msgSize < 4 || msgSize > maxMessageBodyLen {
		return nil, fmt.Errorf("invalid startup message length: %d", msgSize+4)
	}

	buf, err = b.cr.Next(msgSize)
	if err != nil {
		return nil, translateEOFtoErrUnexpectedEOF(err)
	}

	code := binary.BigEndian.Uint32(buf)

	switch code {
	case ProtocolVersionNumber:
		err = b.startupMessage.Decode(buf)
		if err != nil {
			return nil, err
		}
		return &b.startupMessage, nil
	case sslRequestNumber:
		err = b.sslRequest.Decode(buf)
		if err != nil {
			return nil, err
		}
		return &b.sslRequest, nil
	case cancelRequestCode:
		err = b.cancelRequest.Decode(buf)
		if err != nil {
			return nil, err
		}
		return &b.cancelRequest, nil
	default:
		return nil, fmt.Errorf("unknown startup message code: %d", code)
	}
}

// SetAuthType sets the authentication type that the backend has requested from the frontend. This affects how the
// 'p' message is decoded as its meaning depends on the previously requested authentication mechanism.
func (b *Backend) SetAuthType(authType uint32) error {
	switch authType {
	case AuthTypeOk,
		AuthTypeCleartextPassword,
		AuthTypeMD5Password,
		AuthTypeSASL,
		AuthTypeSASLContinue,
		AuthTypeSASLFinal:
		b.authType = authType
	default:
		return fmt.Errorf("authType not recognized: %d", authType)
	}

	return nil
}

// Receive receives a message from the frontend. The returned message is only valid until the next call to Receive.
func (b *Backend) Receive() (FrontendMessage, error) {
	if !b.partialMsg {
		header, err := b.cr.Next(5)
		if err != nil {
			// A clean EOF on a message boundary means the frontend hung up.
			return nil, err
		}

		b.msgType = header[0]

		msgLength := int(binary.BigEndian.Uint32(header[1:]))
		if msgLength < 4 {
			return nil, fmt.Errorf("invalid message length: %d", msgLength)
		}

		b.bodyLen = msgLength - 4
		if b.bodyLen > maxMessageBodyLen {
			return nil, fmt.Errorf("invalid message length: %d", msgLength)
		}
		b.partialMsg = true
	}

	msgBody, err := b.cr.Next(b.bodyLen)
	if err != nil {
		return nil, translateEOFtoErrUnexpectedEOF(err)
	}

	b.partialMsg = false

	var msg FrontendMessage
	switch b.msgType {
	case 'B':
		msg = &b.bind
	case 'C':
		msg = &b._close
	case 'D':
		msg = &b.describe
	case 'E':
		msg = &b.execute
	case 'H':
		msg = &b.flush
	case 'P':
		msg = &b.parse
	case 'p':
		switch b.authType {
		case AuthTypeSASL:
			msg = &b.saslInitialResponse
		case AuthTypeSASLContinue:
			msg = &b.saslResponse
		default:
			msg = &b.passwordMessage
		}
	case 'Q':
		msg = &b.query
	case 'S':
		msg = &b.sync
	case 'X':
		msg = &b.terminate
	default:
		return nil, &UnsupportedMessageError{Tag: b.msgType}
	}

	err = msg.Decode(msgBody)
	if err != nil {
		return nil, err
	}

	return msg, nil
}
