package wire_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgkit/pgwire/wire"
)

// interruptReader is an io.Reader that returns the pushed byte slices one per Read call, returning io.EOF when empty.
// It simulates a network connection delivering a message across multiple reads.
type interruptReader struct {
	chunks [][]byte
}

func (r *interruptReader) push(p []byte) {
	r.chunks = append(r.chunks, p)
}

func (r *interruptReader) Read(p []byte) (n int, err error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n = copy(p, r.chunks[0])
	if n == len(r.chunks[0]) {
		r.chunks = r.chunks[1:]
	} else {
		r.chunks[0] = r.chunks[0][n:]
	}
	return n, nil
}

func TestFrontendReceiveInterrupted(t *testing.T) {
	t.Parallel()

	server := &interruptReader{}
	server.push([]byte{'Z', 0, 0, 0, 5})

	frontend := wire.NewFrontend(server, nil)

	msg, err := frontend.Receive()
	if err == nil {
		t.Fatal("expected err")
	}
	if msg != nil {
		t.Fatalf("did not expect msg, but %v", msg)
	}

	server.push([]byte{'I'})

	msg, err = frontend.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if msg, ok := msg.(*wire.ReadyForQuery); !ok || msg.TxStatus != 'I' {
		t.Fatalf("unexpected msg: %v", msg)
	}
}

func TestFrontendReceiveUnexpectedEOF(t *testing.T) {
	t.Parallel()

	server := &interruptReader{}
	server.push([]byte{'Z', 0, 0, 0, 5})

	frontend := wire.NewFrontend(server, nil)

	msg, err := frontend.Receive()
	assert.Nil(t, msg)
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestFrontendReceiveUnsupportedMessageIsSkippable(t *testing.T) {
	t.Parallel()

	server := &interruptReader{}
	// 'd' (CopyData) is not a message type this frontend knows.
	server.push([]byte{'d', 0, 0, 0, 7, 'a', 'b', 'c'})
	server.push([]byte{'Z', 0, 0, 0, 5, 'I'})

	frontend := wire.NewFrontend(server, nil)

	msg, err := frontend.Receive()
	require.Nil(t, msg)

	var unsupported *wire.UnsupportedMessageError
	require.ErrorAs(t, err, &unsupported)
	require.Equal(t, byte('d'), unsupported.Tag)

	// The unknown message body was consumed so the stream is still usable.
	msg, err = frontend.Receive()
	require.NoError(t, err)
	require.Equal(t, &wire.ReadyForQuery{TxStatus: 'I'}, msg)
}

func TestFrontendReceiveInvalidMessageLength(t *testing.T) {
	t.Parallel()

	server := &interruptReader{}
	server.push([]byte{'Z', 0, 0, 0, 2})

	frontend := wire.NewFrontend(server, nil)

	msg, err := frontend.Receive()
	require.Nil(t, msg)
	require.EqualError(t, err, "invalid message length: 2")
}

func TestBackendMessageRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []wire.BackendMessage{
		&wire.AuthenticationOk{},
		&wire.AuthenticationCleartextPassword{},
		&wire.AuthenticationMD5Password{Salt: [4]byte{1, 2, 3, 4}},
		&wire.AuthenticationSASL{AuthMechanisms: []string{"SCRAM-SHA-256"}},
		&wire.AuthenticationSASLContinue{Data: []byte("server-first-message")},
		&wire.AuthenticationSASLFinal{Data: []byte("server-final-message")},
		&wire.BackendKeyData{ProcessID: 10182, SecretKey: 2303903019},
		&wire.BindComplete{},
		&wire.CloseComplete{},
		&wire.CommandComplete{CommandTag: []byte("SELECT 5")},
		&wire.DataRow{Values: [][]byte{[]byte("abc"), nil, {0, 1, 2}}},
		&wire.EmptyQueryResponse{},
		&wire.ErrorResponse{Severity: "ERROR", Code: "42703", Message: `column "foo" does not exist`, Position: 8},
		&wire.NoData{},
		&wire.NoticeResponse{Severity: "NOTICE", Code: "00000", Message: "notice"},
		&wire.NotificationResponse{PID: 42, Channel: "mychan", Payload: "payload"},
		&wire.ParameterDescription{ParameterOIDs: []uint32{23, 25}},
		&wire.ParameterStatus{Name: "server_version", Value: "14.2"},
		&wire.ParseComplete{},
		&wire.PortalSuspended{},
		&wire.ReadyForQuery{TxStatus: 'I'},
		&wire.RowDescription{Fields: []wire.FieldDescription{
			{Name: []byte("id"), TableOID: 16385, TableAttributeNumber: 1, DataTypeOID: 23, DataTypeSize: 4, TypeModifier: -1, Format: 1},
			{Name: []byte("name"), DataTypeOID: 25, DataTypeSize: -1, TypeModifier: -1},
		}},
	}

	for _, want := range tests {
		buf, err := want.Encode(nil)
		require.NoErrorf(t, err, "%#v", want)

		server := &interruptReader{}
		server.push(buf)

		frontend := wire.NewFrontend(server, nil)
		got, err := frontend.Receive()
		require.NoErrorf(t, err, "%#v", want)
		require.Equalf(t, want, got, "%#v", want)
	}
}
