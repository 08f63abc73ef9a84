package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendKeyDataDecode(t *testing.T) {
	src := []byte("\x00\x00'\xc6\x89R\xc5+")

	var msg BackendKeyData
	err := msg.Decode(src)
	require.NoError(t, err)
	assert.Equal(t, uint32(10182), msg.ProcessID)
	assert.Equal(t, uint32(2303903019), msg.SecretKey)
}

func TestBackendKeyDataDecodeWrongLen(t *testing.T) {
	var msg BackendKeyData
	err := msg.Decode([]byte{0, 0, 0, 1})
	require.EqualError(t, err, "BackendKeyData body must have length of 8, but it is 4")
}

func TestBackendKeyDataEncode(t *testing.T) {
	msg := BackendKeyData{ProcessID: 10182, SecretKey: 2303903019}

	buf, err := msg.Encode(nil)
	require.NoError(t, err)

	expected := []byte{
		'K',                    // message type
		0x00, 0x00, 0x00, 0x0C, // length
		0x00, 0x00, 0x27, 0xC6, // ProcessID: 10182
		0x89, 0x52, 0xC5, 0x2B, // SecretKey: 2303903019
	}

	assert.Equal(t, expected, buf)
}
