package wire

import (
	"encoding/binary"
	"errors"

	"github.com/jackc/pgio"
)

const cancelRequestCode = 80877102

// CancelRequest is sent on a fresh connection to request cancellation of a query running on another connection. It is
// authenticated by the process ID and secret key from the BackendKeyData of the connection to cancel. It has no
// message type identifier and the server sends no structured reply; it simply closes the socket once the request has
// been processed.
type CancelRequest struct {
	ProcessID uint32
	SecretKey uint32
}

// Frontend identifies this message as sendable by a PostgreSQL frontend.
func (*CancelRequest) Frontend() {}

// Decode decodes src into dst. src must contain the complete message with the exception of the initial 4 byte message
// length.
func (dst *CancelRequest) Decode(src []byte) error {
	if len(src) != 12 {
		return errors.New("bad cancel request size")
	}

	requestCode := binary.BigEndian.Uint32(src)

	if requestCode != cancelRequestCode {
		return errors.New("bad cancel request code")
	}

	dst.ProcessID = binary.BigEndian.Uint32(src[4:])
	dst.SecretKey = binary.BigEndian.Uint32(src[8:])

	return nil
}

// Encode encodes src into dst. dst will include the 4 byte message length.
func (src *CancelRequest) Encode(dst []byte) ([]byte, error) {
	dst = pgio.AppendInt32(dst, 16)
	dst = pgio.AppendInt32(dst, cancelRequestCode)
	dst = pgio.AppendUint32(dst, src.ProcessID)
	dst = pgio.AppendUint32(dst, src.SecretKey)
	return dst, nil
}
