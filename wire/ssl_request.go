package wire

import (
	"encoding/binary"
	"errors"

	"github.com/jackc/pgio"
)

// SSLRequest asks the server whether it is willing to perform TLS. The server answers with a single raw byte: 'S' to
// proceed with the TLS handshake or 'N' to refuse. It has no message type identifier.
type SSLRequest struct {
}

// Frontend identifies this message as sendable by a PostgreSQL frontend.
func (*SSLRequest) Frontend() {}

// Decode decodes src into dst. src must contain the complete message with the exception of the initial 4 byte message
// length.
func (dst *SSLRequest) Decode(src []byte) error {
	if len(src) < 4 {
		return errors.New("ssl request too short")
	}

	requestCode := binary.BigEndian.Uint32(src)

	if requestCode != sslRequestNumber {
		return errors.New("bad ssl request code")
	}

	return nil
}

// Encode encodes src into dst. dst will include the 4 byte message length.
func (src *SSLRequest) Encode(dst []byte) ([]byte, error) {
	dst = pgio.AppendInt32(dst, 8)
	dst = pgio.AppendInt32(dst, sslRequestNumber)
	return dst, nil
}
