package conn

import (
	"crypto/tls"
	"errors"
	"io"
	"net"

	"github.com/pgkit/pgwire/wire"
)

// startTLS performs the PostgreSQL TLS negotiation byte dance. The SSLRequest message is sent before any protocol
// message, the server answers with a single raw byte, and on 'S' the TLS handshake proceeds over the same socket.
func startTLS(conn net.Conn, tlsConfig *tls.Config) (net.Conn, error) {
	buf, err := (&wire.SSLRequest{}).Encode(nil)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(buf); err != nil {
		return nil, err
	}

	response := make([]byte, 1)
	if _, err := io.ReadFull(conn, response); err != nil {
		return nil, err
	}

	if response[0] != 'S' {
		return nil, errors.New("server refused TLS connection")
	}

	return tls.Client(conn, tlsConfig), nil
}
