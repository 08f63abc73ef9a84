// Package wire is an encoder and decoder of the PostgreSQL wire protocol version 3.
//
// The primary interfaces are Frontend and Backend. They correspond to a client and server respectively. Messages are
// sent with Send (or a specialized Send variant). Messages are automatically buffered to minimize small writes. Call
// Flush to ensure a message has actually been sent.
//
// Most callers will never use this package directly. It is the transport layer underneath the conn package.
//
// See https://www.postgresql.org/docs/current/protocol-message-formats.html for meanings of the different messages.
package wire
