package wire

// ReadyForQuery signals that the server has finished processing everything up to the last Sync (or simple query) and
// is ready for a new cycle. TxStatus is 'I' (idle), 'T' (in transaction), or 'E' (in failed transaction).
type ReadyForQuery struct {
	TxStatus byte
}

// Backend identifies this message as sendable by the PostgreSQL backend.
func (*ReadyForQuery) Backend() {}

// Decode decodes src into dst. src must contain the complete message with the exception of the initial 1 byte message
// type identifier and 4 byte message length.
func (dst *ReadyForQuery) Decode(src []byte) error {
	if len(src) != 1 {
		return &invalidMessageLenErr{messageType: "ReadyForQuery", expectedLen: 1, actualLen: len(src)}
	}

	dst.TxStatus = src[0]

	return nil
}

// Encode encodes src into dst. dst will include the 1 byte message type identifier and the 4 byte message length.
func (src *ReadyForQuery) Encode(dst []byte) ([]byte, error) {
	dst, sp := beginMessage(dst, 'Z')
	dst = append(dst, src.TxStatus)
	return finishMessage(dst, sp)
}
