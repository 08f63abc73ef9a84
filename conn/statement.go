package conn

import (
	"strconv"

	"github.com/pgkit/pgwire/wire"
)

// statementNamePrefix is prepended to the decimal statement id to form the server-side statement name.
const statementNamePrefix = "pgwire_s_"

// StatementRef identifies a server-side prepared statement. The zero value refers to the unnamed statement slot,
// which is overwritten by every Parse and is never cached. Named refs are created from a per-connection counter and
// are only meaningful on the connection that created them.
type StatementRef struct {
	id    uint32
	named bool
}

// NamedStatement returns a StatementRef for the named server-side statement with the given id.
func NamedStatement(id uint32) StatementRef {
	return StatementRef{id: id, named: true}
}

// UnnamedStatement returns a StatementRef for the unnamed statement slot.
func UnnamedStatement() StatementRef {
	return StatementRef{}
}

// Named reports whether the ref addresses a named statement.
func (r StatementRef) Named() bool {
	return r.named
}

// Name returns the wire-level statement name. It is the empty string for the unnamed statement slot, which serializes
// as a bare NUL terminator.
func (r StatementRef) Name() string {
	if !r.named {
		return ""
	}
	return statementNamePrefix + strconv.FormatUint(uint64(r.id), 10)
}

// NextStatementRef returns a new named StatementRef unique within this connection's statement namespace. Refs are
// never reused while still registered in a statement cache; a name may only be reassigned after a Close round trip.
func (c *Conn) NextStatementRef() StatementRef {
	c.stmtCounter++
	return NamedStatement(c.stmtCounter)
}

// StatementDescription is a prepared statement on a particular connection together with its parameter and result
// metadata from Describe.
type StatementDescription struct {
	Ref       StatementRef
	SQL       string
	ParamOIDs []uint32
	Fields    []wire.FieldDescription
}
