package pgwire

// QueryString is a proof-carrying SQL string. The query entry points on Conn and Pool accept only a QueryString, so
// SQL assembled by runtime string concatenation cannot reach the server without the caller making an explicit,
// greppable assertion that the text is safe.
//
// Two proof paths exist. Literal is for SQL known at authoring time; by convention it is passed only untyped constant
// strings. AssertSafe is the conscious opt-out for runtime-constructed SQL, documenting "I have verified this text
// contains no unsanitized interpolation."
//
// A QueryString is an immutable value. Equality is defined purely on the text, independent of how the value was
// constructed, so the statement cache may key on a QueryString or its extracted text interchangeably.
type QueryString struct {
	sql      string
	asserted bool
}

// Literal wraps a SQL string literal. Pass only untyped constant strings; wrapping a runtime-built string here
// defeats the purpose of the type and belongs in AssertSafe.
func Literal(sql string) QueryString {
	return QueryString{sql: sql}
}

// AssertSafe wraps runtime-constructed SQL that the caller has verified contains no unsanitized interpolation. Use
// it for identifier substitution and query builders; never for user input.
func AssertSafe(sql string) QueryString {
	return QueryString{sql: sql, asserted: true}
}

// String returns the SQL text.
func (q QueryString) String() string {
	return q.sql
}

// Asserted reports whether the value was constructed with AssertSafe rather than Literal.
func (q QueryString) Asserted() bool {
	return q.asserted
}

// Equal reports whether q and other carry the same SQL text. Provenance does not participate: a Literal and an
// AssertSafe of the same text are equal and share a cache entry.
func (q QueryString) Equal(other QueryString) bool {
	return q.sql == other.sql
}

// IntoOwned returns a QueryString guaranteed independent of any buffer the caller may reuse. Go strings are immutable
// so no copy is ever required; the operation exists for API symmetry and is idempotent.
func (q QueryString) IntoOwned() QueryString {
	return q
}
