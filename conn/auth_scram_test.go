package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test vector from RFC 7677 section 3.
func TestScramClientExchange(t *testing.T) {
	sc := &scramClient{
		password:               []byte("pencil"),
		clientNonce:            []byte("rOprNGfwEbeRWgbNEkqO"),
		clientFirstMessageBare: []byte("n=user,r=rOprNGfwEbeRWgbNEkqO"),
	}

	err := sc.recvServerFirstMessage([]byte("r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"))
	require.NoError(t, err)
	assert.Equal(t, 4096, sc.iterations)

	final := sc.clientFinalMessage()
	assert.Equal(t, "c=biws,r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,p=dHzbZapWIk4jUhN+Ute9ytag9zjfMHgsqmmiz7AndVQ=", final)

	require.NoError(t, sc.recvServerFinalMessage([]byte("v=6rriTRBi23WpRR/wtup+mMhUZUn/dB5nLTJRsjl95G4=")))

	assert.Error(t, sc.recvServerFinalMessage([]byte("v=AAAATRBi23WpRR/wtup+mMhUZUn/dB5nLTJRsjl95G4=")))
	assert.Error(t, sc.recvServerFinalMessage([]byte("e=other-error")))
}

func TestScramClientRejectsBadServerFirstMessage(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"missing r=", "s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"},
		{"missing s=", "r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,i=4096"},
		{"missing i=", "r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ=="},
		{"bad salt", "r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=!!!,i=4096"},
		{"bad iterations", "r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=banana"},
		{"zero iterations", "r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=0"},
		{"nonce does not extend client nonce", "r=rOprNGfwEbeRWgbNEkqO,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"},
		{"nonce missing client prefix", "r=completelydifferent%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := &scramClient{
				password:    []byte("pencil"),
				clientNonce: []byte("rOprNGfwEbeRWgbNEkqO"),
			}
			assert.Error(t, sc.recvServerFirstMessage([]byte(tt.payload)))
		})
	}
}

func TestNewScramClient(t *testing.T) {
	sc, err := newScramClient([]string{"SCRAM-SHA-256"}, "secret")
	require.NoError(t, err)
	// 18 random bytes base64 encoded without padding.
	assert.Len(t, sc.clientNonce, 24)

	first := sc.clientFirstMessage()
	assert.Equal(t, "n,,n=,r="+string(sc.clientNonce), string(first))

	_, err = newScramClient([]string{"SCRAM-SHA-256-PLUS"}, "secret")
	assert.Error(t, err)
}
