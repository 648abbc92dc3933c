package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaslPlainOutputIsByteExact(t *testing.T) {
	client, err := NewSaslClient(SaslMechPlain, SaslCredentials{Authid: "alice", Password: "secret"}, nil)
	require.NoError(t, err)

	result, errText, out, ok := client.Output()
	assert.Equal(t, SaslOK, result)
	assert.Empty(t, errText)
	assert.True(t, ok)
	assert.Equal(t, "\x00alice\x00secret", string(out))

	result, errText = client.Input([]byte("unexpected"))
	assert.Equal(t, SaslErrProtocol, result)
	assert.NotEmpty(t, errText)
}

func TestSaslPlainWithAuthzid(t *testing.T) {
	client, err := NewSaslClient(SaslMechPlain, SaslCredentials{Authzid: "alice", Authid: "admin", Password: "secret"}, nil)
	require.NoError(t, err)

	_, _, out, _ := client.Output()
	assert.Equal(t, "alice\x00admin\x00secret", string(out))
}

func TestSaslPlainRequiresCredentials(t *testing.T) {
	_, err := NewSaslClient(SaslMechPlain, SaslCredentials{Authid: "alice"}, nil)
	assert.Error(t, err)
}

func TestSaslLoginThreeStepSequence(t *testing.T) {
	client, err := NewSaslClient(SaslMechLogin, SaslCredentials{Authid: "alice", Password: "secret"}, nil)
	require.NoError(t, err)

	_, _, out1, ok1 := client.Output()
	require.True(t, ok1)
	assert.Equal(t, "", string(out1))

	_, _ = client.Input(nil)
	_, _, out2, ok2 := client.Output()
	require.True(t, ok2)
	assert.Equal(t, "alice", string(out2))

	_, _ = client.Input(nil)
	_, _, out3, ok3 := client.Output()
	require.True(t, ok3)
	assert.Equal(t, "secret", string(out3))

	result, errText := client.Input(nil)
	assert.Equal(t, SaslErrProtocol, result)
	assert.NotEmpty(t, errText)
}

func TestSaslExternalSingleOutput(t *testing.T) {
	client, err := NewSaslClient(SaslMechExternal, SaslCredentials{}, nil)
	require.NoError(t, err)

	result, _, out, ok := client.Output()
	assert.Equal(t, SaslOK, result)
	assert.True(t, ok)
	assert.Empty(t, out)

	_, _, _, ok2 := client.Output()
	assert.False(t, ok2)
}

func TestSaslExternalPrefersAuthzid(t *testing.T) {
	client, err := NewSaslClient(SaslMechExternal, SaslCredentials{Authzid: "alice", Authid: "bob"}, nil)
	require.NoError(t, err)

	_, _, out, _ := client.Output()
	assert.Equal(t, "alice", string(out))
}

func TestSaslUnsupportedMechanism(t *testing.T) {
	_, err := NewSaslClient(SaslMechanism("CRAM-MD5"), SaslCredentials{}, nil)
	assert.Error(t, err)
}
