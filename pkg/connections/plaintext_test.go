package connections

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConnectionsDoc = `{
	"hostA": {
		"base_url": "https://a.example.com/data/v3",
		"key": "key-a",
		"secret": "secret-a"
	},
	"hostB": {
		"base_url": "https://b.example.com/data/v3",
		"token_url": "https://b.example.com/oauth/token",
		"key": "key-b",
		"secret": "secret-b"
	},
	"broken": {
		"key": "key-c",
		"secret": "secret-c"
	}
}`

func writeConnections(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "connections.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestPlaintextReaderResolvesConnections(t *testing.T) {
	reader, err := NewPlaintextReader(writeConnections(t, testConnectionsDoc))
	require.NoError(t, err)

	cfg, err := reader.GetConnection(context.Background(), "hostA")
	require.NoError(t, err)
	assert.Equal(t, "https://a.example.com/data/v3", cfg.BaseURL)
	assert.Equal(t, "key-a", cfg.Key)
	assert.Equal(t, "secret-a", cfg.Secret)
	assert.Empty(t, cfg.TokenURL, "token URL is derived by the client when empty")
	assert.NotZero(t, cfg.RequestTimeout, "defaults are layered under stored details")

	cfg, err = reader.GetConnection(context.Background(), "hostB")
	require.NoError(t, err)
	assert.Equal(t, "https://b.example.com/oauth/token", cfg.TokenURL)
}

func TestPlaintextReaderUnknownConnection(t *testing.T) {
	reader, err := NewPlaintextReader(writeConnections(t, testConnectionsDoc))
	require.NoError(t, err)

	_, err = reader.GetConnection(context.Background(), "nope")
	assert.Error(t, err)
}

func TestPlaintextReaderMissingBaseURL(t *testing.T) {
	reader, err := NewPlaintextReader(writeConnections(t, testConnectionsDoc))
	require.NoError(t, err)

	_, err = reader.GetConnection(context.Background(), "broken")
	assert.Error(t, err)
}

func TestPlaintextReaderMalformedDocument(t *testing.T) {
	_, err := NewPlaintextReader(writeConnections(t, "not json"))
	assert.Error(t, err)
}

func TestPlaintextReaderMissingFile(t *testing.T) {
	_, err := NewPlaintextReader(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
