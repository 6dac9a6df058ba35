package connections

import (
	"context"
	"os"

	json "github.com/goccy/go-json"

	"github.com/edfi-tools/publisher/pkg/clients"
	"github.com/edfi-tools/publisher/pkg/errors"
)

// PlaintextReader reads connections from a local JSON document mapping
// connection names to details.
type PlaintextReader struct {
	connections map[string]Details
}

// NewPlaintextReader loads the connection document at path.
func NewPlaintextReader(path string) (*PlaintextReader, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: File path is controlled by caller and validated
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "cannot read connections file")
	}
	return parsePlaintext(data)
}

func parsePlaintext(data []byte) (*PlaintextReader, error) {
	var connections map[string]Details
	if err := json.Unmarshal(data, &connections); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "connections document is malformed")
	}
	return &PlaintextReader{connections: connections}, nil
}

// GetConnection resolves a connection by name.
func (r *PlaintextReader) GetConnection(_ context.Context, name string) (*clients.APIConfig, error) {
	details, ok := r.connections[name]
	if !ok {
		return nil, errors.New(errors.ErrorTypeConfig, "connection not found").
			WithDetail("connection", name)
	}
	return details.toAPIConfig(name)
}
