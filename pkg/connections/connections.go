// Package connections resolves named API connections to client
// configurations. Connection details (URLs, keys, secrets) live
// outside the run manifest, in a plaintext JSON document or an S3
// object, and are looked up by name at run time.
package connections

import (
	"context"

	"github.com/edfi-tools/publisher/pkg/clients"
	"github.com/edfi-tools/publisher/pkg/errors"
)

// Reader resolves a connection name to an API configuration.
type Reader interface {
	GetConnection(ctx context.Context, name string) (*clients.APIConfig, error)
}

// Details is the stored form of one connection.
type Details struct {
	BaseURL  string `json:"base_url" yaml:"base_url"`
	TokenURL string `json:"token_url,omitempty" yaml:"token_url,omitempty"`
	Key      string `json:"key" yaml:"key"`
	Secret   string `json:"secret" yaml:"secret"`
}

// toAPIConfig layers the stored details over the client defaults.
func (d *Details) toAPIConfig(name string) (*clients.APIConfig, error) {
	if d.BaseURL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "connection has no base_url").
			WithDetail("connection", name)
	}
	cfg := clients.DefaultAPIConfig()
	cfg.BaseURL = d.BaseURL
	cfg.TokenURL = d.TokenURL
	cfg.Key = d.Key
	cfg.Secret = d.Secret
	return cfg, nil
}
