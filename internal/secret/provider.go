// Package secret resolves connection-string references into connection strings.
// A reference is either a literal value or a scheme-qualified path such as
// env://RDP02_INS1_DATABASE_URL or vault://secret/data/rdp03#ins1.
package secret

import (
	"context"
	"errors"
)

// ErrNotFound is returned by providers when a secret does not exist or is empty.
var ErrNotFound = errors.New("secret not found")

// Provider defines the interface for retrieving secrets from various sources.
type Provider interface {
	// Get retrieves the secret value for the given path (without the scheme).
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}
