// Package env implements a secret provider that reads from environment variables.
package env

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blueberrycongee/dbmux/internal/secret"
)

// Provider implements the secret.Provider interface for environment variables.
// Unset and blank variables are both reported as secret.ErrNotFound.
type Provider struct {
	lookup func(string) (string, bool)
}

// Option configures the provider.
type Option func(*Provider)

// WithLookup replaces os.LookupEnv, mainly for tests.
func WithLookup(fn func(string) (string, bool)) Option {
	return func(p *Provider) {
		if fn != nil {
			p.lookup = fn
		}
	}
}

// New creates a new Env provider.
func New(opts ...Option) *Provider {
	p := &Provider{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get retrieves the value of the environment variable specified by path.
func (p *Provider) Get(_ context.Context, path string) (string, error) {
	val, ok := p.lookup(path)
	if !ok || strings.TrimSpace(val) == "" {
		return "", fmt.Errorf("environment variable %q: %w", path, secret.ErrNotFound)
	}
	return val, nil
}

// Close is a no-op for the Env provider.
func (p *Provider) Close() error {
	return nil
}
