package secret

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Manager handles multiple secret providers and routes requests based on URI schemes.
type Manager struct {
	providers map[string]Provider
	mu        sync.RWMutex
	logger    *slog.Logger
}

// NewManager creates a new secret manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		providers: make(map[string]Provider),
		logger:    logger,
	}
}

// Register registers a provider for a specific scheme (e.g., "vault", "env").
func (m *Manager) Register(scheme string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[scheme] = provider
}

// Schemes returns the registered schemes, sorted.
func (m *Manager) Schemes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.providers))
	for scheme := range m.providers {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

// Get retrieves a secret by parsing the reference scheme.
// A reference without a scheme is a literal and is returned as-is, so plain
// connection strings like postgres://... pass through unless "postgres" is a
// registered scheme.
func (m *Manager) Get(ctx context.Context, ref string) (string, error) {
	scheme, path, ok := strings.Cut(ref, "://")
	if !ok {
		return ref, nil
	}

	m.mu.RLock()
	provider, registered := m.providers[scheme]
	m.mu.RUnlock()

	if !registered {
		// Connection strings carry their own scheme.
		return ref, nil
	}

	val, err := provider.Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("%s secret %q: %w", scheme, path, err)
	}
	m.logger.Debug("secret resolved", "scheme", scheme, "path", path)
	return val, nil
}

// Close closes all registered providers.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result *multierror.Error
	for scheme, p := range m.providers {
		if err := p.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", scheme, err))
		}
	}
	return result.ErrorOrNil()
}
