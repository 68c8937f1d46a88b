// Package vault implements a secret provider that reads from HashiCorp Vault.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"

	"github.com/blueberrycongee/dbmux/internal/secret"
)

// DefaultKey is read when a reference has no #key suffix.
const DefaultKey = "url"

// Provider implements the secret.Provider interface for HashiCorp Vault.
type Provider struct {
	client *vault.Client
	logger *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Config holds configuration for the Vault provider.
type Config struct {
	Address    string `yaml:"address"`
	AuthMethod string `yaml:"auth_method"` // "approle", "cert", "token"
	Token      string `yaml:"token"`
	RoleID     string `yaml:"role_id"`
	SecretID   string `yaml:"secret_id"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// New creates a new Vault provider and logs in.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vConfig := vault.DefaultConfig()
	vConfig.Address = cfg.Address

	if cfg.ClientCert != "" || cfg.ClientKey != "" || cfg.CACert != "" {
		tlsConfig := &vault.TLSConfig{
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
			CACert:     cfg.CACert,
		}
		if err := vConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("configure tls: %w", err)
		}
	}

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	p := &Provider{
		client: client,
		logger: logger.With("component", "vault"),
		stopCh: make(chan struct{}),
	}

	auth, err := login(client, cfg)
	if err != nil {
		return nil, err
	}
	if auth != nil {
		client.SetToken(auth.ClientToken)
		p.wg.Add(1)
		go p.startTokenRenewer(auth)
	}

	return p, nil
}

func login(client *vault.Client, cfg Config) (*vault.SecretAuth, error) {
	var (
		s   *vault.Secret
		err error
	)

	switch cfg.AuthMethod {
	case "token":
		if cfg.Token == "" {
			return nil, errors.New("vault token auth requires a token")
		}
		client.SetToken(cfg.Token)
		return nil, nil
	case "cert":
		s, err = client.Logical().Write("auth/cert/login", nil)
	case "approle", "":
		if cfg.RoleID == "" {
			return nil, fmt.Errorf("unknown or missing auth method: %q", cfg.AuthMethod)
		}
		s, err = client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
	default:
		return nil, fmt.Errorf("unknown auth method: %q", cfg.AuthMethod)
	}

	if err != nil {
		return nil, fmt.Errorf("vault login (%s): %w", cfg.AuthMethod, err)
	}
	if s == nil || s.Auth == nil {
		return nil, errors.New("vault login returned no auth info")
	}
	return s.Auth, nil
}

// ParseRef splits "path/to/secret#key" into path and key. The key defaults to DefaultKey.
func ParseRef(ref string) (path, key string) {
	if idx := strings.LastIndex(ref, "#"); idx != -1 {
		return ref[:idx], ref[idx+1:]
	}
	return ref, DefaultKey
}

// Get retrieves a secret from Vault. KV v2 "data" wrappers are unwrapped.
func (p *Provider) Get(ctx context.Context, ref string) (string, error) {
	secretPath, key := ParseRef(ref)

	s, err := p.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if s == nil || s.Data == nil {
		return "", fmt.Errorf("vault path %q: %w", secretPath, secret.ErrNotFound)
	}

	return extract(s.Data, key, secretPath)
}

func extract(data map[string]interface{}, key, secretPath string) (string, error) {
	if v, ok := data["data"]; ok {
		if nested, ok := v.(map[string]interface{}); ok {
			data = nested
		}
	}

	val, ok := data[key]
	if !ok || val == nil {
		return "", fmt.Errorf("key %q in vault path %q: %w", key, secretPath, secret.ErrNotFound)
	}
	str := fmt.Sprintf("%v", val)
	if str == "" {
		return "", fmt.Errorf("key %q in vault path %q: %w", key, secretPath, secret.ErrNotFound)
	}
	return str, nil
}

// Close stops the token renewer and releases resources.
func (p *Provider) Close() error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
	return nil
}

func (p *Provider) startTokenRenewer(auth *vault.SecretAuth) {
	defer p.wg.Done()

	if !auth.Renewable {
		return
	}

	watcher, err := p.client.NewLifetimeWatcher(&vault.LifetimeWatcherInput{
		Secret: &vault.Secret{Auth: auth},
	})
	if err != nil {
		p.logger.Warn("failed to create vault lifetime watcher", "error", err)
		return
	}

	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case err := <-watcher.DoneCh():
			if err != nil {
				p.logger.Warn("vault token renewal stopped", "error", err)
			}
			return
		case <-watcher.RenewCh():
			p.logger.Debug("vault token renewed")
		}
	}
}
