// Package vault serves secrets from HashiCorp Vault KV engines.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// DefaultKey is the field read when a reference carries no "#key" suffix.
const DefaultKey = "value"

// Config holds connection and login settings.
type Config struct {
	Address    string
	AuthMethod string // approle or cert
	RoleID     string
	SecretID   string
	CACert     string
	ClientCert string
	ClientKey  string
}

// Provider resolves "vault://mount/data/path#key" references.
type Provider struct {
	client *vault.Client
	logger *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New logs in to Vault and, when the token is renewable, keeps it alive in
// the background until Close.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vc := vault.DefaultConfig()
	vc.Address = cfg.Address
	if cfg.CACert != "" || cfg.ClientCert != "" || cfg.ClientKey != "" {
		if err := vc.ConfigureTLS(&vault.TLSConfig{
			CACert:     cfg.CACert,
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
		}); err != nil {
			return nil, fmt.Errorf("vault tls: %w", err)
		}
	}

	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.ClearToken()

	auth, err := login(ctx, client, cfg)
	if err != nil {
		return nil, err
	}
	client.SetToken(auth.ClientToken)

	p := &Provider{
		client: client,
		logger: logger,
		stop:   make(chan struct{}),
	}
	if auth.Renewable {
		p.wg.Add(1)
		go p.renew(auth)
	}
	return p, nil
}

func login(ctx context.Context, client *vault.Client, cfg Config) (*vault.SecretAuth, error) {
	var (
		path string
		data map[string]interface{}
	)
	switch cfg.AuthMethod {
	case "approle", "":
		if cfg.RoleID == "" {
			return nil, errors.New("vault approle login requires role_id")
		}
		path = "auth/approle/login"
		data = map[string]interface{}{"role_id": cfg.RoleID, "secret_id": cfg.SecretID}
	case "cert":
		path = "auth/cert/login"
	default:
		return nil, fmt.Errorf("unsupported vault auth method %q", cfg.AuthMethod)
	}

	resp, err := client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, fmt.Errorf("vault login: %w", err)
	}
	if resp == nil || resp.Auth == nil || resp.Auth.ClientToken == "" {
		return nil, errors.New("vault login returned no token")
	}
	return resp.Auth, nil
}

// Get reads path and returns one field of it. KV v2 responses are unwrapped
// from their "data" envelope.
func (p *Provider) Get(ctx context.Context, ref string) (string, error) {
	path, key := splitRef(ref)

	resp, err := p.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("vault read %q: %w", path, err)
	}
	if resp == nil || resp.Data == nil {
		return "", fmt.Errorf("vault secret %q not found", path)
	}

	data := resp.Data
	if inner, ok := data["data"].(map[string]interface{}); ok {
		data = inner
	}
	val, ok := data[key]
	if !ok || val == nil {
		return "", fmt.Errorf("vault secret %q has no key %q", path, key)
	}
	if s, ok := val.(string); ok {
		return s, nil
	}
	return fmt.Sprint(val), nil
}

func splitRef(ref string) (path, key string) {
	if i := strings.LastIndex(ref, "#"); i >= 0 && i < len(ref)-1 {
		return ref[:i], ref[i+1:]
	}
	return strings.TrimSuffix(ref, "#"), DefaultKey
}

// Close stops token renewal. It is safe to call more than once.
func (p *Provider) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
	return nil
}

func (p *Provider) renew(auth *vault.SecretAuth) {
	defer p.wg.Done()

	watcher, err := p.client.NewLifetimeWatcher(&vault.LifetimeWatcherInput{
		Secret: &vault.Secret{Auth: auth},
	})
	if err != nil {
		p.logger.Warn("vault token renewal disabled", "error", err)
		return
	}
	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-p.stop:
			return
		case err := <-watcher.DoneCh():
			if err != nil {
				p.logger.Error("vault token renewal stopped", "error", err)
			} else {
				p.logger.Warn("vault token reached max ttl; secrets will not refresh")
			}
			return
		case r := <-watcher.RenewCh():
			p.logger.Debug("vault token renewed", "at", r.RenewedAt)
		}
	}
}
