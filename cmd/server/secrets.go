package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/blueberrycongee/tiercache/internal/config"
	"github.com/blueberrycongee/tiercache/internal/secret"
	"github.com/blueberrycongee/tiercache/internal/secret/env"
	"github.com/blueberrycongee/tiercache/internal/secret/vault"
)

func newSecretResolver(ctx context.Context, cfg config.SecretsConfig, logger *slog.Logger) (*secret.Resolver, error) {
	r := secret.NewResolver()
	r.Register("env", env.New())

	if cfg.Vault.Enabled {
		vp, err := vault.New(ctx, vault.Config{
			Address:    cfg.Vault.Address,
			AuthMethod: cfg.Vault.AuthMethod,
			RoleID:     cfg.Vault.RoleID,
			SecretID:   cfg.Vault.SecretID,
			CACert:     cfg.Vault.CACert,
			ClientCert: cfg.Vault.ClientCert,
			ClientKey:  cfg.Vault.ClientKey,
		}, logger)
		if err != nil {
			return nil, err
		}
		var p secret.Provider = vp
		if cfg.CacheTTL > 0 {
			p = secret.NewCachedProvider(vp, cfg.CacheTTL)
		}
		r.Register("vault", p)
		logger.Info("vault secret provider enabled", "address", cfg.Vault.Address, "auth", cfg.Vault.AuthMethod)
	}
	return r, nil
}

// resolveCredentials returns a copy of cfg with every credential reference
// replaced by its secret value. cfg itself is left untouched.
func resolveCredentials(ctx context.Context, r *secret.Resolver, cfg *config.Config) (*config.Config, error) {
	out := *cfg
	err := r.ResolveFields(ctx, map[string]*string{
		"model.api_key":           &out.Model.APIKey,
		"model.embedding_api_key": &out.Model.EmbeddingAPIKey,
		"redis.password":          &out.Redis.Password,
		"vector.qdrant_api_key":   &out.Vector.QdrantAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	return &out, nil
}
