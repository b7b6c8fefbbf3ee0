// Package env serves secrets from process environment variables.
package env

import (
	"context"
	"fmt"
	"os"
)

// Provider resolves "env://NAME" references.
type Provider struct {
	lookup func(string) (string, bool)
}

// New returns a Provider backed by os.LookupEnv.
func New() *Provider {
	return &Provider{lookup: os.LookupEnv}
}

// Get returns the variable's value. Set but empty counts as missing.
func (p *Provider) Get(_ context.Context, name string) (string, error) {
	val, ok := p.lookup(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", name)
	}
	if val == "" {
		return "", fmt.Errorf("environment variable %q is empty", name)
	}
	return val, nil
}

func (p *Provider) Close() error { return nil }
