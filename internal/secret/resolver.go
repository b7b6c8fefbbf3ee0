package secret

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownScheme is returned for references whose scheme has no provider.
var ErrUnknownScheme = errors.New("no secret provider for scheme")

const schemeSep = "://"

// Resolver routes references to the provider registered for their scheme.
type Resolver struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewResolver returns a Resolver with no providers registered.
func NewResolver() *Resolver {
	return &Resolver{providers: make(map[string]Provider)}
}

// Register binds scheme (for example "env" or "vault") to p, replacing any
// previous provider for that scheme.
func (r *Resolver) Register(scheme string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[scheme] = p
}

// IsReference reports whether value looks like "scheme://path".
func IsReference(value string) bool {
	scheme, _, ok := strings.Cut(value, schemeSep)
	return ok && scheme != "" && !strings.ContainsAny(scheme, " /:")
}

// Resolve returns the secret behind ref, or ref itself when it is a literal.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if !IsReference(ref) {
		return ref, nil
	}
	scheme, path, _ := strings.Cut(ref, schemeSep)

	r.mu.RLock()
	p, ok := r.providers[scheme]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownScheme, scheme)
	}

	val, err := p.Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("resolve %s reference: %w", scheme, err)
	}
	return val, nil
}

// ResolveFields resolves every named field in place. Empty fields are left
// alone. The first failure is returned with the field name attached and no
// further fields are touched.
func (r *Resolver) ResolveFields(ctx context.Context, fields map[string]*string) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field := fields[name]
		if field == nil || *field == "" {
			continue
		}
		val, err := r.Resolve(ctx, *field)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*field = val
	}
	return nil
}

// Close closes every registered provider.
func (r *Resolver) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for scheme, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", scheme, err))
		}
	}
	return errors.Join(errs...)
}
