// Package secret resolves credential references from pluggable backends.
//
// A reference has the form "scheme://path". Values without a scheme are
// treated as literals, so plain keys in the configuration keep working.
package secret

import "context"

// Provider fetches secret values for one reference scheme.
type Provider interface {
	// Get returns the secret stored at path. The scheme prefix has
	// already been stripped.
	Get(ctx context.Context, path string) (string, error)

	Close() error
}
