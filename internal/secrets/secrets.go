// Package secrets resolves the credentials a sandboxed component is allowed
// to receive. Values come from the host variable store, credential providers
// (env vars, HashiCorp Vault) or the process environment, and are only ever
// handed to the sandbox as per-execution environment variables.
package secrets

import (
	"context"
	"fmt"
)

// Secret holds resolved credential material.
// This type MUST NOT be serialized into execution payloads or results.
type Secret struct {
	Value    string            // The raw secret value (password, API key, token).
	Metadata map[string]string // Backend-specific metadata (e.g., lease_id, version).
}

// Provider resolves opaque credential references into secret material.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve takes a credential reference (e.g., "env://MY_KEY" or "vault://secret/data/app#key")
	// and returns the raw secret. Returns ErrSecretNotFound if the reference cannot be resolved.
	Resolve(ctx context.Context, credentialRef string) (*Secret, error)

	// Name returns the provider identifier for logging (never includes secrets).
	Name() string
}

// ErrSecretNotFound is returned when a credential reference cannot be resolved.
var ErrSecretNotFound = fmt.Errorf("secret not found")
