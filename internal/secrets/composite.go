package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// CompositeProvider routes a credential reference to the first provider that
// can resolve it, trying providers in registration order.
type CompositeProvider struct {
	providers []Provider
}

// NewCompositeProvider creates a provider that delegates to the given providers in order.
func NewCompositeProvider(providers ...Provider) *CompositeProvider {
	return &CompositeProvider{providers: providers}
}

func (p *CompositeProvider) Name() string {
	names := make([]string, len(p.providers))
	for i, provider := range p.providers {
		names[i] = provider.Name()
	}
	return "composite(" + strings.Join(names, ",") + ")"
}

// Resolve returns the first successful resolution. A provider failing for a
// reason other than ErrSecretNotFound (e.g. Vault unreachable) is reported
// in preference to plain not-found errors from the others.
func (p *CompositeProvider) Resolve(ctx context.Context, credentialRef string) (*Secret, error) {
	var lastErr error
	for _, provider := range p.providers {
		secret, err := provider.Resolve(ctx, credentialRef)
		if err == nil {
			return secret, nil
		}
		if lastErr == nil || !errors.Is(err, ErrSecretNotFound) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: no provider could resolve %q", ErrSecretNotFound, credentialRef)
}
