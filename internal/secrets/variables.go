package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// ErrVariableNotFound is returned by a VariableStore when no variable matches.
var ErrVariableNotFound = errors.New("variable not found")

// Variable is a named value a user stored on the host.
type Variable struct {
	UserID    string
	Name      string
	Value     string
	UpdatedAt time.Time
}

// VariableStore looks up host variables by owner and name.
type VariableStore interface {
	GetVariable(ctx context.Context, userID, name string) (*Variable, error)
}

// VariableResolver resolves the secret a component parameter names. The
// variable store is consulted first; a stored value that is itself a
// credential reference (env://, vault://) is resolved through the provider.
// When the store has nothing, an environment variable of the same name is used.
type VariableResolver struct {
	store     VariableStore
	provider  Provider
	lookupEnv func(string) (string, bool)
	logger    *slog.Logger
}

// NewVariableResolver creates a resolver. store and provider may be nil.
func NewVariableResolver(store VariableStore, provider Provider, logger *slog.Logger) *VariableResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &VariableResolver{
		store:     store,
		provider:  provider,
		lookupEnv: os.LookupEnv,
		logger:    logger,
	}
}

// Resolve returns the secret value for variable name requested by field.
func (r *VariableResolver) Resolve(ctx context.Context, userID, name, field string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty variable name for field %q", ErrSecretNotFound, field)
	}

	if r.store != nil {
		v, err := r.store.GetVariable(ctx, userID, name)
		switch {
		case err == nil:
			return r.dereference(ctx, v.Value, field)
		case errors.Is(err, ErrVariableNotFound):
		default:
			r.logger.WarnContext(ctx, "variable lookup failed, trying environment",
				slog.String("field", field),
				slog.String("error", err.Error()),
			)
		}
	}

	if value, ok := r.lookupEnv(name); ok && value != "" {
		r.logger.DebugContext(ctx, "secret resolved from environment", slog.String("field", field))
		return value, nil
	}
	return "", fmt.Errorf("%w: no variable or environment value for field %q", ErrSecretNotFound, field)
}

func (r *VariableResolver) dereference(ctx context.Context, value, field string) (string, error) {
	if r.provider == nil || !isCredentialRef(value) {
		return value, nil
	}
	secret, err := r.provider.Resolve(ctx, value)
	if err != nil {
		return "", fmt.Errorf("resolving credential reference for field %q: %w", field, err)
	}
	r.logger.DebugContext(ctx, "secret resolved from provider",
		slog.String("field", field),
		slog.String("provider", secret.Metadata["source"]),
	)
	return secret.Value, nil
}

func isCredentialRef(value string) bool {
	return strings.HasPrefix(value, "env://") || strings.HasPrefix(value, "vault://")
}
