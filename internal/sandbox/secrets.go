package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	// SecretEnvPrefix prefixes the per-execution environment variable
	// carrying a secret field's value.
	SecretEnvPrefix = "SECRET_"
	// SecretParamPrefix replaces a secret parameter's value so the executor
	// reads it from the environment instead.
	SecretParamPrefix = "__SECRET__"
)

// SecretResolver resolves the stored variable a secret parameter names.
type SecretResolver interface {
	Resolve(ctx context.Context, userID, name, field string) (string, error)
}

// SecretEnvKey is the environment variable for a secret field.
func SecretEnvKey(field string) string {
	return SecretEnvPrefix + strings.ToUpper(field)
}

// prepareSecrets builds the secret environment for one execution and points
// each affected parameter at it. When secrets are not allowed, or a secret
// cannot be resolved, the variable is set to "" so the component sees an
// empty value rather than a missing key.
func (o *Orchestrator) prepareSecrets(ctx context.Context, allow bool, userID string, fields []string, params map[string]any) map[string]string {
	env := make(map[string]string)
	for _, field := range fields {
		name, ok := secretName(params[field])
		if !ok {
			continue
		}
		key := SecretEnvKey(field)
		params[field] = SecretParamPrefix + field

		if !allow || o.secrets == nil {
			env[key] = ""
			o.logger.DebugContext(ctx, "secret withheld from untrusted component", slog.String("field", field))
			continue
		}

		value, err := o.secrets.Resolve(ctx, userID, name, field)
		if err != nil {
			o.logger.WarnContext(ctx, "failed to resolve secret, passing empty value",
				slog.String("field", field),
				slog.String("error", err.Error()),
			)
			env[key] = ""
			continue
		}
		env[key] = value
	}
	return env
}

// secretName extracts the variable name a secret parameter holds.
func secretName(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, x != ""
	case SecretString:
		return x.Reveal(), x != ""
	default:
		s := fmt.Sprint(x)
		return s, s != ""
	}
}
