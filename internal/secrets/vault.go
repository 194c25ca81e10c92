package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// VaultConfig configures the Vault provider. VAULT_ADDR, VAULT_TOKEN and
// VAULT_NAMESPACE override the corresponding fields when set.
type VaultConfig struct {
	Address       string
	Token         string
	Namespace     string
	Timeout       time.Duration // Default: 5s
	CacheTTL      time.Duration // 0 disables caching.
	TLSSkipVerify bool

	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// VaultProvider resolves "vault://<api path>[#field]" references against a
// KV secrets engine. Both KV v2 (path contains /data/) and KV v1 responses
// are understood. Without a field selector the whole data map is returned
// as JSON.
//
// Every sandboxed execution with secret fields resolves them again, so
// results may be cached for CacheTTL. Safe for concurrent use.
type VaultProvider struct {
	address   string
	token     string
	namespace string
	client    *http.Client
	ttl       time.Duration
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	secret  *Secret
	expires time.Time
}

// NewVaultProvider creates a Vault secret provider.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	lookup := cfg.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	override := func(value, env string) string {
		if v, ok := lookup(env); ok && v != "" {
			return v
		}
		return value
	}

	address := strings.TrimRight(override(cfg.Address, "VAULT_ADDR"), "/")
	if address == "" {
		return nil, fmt.Errorf("vault address is required (set secrets.vault.address or VAULT_ADDR)")
	}
	token := override(cfg.Token, "VAULT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("vault token is required (set secrets.vault.token or VAULT_TOKEN)")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &VaultProvider{
		address:   address,
		token:     token,
		namespace: override(cfg.Namespace, "VAULT_NAMESPACE"),
		client:    &http.Client{Timeout: timeout, Transport: transport},
		ttl:       cfg.CacheTTL,
		now:       time.Now,
		cache:     make(map[string]cachedSecret),
	}, nil
}

func (p *VaultProvider) Name() string { return "vault" }

// Resolve fetches the referenced secret, from cache when fresh.
func (p *VaultProvider) Resolve(ctx context.Context, credentialRef string) (*Secret, error) {
	const prefix = "vault://"
	if !strings.HasPrefix(credentialRef, prefix) {
		return nil, fmt.Errorf("%w: vault provider only handles vault:// references, got %q",
			ErrSecretNotFound, credentialRef)
	}
	path, field, _ := strings.Cut(strings.TrimPrefix(credentialRef, prefix), "#")
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("%w: empty vault path", ErrSecretNotFound)
	}

	if s, ok := p.cached(credentialRef); ok {
		return s, nil
	}

	data, err := p.read(ctx, path)
	if err != nil {
		return nil, err
	}
	secret, err := selectField(data, path, field)
	if err != nil {
		return nil, err
	}
	p.store(credentialRef, secret)
	return secret, nil
}

// read fetches the data map at path.
func (p *VaultProvider) read(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.address+"/v1/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.token)
	if p.namespace != "" {
		req.Header.Set("X-Vault-Namespace", p.namespace)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading vault response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault path %q not found", ErrSecretNotFound, path)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("vault access denied for path %q (check token permissions)", path)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("vault server error %d for path %q", resp.StatusCode, path)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("vault returned status %d for path %q", resp.StatusCode, path)
	}

	var envelope struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parsing vault response: %w", err)
	}
	if envelope.Data == nil {
		return nil, fmt.Errorf("%w: vault path %q returned no data", ErrSecretNotFound, path)
	}

	// KV v2 nests the secret under data.data next to data.metadata.
	raw := envelope.Data
	if inner, ok := envelope.Data["data"]; ok && strings.Contains(path, "/data/") {
		if err := json.Unmarshal(inner, &raw); err != nil {
			return nil, fmt.Errorf("parsing vault kv v2 data: %w", err)
		}
		if raw == nil {
			return nil, fmt.Errorf("%w: vault path %q returned no data", ErrSecretNotFound, path)
		}
	}

	data := make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, fmt.Errorf("parsing vault field %q: %w", k, err)
		}
		data[k] = val
	}
	return data, nil
}

func selectField(data map[string]any, path, field string) (*Secret, error) {
	metadata := map[string]string{"source": "vault", "path": path}
	if field == "" {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshaling vault data: %w", err)
		}
		return &Secret{Value: string(b), Metadata: metadata}, nil
	}

	metadata["field"] = field
	val, ok := data[field]
	if !ok {
		return nil, fmt.Errorf("%w: field %q not found in vault path %q", ErrSecretNotFound, field, path)
	}
	str, ok := val.(string)
	if !ok {
		return nil, fmt.Errorf("vault field %q in path %q is not a string", field, path)
	}
	return &Secret{Value: str, Metadata: metadata}, nil
}

func (p *VaultProvider) cached(ref string) (*Secret, bool) {
	if p.ttl <= 0 {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cache[ref]
	if !ok || p.now().After(c.expires) {
		delete(p.cache, ref)
		return nil, false
	}
	return c.secret, true
}

func (p *VaultProvider) store(ref string, s *Secret) {
	if p.ttl <= 0 {
		return
	}
	p.mu.Lock()
	p.cache[ref] = cachedSecret{secret: s, expires: p.now().Add(p.ttl)}
	p.mu.Unlock()
}
