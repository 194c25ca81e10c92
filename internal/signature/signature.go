// Package signature fingerprints component source code and verifies it
// against the append-only history of every signature seen per component.
package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultVersion is recorded when a component does not declare one.
const DefaultVersion = "1.0"

// ErrEmptyKey is returned when a signer is built without a key.
var ErrEmptyKey = errors.New("signing key must not be empty")

// ErrNotFound is returned by stores when no signature exists for a path.
var ErrNotFound = errors.New("signature not found")

// ComponentSignature is one historical signature row for a component.
type ComponentSignature struct {
	Path      string         `json:"path"`
	Folder    string         `json:"folder"`
	Version   string         `json:"version"`
	Code      string         `json:"code,omitempty"`
	Signature string         `json:"signature"`
	CodeHash  string         `json:"code_hash"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"timestamp"`
}

// Stats summarizes the store contents.
type Stats struct {
	Components          int     `json:"components"`
	TotalSignatures     int     `json:"total_signatures"`
	AvgPerComponent     float64 `json:"avg_per_component"`
	AccumulationWarning bool    `json:"accumulation_warning"`
}

// ComputeStats derives Stats from raw counts.
func ComputeStats(components, total int) Stats {
	s := Stats{Components: components, TotalSignatures: total}
	if components > 0 {
		s.AvgPerComponent = float64(total) / float64(components)
		s.AccumulationWarning = total > components*2
	}
	return s
}

// Store persists signature history. Rows are never updated; Upsert inserts
// only when the exact (path, version, folder, signature) row is absent. The
// key is wider than (path, version, folder): an edited body under an
// unchanged version adds a history row.
type Store interface {
	Upsert(ctx context.Context, sig *ComponentSignature) (inserted bool, err error)
	ListByPath(ctx context.Context, path string) ([]ComponentSignature, error)
	Latest(ctx context.Context, path string) (*ComponentSignature, error)
	Paths(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (Stats, error)
	// Reset truncates all history. Development use only.
	Reset(ctx context.Context) error
}

// Sign returns the hex HMAC-SHA256 of normalized code under key.
func Sign(normalized string, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil))
}

// CodeHash returns the hex SHA-256 of normalized code.
func CodeHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Signer creates and verifies signatures with a process-wide key.
type Signer struct {
	key []byte
}

// NewSigner returns a Signer. The key is the host authentication secret, so
// rotating it invalidates every stored signature.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	return &Signer{key: append([]byte(nil), key...)}, nil
}

// Create signs code for path.
func (s *Signer) Create(path, code string) *ComponentSignature {
	normalized, normalizer := normalize(code)
	return &ComponentSignature{
		Path:      path,
		Version:   DefaultVersion,
		Code:      code,
		Signature: Sign(normalized, s.key),
		CodeHash:  CodeHash(normalized),
		Metadata: map[string]any{
			"normalized_length": len(normalized),
			"original_length":   len(code),
			"normalizer":        normalizer,
		},
		CreatedAt: time.Now().UTC(),
	}
}

// Matches reports whether code produces sig under this signer's key. Both the
// HMAC and, when recorded, the content hash must match.
func (s *Signer) Matches(sig *ComponentSignature, code string) bool {
	normalized := Normalize(code)
	return s.matchNormalized(sig, Sign(normalized, s.key), CodeHash(normalized))
}

func (s *Signer) matchNormalized(sig *ComponentSignature, mac, hash string) bool {
	if !hmac.Equal([]byte(sig.Signature), []byte(mac)) {
		return false
	}
	if sig.CodeHash == "" {
		return true
	}
	return hmac.Equal([]byte(sig.CodeHash), []byte(hash))
}

// Verifier checks code against every stored signature for a path.
type Verifier struct {
	signer *Signer
	store  Store
	logger *slog.Logger
}

// NewVerifier returns a Verifier backed by store.
func NewVerifier(signer *Signer, store Store, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{signer: signer, store: store, logger: logger}
}

// Verify normalizes code and reports whether it matches any historical
// signature for path, so flows built against older component versions keep
// verifying after the component changes.
func (v *Verifier) Verify(ctx context.Context, path, code string) (bool, error) {
	history, err := v.store.ListByPath(ctx, path)
	if err != nil {
		return false, fmt.Errorf("loading signatures for %s: %w", path, err)
	}
	if len(history) == 0 {
		v.logger.Debug("no signatures for component", slog.String("path", path))
		return false, nil
	}

	normalized := Normalize(code)
	mac := Sign(normalized, v.signer.key)
	hash := CodeHash(normalized)

	matched := false
	for i := range history {
		// Every row is compared so the time taken does not reveal which one matched.
		if v.signer.matchNormalized(&history[i], mac, hash) {
			matched = true
		}
	}

	v.logger.Debug("signature verification",
		slog.String("path", path),
		slog.Int("history", len(history)),
		slog.Bool("verified", matched),
	)
	return matched, nil
}
