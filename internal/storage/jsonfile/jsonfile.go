// Package jsonfile implements storage.Store on a single JSON document.
// Only the signature history is persisted; variables and audit events live
// in memory for the life of the process.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/secrets"
	"github.com/jkaninda/ngome/internal/signature"
	"github.com/jkaninda/ngome/internal/storage"
)

// document is the on-disk layout: component path to its signature history.
type document struct {
	Components map[string][]signature.ComponentSignature `json:"components"`
	UpdatedAt  time.Time                                 `json:"updated_at"`
}

// Store is a file-backed storage.Store.
type Store struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	doc  document
	vars map[string]secrets.Variable // key: userID + "\x00" + name

	auditMu sync.Mutex
	events  []audit.Event
}

// Open loads path, creating an empty document if it does not exist yet.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("json store path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		logger: logger,
		doc:    document{Components: make(map[string][]signature.ComponentSignature)},
		vars:   make(map[string]secrets.Variable),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	case len(data) > 0:
		if err := json.Unmarshal(data, &s.doc); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if s.doc.Components == nil {
			s.doc.Components = make(map[string][]signature.ComponentSignature)
		}
	}

	logger.Info("json store opened", slog.String("path", path), slog.Int("components", len(s.doc.Components)))
	return s, nil
}

func (s *Store) Signatures() signature.Store { return (*signatureStore)(s) }

func (s *Store) Variables() storage.VariableStore { return (*variableStore)(s) }

func (s *Store) Audit() audit.Store { return (*auditStore)(s) }

// Ping reports whether the parent directory is still reachable.
func (s *Store) Ping(_ context.Context) error {
	_, err := os.Stat(filepath.Dir(s.path))
	return err
}

// Migrate creates the parent directory and writes the document once.
func (s *Store) Migrate(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) Close() error { return nil }

func (s *Store) Driver() string { return storage.DriverJSON }

// flushLocked writes the document atomically via a temp file and rename.
func (s *Store) flushLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	s.doc.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding signatures: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".signatures-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}

// --- signatures ---

type signatureStore Store

func (ss *signatureStore) Upsert(_ context.Context, sig *signature.ComponentSignature) (bool, error) {
	s := (*Store)(ss)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.doc.Components[sig.Path] {
		if existing.Version == sig.Version && existing.Folder == sig.Folder && existing.Signature == sig.Signature {
			return false, nil
		}
	}
	row := *sig
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	s.doc.Components[sig.Path] = append(s.doc.Components[sig.Path], row)
	if err := s.flushLocked(); err != nil {
		rows := s.doc.Components[sig.Path]
		s.doc.Components[sig.Path] = rows[:len(rows)-1]
		if len(s.doc.Components[sig.Path]) == 0 {
			delete(s.doc.Components, sig.Path)
		}
		return false, err
	}
	return true, nil
}

func (ss *signatureStore) ListByPath(_ context.Context, path string) ([]signature.ComponentSignature, error) {
	s := (*Store)(ss)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.doc.Components[path]
	out := make([]signature.ComponentSignature, len(rows))
	copy(out, rows)
	return out, nil
}

func (ss *signatureStore) Latest(_ context.Context, path string) (*signature.ComponentSignature, error) {
	s := (*Store)(ss)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.doc.Components[path]
	if len(rows) == 0 {
		return nil, signature.ErrNotFound
	}
	latest := rows[len(rows)-1]
	return &latest, nil
}

func (ss *signatureStore) Paths(_ context.Context) ([]string, error) {
	s := (*Store)(ss)
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.doc.Components))
	for p := range s.doc.Components {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

func (ss *signatureStore) Stats(_ context.Context) (signature.Stats, error) {
	s := (*Store)(ss)
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, rows := range s.doc.Components {
		total += len(rows)
	}
	return signature.ComputeStats(len(s.doc.Components), total), nil
}

func (ss *signatureStore) Reset(_ context.Context) error {
	s := (*Store)(ss)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Components = make(map[string][]signature.ComponentSignature)
	return s.flushLocked()
}

// --- variables ---

type variableStore Store

func variableKey(userID, name string) string { return userID + "\x00" + name }

func (vs *variableStore) GetVariable(_ context.Context, userID, name string) (*secrets.Variable, error) {
	s := (*Store)(vs)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[variableKey(userID, name)]
	if !ok {
		return nil, secrets.ErrVariableNotFound
	}
	return &v, nil
}

func (vs *variableStore) SetVariable(_ context.Context, v *secrets.Variable) error {
	s := (*Store)(vs)
	s.mu.Lock()
	defer s.mu.Unlock()
	row := *v
	row.UpdatedAt = time.Now().UTC()
	s.vars[variableKey(v.UserID, v.Name)] = row
	return nil
}

func (vs *variableStore) DeleteVariable(_ context.Context, userID, name string) error {
	s := (*Store)(vs)
	s.mu.Lock()
	defer s.mu.Unlock()
	key := variableKey(userID, name)
	if _, ok := s.vars[key]; !ok {
		return secrets.ErrVariableNotFound
	}
	delete(s.vars, key)
	return nil
}

func (vs *variableStore) ListVariableNames(_ context.Context, userID string) ([]string, error) {
	s := (*Store)(vs)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for _, v := range s.vars {
		if v.UserID == userID {
			names = append(names, v.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// --- audit ---

type auditStore Store

func (as *auditStore) Append(_ context.Context, e audit.Event) error {
	s := (*Store)(as)
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (as *auditStore) Get(_ context.Context, executionID string) (*audit.Event, error) {
	s := (*Store)(as)
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].ExecutionID == executionID {
			e := s.events[i]
			return &e, nil
		}
	}
	return nil, audit.ErrNotFound
}

func (as *auditStore) Query(_ context.Context, q audit.Query) ([]audit.Event, error) {
	s := (*Store)(as)
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []audit.Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.events[i]
		if q.UserID != "" && e.UserID != q.UserID {
			continue
		}
		if q.ComponentPath != "" && e.ComponentPath != q.ComponentPath {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

var _ storage.Store = (*Store)(nil)
