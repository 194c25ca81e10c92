// Package audit records one event per sandbox decision and execution: an
// append-only JSONL file for operators plus an optional durable store.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrNotFound is returned by Store.Get for unknown execution ids.
var ErrNotFound = errors.New("audit event not found")

// Event describes how one execution request was handled.
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	ExecutionID   string    `json:"execution_id"`
	ExecutionType string    `json:"execution_type"`
	UserID        string    `json:"user_id,omitempty"`
	FlowID        string    `json:"flow_id,omitempty"`
	ComponentPath string    `json:"component_path"`
	Trust         string    `json:"trust"`
	Action        string    `json:"action"` // native, sandbox, deny
	Success       bool      `json:"success"`
	ErrorCategory string    `json:"error_category,omitempty"`
	Error         string    `json:"error,omitempty"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
}

// Query filters Store.Query.
type Query struct {
	UserID        string
	ComponentPath string
	Limit         int // Default: 100
}

// Store persists audit events. Append-only.
type Store interface {
	Append(ctx context.Context, e Event) error
	Get(ctx context.Context, executionID string) (*Event, error)
	Query(ctx context.Context, q Query) ([]Event, error)
}

// Logger writes audit events as JSONL and, when configured, to a Store.
// Safe for concurrent use.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	store  Store
	logger *slog.Logger
}

// NewLogger opens (or creates) path in append-only mode with 0600
// permissions. Either path or store may be empty.
func NewLogger(path string, store Store, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{store: store, logger: logger}
	if path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening audit log %s: %w", path, err)
		}
		l.file = f
	}
	return l, nil
}

// Log records e. A store failure does not prevent the file write.
func (l *Logger) Log(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var errs []error
	if l.file != nil {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshaling audit event: %w", err)
		}
		data = append(data, '\n')

		l.mu.Lock()
		_, writeErr := l.file.Write(data)
		l.mu.Unlock()
		if writeErr != nil {
			errs = append(errs, fmt.Errorf("writing audit event: %w", writeErr))
		}
	}
	if l.store != nil {
		if err := l.store.Append(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("storing audit event: %w", err))
		}
	}

	l.logger.InfoContext(ctx, "audit event logged",
		slog.String("execution_id", e.ExecutionID),
		slog.String("component", e.ComponentPath),
		slog.String("action", e.Action),
		slog.Bool("success", e.Success),
		slog.String("category", e.ErrorCategory),
	)
	return errors.Join(errs...)
}

// Store returns the durable store, or nil.
func (l *Logger) Store() Store {
	return l.store
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
