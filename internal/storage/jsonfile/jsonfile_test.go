package jsonfile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/secrets"
	"github.com/jkaninda/ngome/internal/signature"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStore_PersistsSignatures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "signatures.json")
	ctx := context.Background()

	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sig := &signature.ComponentSignature{Path: "component.A", Version: "1.0", Signature: "s1"}
	inserted, err := s.Signatures().Upsert(ctx, sig)
	if err != nil || !inserted {
		t.Fatalf("Upsert = %v, %v", inserted, err)
	}
	if inserted, _ := s.Signatures().Upsert(ctx, sig); inserted {
		t.Error("duplicate upsert should not insert")
	}
	if _, err := s.Signatures().Upsert(ctx, &signature.ComponentSignature{Path: "component.A", Version: "1.0", Signature: "s2"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	reopened, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rows, err := reopened.Signatures().ListByPath(ctx, "component.A")
	if err != nil {
		t.Fatalf("ListByPath: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	latest, err := reopened.Signatures().Latest(ctx, "component.A")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Signature != "s2" {
		t.Errorf("latest = %q, want s2", latest.Signature)
	}
	stats, _ := reopened.Signatures().Stats(ctx)
	if stats.Components != 1 || stats.TotalSignatures != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestStore_Reset(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "signatures.json"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	s.Signatures().Upsert(ctx, &signature.ComponentSignature{Path: "component.A", Signature: "x"})

	if err := s.Signatures().Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := s.Signatures().Latest(ctx, "component.A"); !errors.Is(err, signature.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	paths, _ := s.Signatures().Paths(ctx)
	if len(paths) != 0 {
		t.Errorf("paths = %v", paths)
	}
}

func TestOpen_RejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signatures.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, testLogger()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestStore_VariablesAndAudit(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "signatures.json"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	s.Variables().SetVariable(ctx, &secrets.Variable{UserID: "u1", Name: "B", Value: "2"})
	s.Variables().SetVariable(ctx, &secrets.Variable{UserID: "u1", Name: "A", Value: "1"})
	names, _ := s.Variables().ListVariableNames(ctx, "u1")
	if len(names) != 2 || names[0] != "A" {
		t.Errorf("names = %v", names)
	}
	if err := s.Variables().DeleteVariable(ctx, "u1", "missing"); !errors.Is(err, secrets.ErrVariableNotFound) {
		t.Errorf("err = %v", err)
	}

	for _, id := range []string{"e1", "e2", "e3"} {
		s.Audit().Append(ctx, audit.Event{ExecutionID: id, UserID: "u1"})
	}
	events, _ := s.Audit().Query(ctx, audit.Query{UserID: "u1", Limit: 2})
	if len(events) != 2 || events[0].ExecutionID != "e3" {
		t.Errorf("events = %+v", events)
	}
	if _, err := s.Audit().Get(ctx, "nope"); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}
