package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/ratelimit"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/signature"
	"github.com/jkaninda/ngome/internal/trust"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClassifier struct {
	decision trust.Decision
	paths    []string
}

func (f *fakeClassifier) Decide(_ context.Context, path, _ string) trust.Decision {
	f.paths = append(f.paths, path)
	d := f.decision
	d.Path = path
	return d
}

func (f *fakeClassifier) FlagsForPath(_ context.Context, path, _ string) trust.NodeFlags {
	return trust.NodeFlags{ComponentPath: path}
}

type fakeExecutor struct {
	mu     sync.Mutex
	calls  []sandbox.Request
	result func(req sandbox.Request) *sandbox.ExecutionResult
}

func (f *fakeExecutor) Execute(_ context.Context, req sandbox.Request) *sandbox.ExecutionResult {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.result != nil {
		return f.result(req)
	}
	return &sandbox.ExecutionResult{ExecutionID: req.Context.ExecutionID, Success: true, Result: "ok"}
}

type memAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memAudit) Append(_ context.Context, e audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memAudit) Get(_ context.Context, id string) (*audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ExecutionID == id {
			e := m.events[i]
			return &e, nil
		}
	}
	return nil, audit.ErrNotFound
}

func (m *memAudit) Query(context.Context, audit.Query) ([]audit.Event, error) { return m.events, nil }

func newAuditLogger(t *testing.T, store audit.Store) *audit.Logger {
	t.Helper()
	l, err := audit.NewLogger(filepath.Join(t.TempDir(), "audit.jsonl"), store, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func sandboxDecision() trust.Decision {
	return trust.Decision{Trust: trust.Untrusted, Action: trust.ActionSandbox, Sandbox: true}
}

func TestExecute_Sandboxed(t *testing.T) {
	store := &memAudit{}
	exec := &fakeExecutor{}
	metrics := observability.NewMetricsCollector()
	svc := New(&fakeClassifier{decision: sandboxDecision()}, exec, testLogger()).
		WithAudit(newAuditLogger(t, store)).
		WithMetrics(metrics)

	var decided trust.Decision
	out, err := svc.Execute(context.Background(), Request{
		Code:          "print(1)",
		ComponentPath: "component.Echo",
		UserID:        "u1",
		FlowID:        "f1",
		OnDecision:    func(d trust.Decision) { decided = d },
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Result == nil || !out.Result.Success {
		t.Fatalf("result = %+v", out.Result)
	}
	if decided.Action != trust.ActionSandbox {
		t.Errorf("OnDecision got %+v", decided)
	}
	if len(exec.calls) != 1 {
		t.Fatalf("executor calls = %d, want 1", len(exec.calls))
	}
	ec := exec.calls[0].Context
	if ec.UserID != "u1" || ec.FlowID != "f1" || ec.ExecutionType != sandbox.TypeComponent {
		t.Errorf("execution context = %+v", ec)
	}

	got, err := svc.AuditEvent(context.Background(), out.Result.ExecutionID)
	if err != nil {
		t.Fatalf("AuditEvent: %v", err)
	}
	if !got.Success || got.Action != "sandbox" || got.Trust != "UNTRUSTED" {
		t.Errorf("audit event = %+v", got)
	}
}

func TestExecute_NativeSkipsSandbox(t *testing.T) {
	exec := &fakeExecutor{}
	svc := New(&fakeClassifier{decision: trust.Decision{Trust: trust.Verified, Action: trust.ActionNative}}, exec, testLogger())

	out, err := svc.Execute(context.Background(), Request{Code: "x", ComponentPath: "component.Echo"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Result != nil {
		t.Errorf("result = %+v, want nil for native", out.Result)
	}
	if len(exec.calls) != 0 {
		t.Errorf("executor calls = %d, want 0", len(exec.calls))
	}
}

func TestExecute_LockModeDenies(t *testing.T) {
	store := &memAudit{}
	exec := &fakeExecutor{}
	svc := New(&fakeClassifier{decision: trust.Decision{Trust: trust.Untrusted, Action: trust.ActionDeny, Reason: "lock mode"}}, exec, testLogger()).
		WithAudit(newAuditLogger(t, store))

	out, err := svc.Execute(context.Background(), Request{Code: "x", ComponentPath: "component.Evil"})
	if !errors.Is(err, trust.ErrLockMode) {
		t.Fatalf("err = %v, want ErrLockMode", err)
	}
	if out == nil || out.Decision.Action != trust.ActionDeny {
		t.Errorf("outcome = %+v", out)
	}
	if len(exec.calls) != 0 {
		t.Error("denied code must never reach the executor")
	}
	if len(store.events) != 1 || store.events[0].ErrorCategory != "lock_mode" {
		t.Errorf("audit events = %+v", store.events)
	}
}

func TestExecute_RateLimited(t *testing.T) {
	exec := &fakeExecutor{}
	metrics := observability.NewMetricsCollector()
	svc := New(&fakeClassifier{decision: sandboxDecision()}, exec, testLogger()).
		WithAdmission(ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1}), nil, false).
		WithMetrics(metrics)

	req := Request{Code: "x", ComponentPath: "component.Echo", UserID: "u1"}
	if _, err := svc.Execute(context.Background(), req); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if _, err := svc.Execute(context.Background(), req); !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	req.UserID = "u2"
	if _, err := svc.Execute(context.Background(), req); err != nil {
		t.Errorf("other user: %v", err)
	}
	if len(exec.calls) != 2 {
		t.Errorf("executor calls = %d, want 2", len(exec.calls))
	}
}

func TestExecute_BusyFailsFast(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	exec := &fakeExecutor{result: func(req sandbox.Request) *sandbox.ExecutionResult {
		close(started)
		<-unblock
		return &sandbox.ExecutionResult{Success: true}
	}}
	svc := New(&fakeClassifier{decision: sandboxDecision()}, exec, testLogger()).
		WithAdmission(nil, ratelimit.NewSlots(1), false)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Execute(context.Background(), Request{Code: "x", ComponentPath: "component.Slow"})
		done <- err
	}()
	<-started

	if _, err := svc.Execute(context.Background(), Request{Code: "x", ComponentPath: "component.Slow"}); !errors.Is(err, ratelimit.ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
	close(unblock)
	if err := <-done; err != nil {
		t.Errorf("first Execute: %v", err)
	}
}

func TestExecute_WaitForSlotHonoursContext(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	exec := &fakeExecutor{result: func(sandbox.Request) *sandbox.ExecutionResult {
		close(started)
		<-unblock
		return &sandbox.ExecutionResult{Success: true}
	}}
	svc := New(&fakeClassifier{decision: sandboxDecision()}, exec, testLogger()).
		WithAdmission(nil, ratelimit.NewSlots(1), true)

	go func() { _, _ = svc.Execute(context.Background(), Request{Code: "x", ComponentPath: "component.Slow"}) }()
	<-started
	defer close(unblock)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := svc.Execute(ctx, Request{Code: "x", ComponentPath: "component.Slow"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestExecute_FailureIsNotAnError(t *testing.T) {
	store := &memAudit{}
	code := 1
	exec := &fakeExecutor{result: func(req sandbox.Request) *sandbox.ExecutionResult {
		return &sandbox.ExecutionResult{
			ExecutionID:   req.Context.ExecutionID,
			ErrorCategory: sandbox.CategoryMemoryLimit,
			Error:         "Memory limit exceeded",
			ExitCode:      &code,
		}
	}}
	svc := New(&fakeClassifier{decision: sandboxDecision()}, exec, testLogger()).WithAudit(newAuditLogger(t, store))

	out, err := svc.Execute(context.Background(), Request{Code: "x", ComponentPath: "component.Big"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Result.Success {
		t.Error("expected failed result")
	}
	e := store.events[0]
	if e.ErrorCategory != "memory_limit" || e.ExitCode == nil || *e.ExitCode != 1 {
		t.Errorf("audit event = %+v", e)
	}
}

func TestClassify_NodeIDTakesPrecedence(t *testing.T) {
	c := &fakeClassifier{decision: sandboxDecision()}
	svc := New(c, &fakeExecutor{}, testLogger())

	d, flags := svc.Classify(context.Background(), "component.Ignored", "Agent-x1y2z", "code")
	if d.Path != "component.Agent" {
		t.Errorf("decision path = %q, want component.Agent", d.Path)
	}
	if flags.ComponentPath != "component.Agent" {
		t.Errorf("flags path = %q", flags.ComponentPath)
	}

	_, flags = svc.Classify(context.Background(), "component.Echo", "", "code")
	if flags.ComponentPath != "component.Echo" {
		t.Errorf("flags path = %q, want component.Echo", flags.ComponentPath)
	}
}

type verifiedPaths map[string]bool

func (v verifiedPaths) Verify(_ context.Context, path, _ string) (bool, error) {
	return v[path], nil
}

type lockMode bool

func (l lockMode) LockModeEnabled() bool { return bool(l) }

func TestClassify_FlagsMatchDecision(t *testing.T) {
	c := trust.NewClassifier(verifiedPaths{"component.ChatInput": true}, lockMode(false), trust.Config{}, testLogger())
	svc := New(c, &fakeExecutor{}, testLogger())

	tests := []struct {
		path      string
		action    trust.Action
		sandboxed bool
	}{
		{"custom_components.MyTool", trust.ActionSandbox, true},
		{"component.Code-Runner", trust.ActionNative, false},
		{"component.ChatInput", trust.ActionNative, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			d, flags := svc.Classify(context.Background(), tt.path, "", "x = 1")
			if d.Action != tt.action {
				t.Errorf("action = %q, want %q", d.Action, tt.action)
			}
			if flags.ComponentPath != d.Path {
				t.Errorf("flags path = %q, want %q", flags.ComponentPath, d.Path)
			}
			if d.Path != tt.path {
				t.Errorf("decision path = %q, want %q", d.Path, tt.path)
			}
			if flags.Trust != d.Trust.String() {
				t.Errorf("flags trust = %q, want %q", flags.Trust, d.Trust)
			}
			if tt.sandboxed && (!flags.Sandboxed || flags.Blocked || flags.Locked) {
				t.Errorf("flags = %+v, want sandboxed and not blocked", flags)
			}
			if d.Action == trust.ActionSandbox && flags.Blocked {
				t.Errorf("decision sandboxes but flags are blocked: %+v", flags)
			}
		})
	}
}

type memSignatures struct {
	signature.Store
	sigs []signature.ComponentSignature
}

func (m *memSignatures) ListByPath(context.Context, string) ([]signature.ComponentSignature, error) {
	out := make([]signature.ComponentSignature, len(m.sigs))
	copy(out, m.sigs)
	return out, nil
}

func TestSignatures_StripsCode(t *testing.T) {
	store := &memSignatures{sigs: []signature.ComponentSignature{{Path: "component.Echo", Code: "class Echo: ...", Signature: "abc"}}}
	svc := New(&fakeClassifier{}, &fakeExecutor{}, testLogger()).WithVerifier(nil, store)

	sigs, err := svc.Signatures(context.Background(), "component.Echo")
	if err != nil {
		t.Fatalf("Signatures: %v", err)
	}
	if len(sigs) != 1 || sigs[0].Code != "" || sigs[0].Signature != "abc" {
		t.Errorf("sigs = %+v", sigs)
	}
	if store.sigs[0].Code == "" {
		t.Error("store contents must not be modified")
	}
}

func TestUnconfigured(t *testing.T) {
	svc := New(&fakeClassifier{}, &fakeExecutor{}, testLogger())
	ctx := context.Background()

	if _, err := svc.Verify(ctx, "component.X", "x"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Verify err = %v", err)
	}
	if _, err := svc.Signatures(ctx, "component.X"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Signatures err = %v", err)
	}
	if _, err := svc.Profile(); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Profile err = %v", err)
	}
	if _, err := svc.AuditEvent(ctx, "id"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("AuditEvent err = %v", err)
	}
}
