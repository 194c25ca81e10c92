package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/ngome/internal/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []RunRequest
	run   func(ctx context.Context, req RunRequest) (*RunOutput, error)
}

func (f *fakeRunner) Run(ctx context.Context, req RunRequest) (*RunOutput, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if req.OnStart != nil {
		req.OnStart(4242)
	}
	return f.run(ctx, req)
}

func (f *fakeRunner) lastCall(t *testing.T) RunRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("runner was never called")
	}
	return f.calls[len(f.calls)-1]
}

func returning(out *RunOutput, err error) func(context.Context, RunRequest) (*RunOutput, error) {
	return func(context.Context, RunRequest) (*RunOutput, error) { return out, err }
}

type fakeResolver struct {
	values map[string]string
	err    error
	calls  int
}

func (f *fakeResolver) Resolve(_ context.Context, _, name, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.values[name], nil
}

// newTestPolicy builds a policy from env overrides and an optional override file body.
func newTestPolicy(t *testing.T, env map[string]string, override string) *policy.Policy {
	t.Helper()
	opts := policy.Options{
		PolicyDir: t.TempDir(),
		LookupEnv: func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		},
		Environ: func() []string { return nil },
		Logger:  testLogger(),
	}
	if override != "" {
		opts.OverrideFile = filepath.Join(t.TempDir(), "sandbox.jsonc")
		if err := os.WriteFile(opts.OverrideFile, []byte(override), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	p, err := policy.New(opts)
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	return p
}

type harness struct {
	orch     *Orchestrator
	runner   *fakeRunner
	resolver *fakeResolver
	tempRoot string
}

func newHarness(t *testing.T, p *policy.Policy, cfg Config) *harness {
	t.Helper()
	h := &harness{
		runner:   &fakeRunner{run: returning(&RunOutput{Stdout: `{"success": true, "result": null}`}, nil)},
		resolver: &fakeResolver{values: map[string]string{"OPENAI_KEY": "sk-test-123"}},
		tempRoot: t.TempDir(),
	}
	cfg.TempRoot = h.tempRoot
	h.orch = NewOrchestrator(p, h.runner, h.resolver, cfg, testLogger())
	return h
}

func (h *harness) assertCleanedUp(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.tempRoot)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp root not empty after execution: %d entries", len(entries))
	}
}

func decodePayload(t *testing.T, req RunRequest) invocationPayload {
	t.Helper()
	var p invocationPayload
	if err := json.Unmarshal(req.Stdin, &p); err != nil {
		t.Fatalf("decoding stdin payload: %v", err)
	}
	return p
}

func argValues(args []string, flag string) []string {
	var out []string
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			out = append(out, args[i+1])
		}
	}
	return out
}

const testCode = "class Echo(Component):\n    pass\n"

func TestExecute_Success(t *testing.T) {
	h := newHarness(t, newTestPolicy(t, nil, ""), Config{})
	h.runner.run = returning(&RunOutput{
		Stdout:   "loading\n" + `{"success": true, "result": {"text": "hi"}, "output_name": "message", "method_called": "build"}`,
		Duration: 1500 * time.Millisecond,
	}, nil)

	var states []State
	res := h.orch.Execute(context.Background(), Request{
		Code:          testCode,
		ComponentPath: "custom_components.Echo",
		Context:       &ExecutionContext{ExecutionID: "exec-0123456789", UserID: "u1"},
		Component:     &Component{ID: "Echo-abc", Params: map[string]any{"text": "hi"}},
		OnState:       func(s State) { states = append(states, s) },
	})

	if !res.Success {
		t.Fatalf("Success = false, error = %q (%s)", res.Error, res.ErrorCategory)
	}
	if res.ExecutionID != "exec-0123456789" {
		t.Errorf("ExecutionID = %q", res.ExecutionID)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", res.ExitCode)
	}
	if res.ExecutionTime != 1.5 {
		t.Errorf("ExecutionTime = %v, want 1.5", res.ExecutionTime)
	}
	got, ok := res.Result.(map[string]any)
	if !ok || got["_output_name"] != "message" || got["_method_called"] != "build" {
		t.Errorf("Result = %#v", res.Result)
	}

	want := []State{StateValidating, StatePreparing, StateSpawning, StateRunning, StateCollecting, StateCleanup, StateSucceeded}
	if !slices.Equal(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}

	req := h.runner.lastCall(t)
	if req.Path != DefaultNsjailPath {
		t.Errorf("Path = %q", req.Path)
	}
	if req.Timeout != 40*time.Second {
		t.Errorf("Timeout = %v, want 40s", req.Timeout)
	}
	if slices.Contains(req.Args, testCode) {
		t.Error("code leaked onto the command line")
	}

	payload := decodePayload(t, req)
	if payload.ClassName != "Echo" {
		t.Errorf("class_name = %q, want Echo", payload.ClassName)
	}
	if payload.Code != testCode {
		t.Error("code not delivered on stdin")
	}
	if payload.Params["_id"] != "Echo-abc" || payload.Params["_user_id"] != "u1" ||
		payload.Params["_vertex_type"] != "Component" || payload.Params["_base_type"] != "component" {
		t.Errorf("metadata params = %v", payload.Params)
	}
	if payload.VertexData == nil || payload.VertexData.ID != "Echo-abc" {
		t.Errorf("vertex_data = %+v", payload.VertexData)
	}

	mounts := argValues(req.Args, "--bindmount")
	if len(mounts) != 1 || !strings.HasSuffix(mounts[0], ":/tmp") {
		t.Fatalf("writable mounts = %v", mounts)
	}
	if !strings.Contains(mounts[0], "exec-012") {
		t.Errorf("temp dir %q not named after execution", mounts[0])
	}
	env := argValues(req.Args, "--env")
	for _, kv := range []string{"SANDBOX_USE_STDIN=true", "SANDBOX_EXECUTION_ID=exec-0123456789", "SANDBOX_NETWORK_ENABLED=false"} {
		if !slices.Contains(env, kv) {
			t.Errorf("missing jail env %s in %v", kv, env)
		}
	}
	h.assertCleanedUp(t)
}

func TestExecute_CodeSizeRejectedBeforeSpawn(t *testing.T) {
	p := newTestPolicy(t, map[string]string{policy.EnvMaxCodeKB: "1"}, "")
	h := newHarness(t, p, Config{})

	var states []State
	res := h.orch.Execute(context.Background(), Request{
		Code:          strings.Repeat("x", 2048),
		ComponentPath: "custom_components.Big",
		OnState:       func(s State) { states = append(states, s) },
	})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorCategory != CategoryCodeSize {
		t.Errorf("category = %q, want %q", res.ErrorCategory, CategoryCodeSize)
	}
	if !strings.Contains(res.Error, "exceeds limit of 1KB") {
		t.Errorf("error = %q", res.Error)
	}
	if res.ExitCode != nil {
		t.Errorf("ExitCode = %v, want nil", *res.ExitCode)
	}
	if len(h.runner.calls) != 0 {
		t.Error("runner called for oversized code")
	}
	want := []State{StateValidating, StateCleanup, StateFailed}
	if !slices.Equal(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

func TestExecute_CleanupOnEveryFailure(t *testing.T) {
	tests := []struct {
		name     string
		run      func(context.Context, RunRequest) (*RunOutput, error)
		category Category
	}{
		{
			name:     "spawn error",
			run:      returning(nil, errors.New("exec: no such file")),
			category: CategoryExecError,
		},
		{
			name: "runner panic",
			run: func(context.Context, RunRequest) (*RunOutput, error) {
				panic("boom")
			},
			category: CategoryExecutionFailed,
		},
		{
			name:     "missing output",
			run:      returning(nil, nil),
			category: CategoryExecutionFailed,
		},
		{
			name: "python traceback",
			run: returning(&RunOutput{
				ExitCode: 1,
				Stderr:   "Traceback (most recent call last):\n  File \"x.py\"\nValueError: bad input\n",
			}, nil),
			category: CategoryPythonError,
		},
		{
			name:     "unparseable stdout",
			run:      returning(&RunOutput{Stdout: "not json"}, nil),
			category: CategoryNoResult,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, newTestPolicy(t, nil, ""), Config{})
			h.runner.run = tt.run

			var last State
			res := h.orch.Execute(context.Background(), Request{
				Code:          testCode,
				ComponentPath: "custom_components.Echo",
				OnState:       func(s State) { last = s },
			})
			if res.Success {
				t.Fatal("expected failure")
			}
			if res.ErrorCategory != tt.category {
				t.Errorf("category = %q, want %q (error %q)", res.ErrorCategory, tt.category, res.Error)
			}
			if last != StateFailed {
				t.Errorf("final state = %q, want failed", last)
			}
			h.assertCleanedUp(t)
		})
	}
}

func TestExecute_PanicMessage(t *testing.T) {
	h := newHarness(t, newTestPolicy(t, nil, ""), Config{})
	h.runner.run = func(context.Context, RunRequest) (*RunOutput, error) { panic("boom") }

	res := h.orch.Execute(context.Background(), Request{Code: testCode, ComponentPath: "x.Echo"})
	if !strings.HasPrefix(res.Error, "Runtime execution failed: boom") {
		t.Errorf("error = %q", res.Error)
	}
	if res.ExecutionID == "" {
		t.Error("ExecutionID missing on panic result")
	}
}

func TestExecute_TimeoutBeatsMemory(t *testing.T) {
	h := newHarness(t, newTestPolicy(t, nil, ""), Config{})
	h.runner.run = returning(&RunOutput{ExitCode: 137, Stderr: "Killed", TimedOut: true, Duration: 40 * time.Second}, nil)

	res := h.orch.Execute(context.Background(), Request{Code: testCode, ComponentPath: "x.Echo"})
	if res.ErrorCategory != CategoryCPUTimeout {
		t.Errorf("category = %q, want %q", res.ErrorCategory, CategoryCPUTimeout)
	}
	if !strings.Contains(res.Error, "30 seconds") {
		t.Errorf("error = %q", res.Error)
	}
	if res.ExitCode == nil || *res.ExitCode != 137 {
		t.Errorf("ExitCode = %v, want 137", res.ExitCode)
	}
}

func TestExecute_PolicyHint(t *testing.T) {
	h := newHarness(t, newTestPolicy(t, nil, ""), Config{})
	h.runner.run = returning(&RunOutput{
		ExitCode: 1,
		Stdout:   `{"success": false, "error": "import of subprocess blocked", "policy_hint": "remove the import"}`,
		Stderr:   "Traceback (most recent call last):\nImportError: blocked",
	}, nil)

	res := h.orch.Execute(context.Background(), Request{Code: testCode, ComponentPath: "x.Echo"})
	if res.ErrorCategory != CategoryImportBlocked {
		t.Errorf("category = %q, want %q", res.ErrorCategory, CategoryImportBlocked)
	}
	if !strings.Contains(res.Error, "Sandbox Policy Hint: remove the import") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecute_Cancelled(t *testing.T) {
	h := newHarness(t, newTestPolicy(t, nil, ""), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	h.runner.run = func(ctx context.Context, _ RunRequest) (*RunOutput, error) {
		cancel()
		return &RunOutput{ExitCode: 137}, ctx.Err()
	}

	res := h.orch.Execute(ctx, Request{Code: testCode, ComponentPath: "x.Echo"})
	if !IsCancelled(res) {
		t.Errorf("result not reported as cancelled: %q (%s)", res.Error, res.ErrorCategory)
	}
	h.assertCleanedUp(t)
}

func TestExecute_RunnerWithoutOutput(t *testing.T) {
	h := newHarness(t, newTestPolicy(t, nil, ""), Config{})
	h.runner.run = returning(nil, nil)

	res := h.orch.Execute(context.Background(), Request{Code: testCode, ComponentPath: "x.Echo"})
	if res.ErrorCategory != CategoryExecError {
		t.Errorf("category = %q, want %q", res.ErrorCategory, CategoryExecError)
	}
	if strings.HasPrefix(res.Error, "Runtime execution failed") {
		t.Errorf("error = %q, want a handled failure rather than a recovered panic", res.Error)
	}
	h.assertCleanedUp(t)
}

func TestExecute_NoPolicy(t *testing.T) {
	h := newHarness(t, nil, Config{})
	res := h.orch.Execute(context.Background(), Request{Code: testCode, ComponentPath: "x.Echo"})
	if res.ErrorCategory != CategoryConfiguration {
		t.Errorf("category = %q, want %q", res.ErrorCategory, CategoryConfiguration)
	}
}

func TestExecute_Secrets(t *testing.T) {
	tests := []struct {
		name        string
		override    string
		resolveErr  error
		wantEnv     string
		wantResolve bool
	}{
		{"denied by default", "", nil, "SECRET_API_KEY=", false},
		{"allowed", `{"allowSecretsForUntrusted": true}`, nil, "SECRET_API_KEY=sk-test-123", true},
		{"allowed but unresolvable", `{"allowSecretsForUntrusted": true}`, errors.New("not found"), "SECRET_API_KEY=", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, newTestPolicy(t, nil, tt.override), Config{})
			h.resolver.err = tt.resolveErr

			// The policy decision must not drift between executions.
			for run := range 2 {
				h.orch.Execute(context.Background(), Request{
					Code:          testCode,
					ComponentPath: "custom_components.Echo",
					Component: &Component{
						UserID:       "u1",
						Params:       map[string]any{"api_key": "OPENAI_KEY", "model": "gpt", "empty": ""},
						SecretFields: []string{"api_key", "empty", "absent"},
					},
				})

				req := h.runner.lastCall(t)
				if !slices.Contains(req.Env, tt.wantEnv) {
					t.Errorf("run %d: launcher env = %v, want %s", run, req.Env, tt.wantEnv)
				}
				if (h.resolver.calls > 0) != tt.wantResolve {
					t.Errorf("resolver calls = %d", h.resolver.calls)
				}

				payload := decodePayload(t, req)
				if payload.Params["api_key"] != "__SECRET__api_key" {
					t.Errorf("api_key param = %v, want placeholder", payload.Params["api_key"])
				}
				if payload.Params["model"] != "gpt" || payload.Params["empty"] != "" {
					t.Errorf("non-secret params changed: %v", payload.Params)
				}
				if strings.Contains(string(req.Stdin), "sk-test-123") {
					t.Error("secret value leaked into payload")
				}
				for _, a := range req.Args {
					if strings.Contains(a, "sk-test-123") {
						t.Fatal("secret value leaked onto the command line")
					}
				}
				if !slices.Contains(argValues(req.Args, "--env"), "SECRET_API_KEY") {
					t.Error("jail does not inherit SECRET_API_KEY")
				}
			}
		})
	}
}

func TestExecute_Sudo(t *testing.T) {
	h := newHarness(t, newTestPolicy(t, nil, ""), Config{Sudo: true, NsjailPath: "/opt/nsjail"})
	h.orch.Execute(context.Background(), Request{
		Code:          testCode,
		ComponentPath: "x.Echo",
		Component:     &Component{Params: map[string]any{"token": "T"}, SecretFields: []string{"token"}},
	})

	req := h.runner.lastCall(t)
	if req.Path != "sudo" {
		t.Fatalf("Path = %q, want sudo", req.Path)
	}
	want := []string{"-n", "--preserve-env=SECRET_TOKEN", "/opt/nsjail"}
	if !slices.Equal(req.Args[:3], want) {
		t.Errorf("sudo args = %v, want prefix %v", req.Args[:3], want)
	}
}

func TestExecute_ExecutorPythonPath(t *testing.T) {
	h := newHarness(t, newTestPolicy(t, nil, ""), Config{ExecutorPythonPath: []string{"/opt/lib", "/opt/site"}})
	h.orch.Execute(context.Background(), Request{Code: testCode, ComponentPath: "x.Echo"})

	env := argValues(h.runner.lastCall(t).Args, "--env")
	if !slices.Contains(env, "PYTHONPATH=/opt/lib:/opt/site") {
		t.Errorf("env = %v", env)
	}
}

func TestExecute_Concurrent(t *testing.T) {
	h := newHarness(t, newTestPolicy(t, nil, ""), Config{})
	h.runner.run = func(_ context.Context, req RunRequest) (*RunOutput, error) {
		var p invocationPayload
		if err := json.Unmarshal(req.Stdin, &p); err != nil {
			return nil, err
		}
		return &RunOutput{Stdout: `{"success": true, "result": "` + p.ExecutionID + `"}`}, nil
	}

	const n = 8
	results := make([]*ExecutionResult, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.orch.Execute(context.Background(), Request{Code: testCode, ComponentPath: "x.Echo"})
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, res := range results {
		if !res.Success || res.Result != res.ExecutionID {
			t.Errorf("result %+v crossed executions", res)
		}
		seen[res.ExecutionID] = true
	}
	if len(seen) != n {
		t.Errorf("distinct execution ids = %d, want %d", len(seen), n)
	}

	dirs := map[string]bool{}
	for _, c := range h.runner.calls {
		dirs[argValues(c.Args, "--bindmount")[0]] = true
	}
	if len(dirs) != n {
		t.Errorf("distinct temp dirs = %d, want %d", len(dirs), n)
	}
	h.assertCleanedUp(t)
}
