package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/ngome/internal/policy"
)

// DefaultNsjailPath is where the isolation binary is expected.
const DefaultNsjailPath = "/usr/local/bin/nsjail"

// Config configures an Orchestrator.
type Config struct {
	NsjailPath string // Default: DefaultNsjailPath.
	// Sudo runs nsjail through sudo when the host process is unprivileged.
	Sudo bool
	// TempRoot and TempPrefix place per-execution directories.
	TempRoot   string
	TempPrefix string
	// ExecutorPythonPath is prepended to the jail PYTHONPATH.
	ExecutorPythonPath []string
}

func (c Config) nsjailPath() string {
	if c.NsjailPath != "" {
		return c.NsjailPath
	}
	return DefaultNsjailPath
}

// Orchestrator drives one jail per execution through the state machine
// validating → preparing → spawning → running → collecting → cleanup →
// succeeded|failed. Executions share only the frozen policy, so any number
// may run concurrently.
type Orchestrator struct {
	policy     *policy.Policy
	runner     Runner
	secrets    SecretResolver
	marshaller *Marshaller
	temp       TempDirs
	cfg        Config
	logger     *slog.Logger
}

// NewOrchestrator creates an Orchestrator. resolver may be nil, in which
// case every secret field receives an empty value.
func NewOrchestrator(p *policy.Policy, runner Runner, resolver SecretResolver, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		policy:     p,
		runner:     runner,
		secrets:    resolver,
		marshaller: NewMarshaller(),
		cfg:        cfg,
		logger:     logger,
	}
	user, group := "", ""
	if p != nil {
		iso := p.Isolation()
		user, group = iso.User, iso.Group
	}
	o.temp = NewTempDirs(cfg.TempRoot, cfg.TempPrefix, user, group)
	return o
}

// Marshaller exposes the parameter marshaller for adapter registration.
func (o *Orchestrator) Marshaller() *Marshaller { return o.marshaller }

// TempDirs returns the temp directory allocator, shared with the janitor.
func (o *Orchestrator) TempDirs() TempDirs { return o.temp }

// fault is an internal execution failure. Only Execute turns it into a result.
type fault struct {
	category Category
	message  string
	cause    error
}

func (f *fault) Error() string {
	if f.cause != nil {
		return f.message + ": " + f.cause.Error()
	}
	return f.message
}

// execution is the state of one Execute call.
type execution struct {
	o     *Orchestrator
	req   Request
	ec    ExecutionContext
	state State
	dir   string
	out   *RunOutput
}

// Execute runs req and always returns a result. Cleanup runs before the
// terminal state on every path, including panics and cancellation.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (result *ExecutionResult) {
	x := &execution{o: o, req: req, ec: newExecutionContext(req)}

	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "sandbox execution panicked",
				slog.String("execution_id", x.ec.ExecutionID),
				slog.Any("panic", r),
			)
			result = x.faultResult(&fault{
				category: CategoryExecutionFailed,
				message:  fmt.Sprintf("Runtime execution failed: %v", r),
			})
		}
		x.transition(StateCleanup)
		x.cleanup(ctx)
		if result.Success {
			x.transition(StateSucceeded)
		} else {
			x.transition(StateFailed)
		}
	}()

	res, f := x.run(ctx)
	if f != nil {
		return x.faultResult(f)
	}
	return res
}

func newExecutionContext(req Request) ExecutionContext {
	var ec ExecutionContext
	if req.Context != nil {
		ec = *req.Context
	}
	if ec.ExecutionID == "" {
		ec.ExecutionID = uuid.NewString()
	}
	if ec.ExecutionType == "" {
		ec.ExecutionType = TypeComponent
	}
	if ec.ComponentPath == "" {
		ec.ComponentPath = req.ComponentPath
	}
	if ec.CreatedAt.IsZero() {
		ec.CreatedAt = time.Now().UTC()
	}
	return ec
}

func (x *execution) transition(s State) {
	x.state = s
	if x.req.OnState != nil {
		x.req.OnState(s)
	}
}

func (x *execution) run(ctx context.Context) (*ExecutionResult, *fault) {
	o := x.o

	// Validating.
	x.transition(StateValidating)
	if o.policy == nil {
		return nil, &fault{category: CategoryConfiguration, message: "No sandbox profile configured"}
	}
	profile := o.policy.Profile()
	if err := o.policy.ValidateCodeSize(x.req.Code); err != nil {
		o.logger.WarnContext(ctx, "code size validation failed",
			slog.String("execution_id", x.ec.ExecutionID),
			slog.String("error", err.Error()),
		)
		return nil, &fault{category: CategoryCodeSize, message: err.Error()}
	}
	x.ec.TimeoutSeconds = profile.MaxExecutionTimeSeconds
	x.ec.MaxMemoryMB = profile.MaxMemoryMB
	x.ec.AllowNetwork = profile.NetworkEnabled
	x.ec.SecretsRequired = profile.AllowSecretsForUntrusted

	// Preparing.
	x.transition(StatePreparing)
	comp := x.component()
	params := o.marshaller.Params(comp.Params)
	secretEnv := o.prepareSecrets(ctx, profile.AllowSecretsForUntrusted, comp.UserID, comp.SecretFields, params)
	params["_id"] = comp.ID
	params["_user_id"] = nullable(comp.UserID)
	params["_vertex_type"] = "Component"
	params["_base_type"] = "component"

	stdin, err := json.Marshal(invocationPayload{
		Code:        x.req.Code,
		Params:      params,
		ClassName:   comp.ClassName,
		ExecutionID: x.ec.ExecutionID,
		VertexData:  vertexData(comp),
	})
	if err != nil {
		return nil, &fault{category: CategoryExecutionFailed, message: "Encoding invocation payload failed", cause: err}
	}

	dir, err := o.temp.Create(x.ec.ExecutionID)
	if err != nil {
		return nil, &fault{category: CategoryExecutionFailed, message: "Preparing execution directory failed", cause: err}
	}
	x.dir = dir

	secretKeys := sortedKeys(secretEnv)
	base := o.policy.Isolation()
	iso := base.
		WithExecutionTempMount(dir).
		WithTimeLimit(x.ec.TimeoutSeconds).
		WithEnv(o.executorEnv(base.Environment["PYTHONPATH"], x.ec.ExecutionID, profile.NetworkEnabled)).
		WithInheritedEnv(secretKeys...)

	// Spawning.
	x.transition(StateSpawning)
	path, args := o.command(iso, secretKeys)
	o.logger.InfoContext(ctx, "executing component in sandbox",
		slog.String("execution_id", x.ec.ExecutionID),
		slog.String("component", x.ec.ComponentPath),
		slog.String("class_name", comp.ClassName),
		slog.Bool("network_enabled", profile.NetworkEnabled),
		slog.Int("secrets", len(secretEnv)),
		slog.Int("payload_bytes", len(stdin)),
	)

	out, err := o.runner.Run(ctx, RunRequest{
		Path:    path,
		Args:    args,
		Env:     launcherEnv(secretEnv),
		Stdin:   stdin,
		Timeout: iso.WallClockLimit(),
		OnStart: func(int) { x.transition(StateRunning) },
	})
	x.out = out
	if err != nil {
		if ctx.Err() != nil {
			return nil, &fault{category: CategoryExecutionFailed, message: "Execution cancelled", cause: ctx.Err()}
		}
		return nil, &fault{category: CategoryExecError, message: "Launching sandbox failed", cause: err}
	}
	if out == nil {
		return nil, &fault{category: CategoryExecError, message: "Sandbox produced no output"}
	}
	if x.state == StateSpawning {
		x.transition(StateRunning)
	}

	// Collecting.
	x.transition(StateCollecting)
	o.logOutput(ctx, x.ec.ExecutionID, out)
	return x.collect(out), nil
}

func (x *execution) component() *Component {
	var comp Component
	if x.req.Component != nil {
		comp = *x.req.Component
	}
	if comp.ClassName == "" {
		comp.ClassName = componentName(x.ec.ComponentPath)
	}
	if comp.ID == "" {
		comp.ID = x.ec.ExecutionID
	}
	if comp.UserID == "" {
		comp.UserID = x.ec.UserID
	}
	if x.ec.ComponentID == "" {
		x.ec.ComponentID = comp.ID
	}
	return &comp
}

func vertexData(comp *Component) *VertexData {
	v := VertexData{VertexType: "Component", BaseType: "component"}
	if comp.Vertex != nil {
		v = *comp.Vertex
	}
	if v.ID == "" {
		v.ID = comp.ID
	}
	if v.Outputs == nil {
		v.Outputs = []OutputSpec{}
	}
	return &v
}

// executorEnv holds the per-execution variables layered over the policy
// environment. Secrets are not among them: they reach the jail through the
// launcher environment so their values never appear in its arguments.
func (o *Orchestrator) executorEnv(policyPythonPath, executionID string, network bool) map[string]string {
	parts := append([]string(nil), o.cfg.ExecutorPythonPath...)
	if policyPythonPath != "" {
		parts = append(parts, policyPythonPath)
	}
	env := map[string]string{
		"SANDBOX_USE_STDIN":       "true",
		"SANDBOX_EXECUTION_ID":    executionID,
		"SANDBOX_NETWORK_ENABLED": strconv.FormatBool(network),
	}
	if len(parts) > 0 {
		env["PYTHONPATH"] = strings.Join(parts, ":")
	}
	return env
}

// launcherEnv is the environment nsjail itself runs with.
func launcherEnv(secretEnv map[string]string) []string {
	env := []string{"PATH=" + launcherPath}
	for _, k := range sortedKeys(secretEnv) {
		env = append(env, k+"="+secretEnv[k])
	}
	return env
}

func (o *Orchestrator) command(iso policy.IsolationConfig, inherited []string) (string, []string) {
	args := iso.Args()
	if !o.cfg.Sudo {
		return o.cfg.nsjailPath(), args
	}
	sudo := []string{"-n"}
	if len(inherited) > 0 {
		sudo = append(sudo, "--preserve-env="+strings.Join(inherited, ","))
	}
	sudo = append(sudo, o.cfg.nsjailPath())
	return "sudo", append(sudo, args...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (x *execution) collect(out *RunOutput) *ExecutionResult {
	exit := out.ExitCode
	res := &ExecutionResult{
		ExecutionID:   x.ec.ExecutionID,
		Stdout:        out.Stdout,
		Stderr:        out.Stderr,
		ExecutionTime: out.Duration.Seconds(),
		ExitCode:      &exit,
	}

	if payload, ok := parseResultPayload(out.Stdout); ok && exit == 0 && !out.TimedOut && payload.Success {
		res.Success = true
		res.Result = payload.value()
		return res
	}

	f := ClassifyFailure(Signals{
		ExitCode:       exit,
		Stderr:         out.Stderr,
		Stdout:         out.Stdout,
		Elapsed:        out.Duration,
		TimeoutSeconds: x.ec.TimeoutSeconds,
		MaxMemoryMB:    x.ec.MaxMemoryMB,
		TimedOut:       out.TimedOut,
	})
	res.Error = f.Message
	res.ErrorCategory = f.Category
	return res
}

func (x *execution) faultResult(f *fault) *ExecutionResult {
	res := &ExecutionResult{
		ExecutionID:   x.ec.ExecutionID,
		Error:         f.Error(),
		ErrorCategory: f.category,
	}
	if x.out != nil {
		exit := x.out.ExitCode
		res.Stdout = x.out.Stdout
		res.Stderr = x.out.Stderr
		res.ExecutionTime = x.out.Duration.Seconds()
		res.ExitCode = &exit
	}
	return res
}

// cleanup removes the execution directory. Failures are logged, never returned.
func (x *execution) cleanup(ctx context.Context) {
	if x.dir == "" {
		return
	}
	if err := os.RemoveAll(x.dir); err != nil {
		x.o.logger.WarnContext(ctx, "failed to remove execution temp dir",
			slog.String("dir", x.dir),
			slog.String("error", err.Error()),
		)
		return
	}
	x.o.logger.DebugContext(ctx, "removed execution temp dir", slog.String("dir", x.dir))
}

func (o *Orchestrator) logOutput(ctx context.Context, executionID string, out *RunOutput) {
	o.logger.DebugContext(ctx, "sandbox process finished",
		slog.String("execution_id", executionID),
		slog.Int("exit_code", out.ExitCode),
		slog.Duration("duration", out.Duration),
		slog.Bool("timed_out", out.TimedOut),
		slog.Int("stdout_bytes", len(out.Stdout)),
	)
	if out.Stderr == "" {
		return
	}
	filtered, problems := filterStderr(out.Stderr)
	if filtered != "" {
		level := slog.LevelInfo
		msg := "component executor output"
		if problems {
			level, msg = slog.LevelWarn, "component executor warnings/errors"
		}
		o.logger.Log(ctx, level, msg,
			slog.String("execution_id", executionID),
			slog.String("stderr", truncate(filtered, 500)),
		)
	}
	o.logger.DebugContext(ctx, "component executor stderr (full)",
		slog.String("execution_id", executionID),
		slog.String("stderr", out.Stderr),
	)
}

// componentName strips the dotted prefix from a component path.
func componentName(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// IsCancelled reports whether a result came from caller cancellation.
func IsCancelled(res *ExecutionResult) bool {
	return res != nil && res.ErrorCategory == CategoryExecutionFailed &&
		strings.HasPrefix(res.Error, "Execution cancelled")
}
