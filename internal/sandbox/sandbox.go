// Package sandbox runs untrusted component code inside an nsjail jail and
// turns whatever comes back into a structured ExecutionResult.
//
// Security guarantees:
//   - Code larger than the profile limit is rejected before anything is spawned
//   - Each execution gets its own writable temp directory (removed after)
//   - The jail process runs in its own process group, killed as a group
//   - The invocation payload, secrets included, travels over stdin only
//   - Cleanup runs on every path, including panics and cancellation
package sandbox

import (
	"context"
	"time"
)

// ExecutionType identifies what kind of code is executed.
type ExecutionType string

const (
	TypeComponent  ExecutionType = "component"
	TypePythonREPL ExecutionType = "python_repl"
	TypeCodeTool   ExecutionType = "code_tool"
)

// Category is the closed failure taxonomy reported in ExecutionResult.
type Category string

const (
	CategoryNone                   Category = ""
	CategoryConfiguration          Category = "configuration_error"
	CategoryCodeSize               Category = "CODE_SIZE_LIMIT"
	CategoryCPUTimeout             Category = "cpu_timeout"
	CategoryMemoryLimit            Category = "memory_limit"
	CategoryNetworkBlocked         Category = "network_blocked"
	CategoryImportBlocked          Category = "import_blocked"
	CategoryMissingDependency      Category = "missing_dependency"
	CategoryPolicyError            Category = "policy_error"
	CategoryFileAccessDenied       Category = "file_access_denied"
	CategorySyntaxError            Category = "syntax_error"
	CategoryConfigError            Category = "config_error"
	CategoryExecError              Category = "exec_error"
	CategoryPythonError            Category = "python_error"
	CategoryExecutionFailed        Category = "execution_failed"
	CategoryNoResult               Category = "no_result"
	CategoryMultiprocessingBlocked Category = "multiprocessing_blocked"
	CategoryPermissionDenied       Category = "permission_denied"
	CategoryPolicyViolation        Category = "policy_violation"
)

// State is a step of the execution state machine.
type State string

const (
	StateValidating State = "validating"
	StatePreparing  State = "preparing"
	StateSpawning   State = "spawning"
	StateRunning    State = "running"
	StateCollecting State = "collecting"
	StateCleanup    State = "cleanup"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Terminal reports whether s ends an execution.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// ExecutionContext describes one execution. Limits are copied from the
// active profile during validation.
type ExecutionContext struct {
	ExecutionID     string        `json:"execution_id"`
	ExecutionType   ExecutionType `json:"execution_type"`
	ComponentPath   string        `json:"component_path"`
	ComponentID     string        `json:"component_id,omitempty"`
	FlowID          string        `json:"flow_id,omitempty"`
	UserID          string        `json:"user_id,omitempty"`
	TimeoutSeconds  int           `json:"timeout"`
	MaxMemoryMB     int           `json:"max_memory_mb"`
	AllowNetwork    bool          `json:"allow_network"`
	SecretsRequired bool          `json:"secrets_required"`
	CreatedAt       time.Time     `json:"created_at"`
}

// ExecutionResult is produced exactly once per execution.
type ExecutionResult struct {
	ExecutionID   string   `json:"execution_id"`
	Success       bool     `json:"success"`
	Result        any      `json:"result,omitempty"`
	Error         string   `json:"error,omitempty"`
	ErrorCategory Category `json:"error_category,omitempty"`
	Stdout        string   `json:"stdout"`
	Stderr        string   `json:"stderr"`
	ExecutionTime float64  `json:"execution_time"` // seconds
	ExitCode      *int     `json:"exit_code,omitempty"`
}

// Component is the invocation target inside the jail.
type Component struct {
	// ID is the flow node id. Defaults to the execution id.
	ID string
	// ClassName is the class the executor instantiates.
	ClassName string
	UserID    string
	// Params are the component parameters, marshalled to JSON-safe values.
	Params map[string]any
	// SecretFields are parameters whose value names a stored variable.
	SecretFields []string
	// Vertex describes the outputs the executor should produce.
	Vertex *VertexData
}

// Request is one call to Execute.
type Request struct {
	Code          string
	ComponentPath string
	Component     *Component        // optional
	Context       *ExecutionContext // optional; a fresh one is created when nil
	// OnState observes state transitions. Called synchronously.
	OnState func(State)
}

// Executor is implemented by Orchestrator and its instrumented wrappers.
type Executor interface {
	Execute(ctx context.Context, req Request) *ExecutionResult
}
