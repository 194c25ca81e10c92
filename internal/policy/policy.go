// Package policy owns the single sandbox profile for the process and derives
// the OS isolation parameters (rlimits, namespaces, seccomp, mounts, env)
// handed to the isolation binary.
//
// The profile is built once: hardcoded defaults, then environment overrides,
// then an optional local override file. After construction it never changes.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/jsonc"
)

// Environment variables read once at construction.
const (
	EnvMaxCodeKB = "UNTRUSTED_MAX_CODE_KB"
	EnvLockMode  = "SANDBOX_LOCK_MODE"
)

// Safe defaults used when nothing else is configured.
const (
	DefaultMaxExecutionTimeSeconds = 30
	DefaultMaxMemoryMB             = 128
	DefaultMaxCodeSizeKB           = 50
	DefaultMaxFileSizeMB           = 10
	DefaultMaxOpenFiles            = 64
)

// ErrCodeTooLarge is returned by ValidateCodeSize when code exceeds the profile limit.
var ErrCodeTooLarge = errors.New("code size limit exceeded")

// ErrAlreadyInitialized is returned by Init when the process-wide policy is already set.
var ErrAlreadyInitialized = errors.New("sandbox policy already initialized")

// SandboxProfile is the single active set of limits governing sandbox execution.
// JSON names match the keys accepted by the local override file.
type SandboxProfile struct {
	AllowSecretsForUntrusted bool     `json:"allowSecretsForUntrusted"`
	NetworkEnabled           bool     `json:"networkEnabled"`
	MaxExecutionTimeSeconds  int      `json:"maxExecutionTimeSeconds"`
	MaxMemoryMB              int      `json:"maxMemoryMB"`
	MaxCodeSizeKB            int      `json:"maxCodeSizeKB"`
	EnvParams                []string `json:"envParams"`
}

// DefaultProfile returns the hardcoded safe profile.
func DefaultProfile() SandboxProfile {
	return SandboxProfile{
		NetworkEnabled:          false,
		MaxExecutionTimeSeconds: DefaultMaxExecutionTimeSeconds,
		MaxMemoryMB:             DefaultMaxMemoryMB,
		MaxCodeSizeKB:           DefaultMaxCodeSizeKB,
	}
}

func (p SandboxProfile) clone() SandboxProfile {
	p.EnvParams = append([]string(nil), p.EnvParams...)
	return p
}

// profileOverride mirrors SandboxProfile with optional fields so that an
// override file only changes the keys it names.
type profileOverride struct {
	AllowSecretsForUntrusted *bool    `json:"allowSecretsForUntrusted"`
	NetworkEnabled           *bool    `json:"networkEnabled"`
	MaxExecutionTimeSeconds  *int     `json:"maxExecutionTimeSeconds"`
	MaxMemoryMB              *int     `json:"maxMemoryMB"`
	MaxCodeSizeKB            *int     `json:"maxCodeSizeKB"`
	EnvParams                []string `json:"envParams"`
}

// Options configures how the policy is built and which host paths the jail sees.
type Options struct {
	// OverrideFile is an optional local JSON (comments allowed) profile override.
	OverrideFile string

	// PolicyDir holds the seccomp policy files. Empty = DefaultPolicyDir.
	PolicyDir string

	// Hostname inside the jail. Default: "sandbox".
	Hostname string
	// User and Group are the jail identity (uid/gid or names). Default: 99999.
	User  string
	Group string

	// Python is the interpreter path inside the jail. Default: /usr/local/bin/python.
	Python string
	// Executor is the in-jail component executor script. Default: /opt/executor.py.
	Executor string
	// PythonPath is appended to the executor PYTHONPATH.
	PythonPath string

	// ReadOnlyMounts replaces the default read-only bind mounts when non-empty.
	ReadOnlyMounts []string

	// Chroot is an optional jail root directory prepared at startup.
	Chroot string

	// LookupEnv and Environ default to os.LookupEnv and os.Environ.
	LookupEnv func(string) (string, bool)
	Environ   func() []string

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.PolicyDir == "" {
		o.PolicyDir = DefaultPolicyDir
	}
	if o.Hostname == "" {
		o.Hostname = "sandbox"
	}
	if o.User == "" {
		o.User = "99999"
	}
	if o.Group == "" {
		o.Group = "99999"
	}
	if o.Python == "" {
		o.Python = "/usr/local/bin/python"
	}
	if o.Executor == "" {
		o.Executor = "/opt/executor.py"
	}
	if len(o.ReadOnlyMounts) == 0 {
		o.ReadOnlyMounts = defaultReadOnlyMounts(o.Python, o.Executor)
	}
	if o.LookupEnv == nil {
		o.LookupEnv = os.LookupEnv
	}
	if o.Environ == nil {
		o.Environ = os.Environ
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Policy holds the frozen profile and the isolation config derived from it.
// Safe for concurrent use: nothing is mutated after New returns.
type Policy struct {
	profile   SandboxProfile
	isolation IsolationConfig
	lockMode  bool
	logger    *slog.Logger
}

// New builds the policy: defaults, then env, then the override file.
func New(opts Options) (*Policy, error) {
	opts.setDefaults()

	profile := DefaultProfile()
	lockMode := false

	if v, ok := opts.LookupEnv(EnvMaxCodeKB); ok && v != "" {
		kb, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || kb <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer, got %q", EnvMaxCodeKB, v)
		}
		profile.MaxCodeSizeKB = kb
	}
	if v, ok := opts.LookupEnv(EnvLockMode); ok && v != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%s must be a boolean, got %q", EnvLockMode, v)
		}
		lockMode = enabled
	}

	if opts.OverrideFile != "" {
		if err := applyOverrideFile(&profile, opts.OverrideFile, opts.Logger); err != nil {
			return nil, err
		}
	}

	if err := profile.validate(); err != nil {
		return nil, fmt.Errorf("invalid sandbox profile: %w", err)
	}

	chroot := opts.Chroot
	if chroot != "" {
		if err := PrepareChroot(chroot); err != nil {
			opts.Logger.Warn("chroot setup failed, running without chroot (reduced isolation)",
				slog.String("chroot", chroot),
				slog.String("error", err.Error()),
			)
			chroot = ""
		}
	}

	p := &Policy{
		profile:  profile,
		lockMode: lockMode,
		logger:   opts.Logger,
	}
	p.isolation = deriveIsolation(profile, opts, chroot)

	opts.Logger.Info("sandbox policy initialized",
		slog.Bool("network_enabled", profile.NetworkEnabled),
		slog.Int("max_memory_mb", profile.MaxMemoryMB),
		slog.Int("max_execution_seconds", profile.MaxExecutionTimeSeconds),
		slog.Int("max_code_kb", profile.MaxCodeSizeKB),
		slog.Bool("secrets_for_untrusted", profile.AllowSecretsForUntrusted),
		slog.Bool("lock_mode", lockMode),
	)
	return p, nil
}

// applyOverrideFile reads the local override file. A missing file is not an error.
func applyOverrideFile(profile *SandboxProfile, path string, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("sandbox override file not found, using defaults", slog.String("path", path))
			return nil
		}
		return fmt.Errorf("reading sandbox override %s: %w", path, err)
	}

	var o profileOverride
	if err := json.Unmarshal(jsonc.ToJSON(data), &o); err != nil {
		return fmt.Errorf("parsing sandbox override %s: %w", path, err)
	}

	if o.AllowSecretsForUntrusted != nil {
		profile.AllowSecretsForUntrusted = *o.AllowSecretsForUntrusted
	}
	if o.NetworkEnabled != nil {
		profile.NetworkEnabled = *o.NetworkEnabled
	}
	if o.MaxExecutionTimeSeconds != nil {
		profile.MaxExecutionTimeSeconds = *o.MaxExecutionTimeSeconds
	}
	if o.MaxMemoryMB != nil {
		profile.MaxMemoryMB = *o.MaxMemoryMB
	}
	if o.MaxCodeSizeKB != nil {
		profile.MaxCodeSizeKB = *o.MaxCodeSizeKB
	}
	if o.EnvParams != nil {
		profile.EnvParams = append([]string(nil), o.EnvParams...)
	}

	logger.Info("sandbox override file applied", slog.String("path", path))
	return nil
}

func (p SandboxProfile) validate() error {
	if p.MaxExecutionTimeSeconds <= 0 {
		return fmt.Errorf("maxExecutionTimeSeconds must be positive")
	}
	if p.MaxMemoryMB <= 0 {
		return fmt.Errorf("maxMemoryMB must be positive")
	}
	if p.MaxCodeSizeKB <= 0 {
		return fmt.Errorf("maxCodeSizeKB must be positive")
	}
	return nil
}

// Profile returns a copy of the frozen profile.
func (p *Policy) Profile() SandboxProfile {
	return p.profile.clone()
}

// Isolation returns a copy of the base isolation config.
func (p *Policy) Isolation() IsolationConfig {
	return p.isolation.clone()
}

// LockModeEnabled reports whether untrusted components must be refused outright.
func (p *Policy) LockModeEnabled() bool {
	return p.lockMode
}

// CodeSizeError describes a rejected submission.
type CodeSizeError struct {
	SizeKB  float64
	LimitKB int
}

func (e *CodeSizeError) Error() string {
	return fmt.Sprintf("code size %.1fKB exceeds limit of %dKB", e.SizeKB, e.LimitKB)
}

func (e *CodeSizeError) Unwrap() error { return ErrCodeTooLarge }

// ValidateCodeSize rejects code whose UTF-8 byte length exceeds the profile limit.
func (p *Policy) ValidateCodeSize(code string) error {
	sizeKB := float64(len(code)) / 1024
	if sizeKB > float64(p.profile.MaxCodeSizeKB) {
		return &CodeSizeError{SizeKB: sizeKB, LimitKB: p.profile.MaxCodeSizeKB}
	}
	return nil
}

// forwardedEnv intersects the whitelist with the current environment.
func forwardedEnv(whitelist []string, environ []string) map[string]string {
	if len(whitelist) == 0 {
		return map[string]string{}
	}
	allowed := make(map[string]bool, len(whitelist))
	for _, name := range whitelist {
		allowed[name] = true
	}
	env := make(map[string]string)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok && allowed[k] {
			env[k] = v
		}
	}
	return env
}

// sortedKeys returns map keys in lexical order so generated args are stable.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	activeMu sync.Mutex
	active   *Policy
)

// Init installs the process-wide policy. It may be called once.
func Init(opts Options) (*Policy, error) {
	activeMu.Lock()
	defer activeMu.Unlock()
	if active != nil {
		return active, ErrAlreadyInitialized
	}
	p, err := New(opts)
	if err != nil {
		return nil, err
	}
	active = p
	return p, nil
}

// Active returns the process-wide policy, initializing it with the hardcoded
// safe defaults when Init was never called.
func Active() *Policy {
	activeMu.Lock()
	defer activeMu.Unlock()
	if active == nil {
		opts := Options{LookupEnv: func(string) (string, bool) { return "", false }}
		opts.setDefaults()
		profile := DefaultProfile()
		active = &Policy{
			profile:   profile,
			isolation: deriveIsolation(profile, opts, ""),
			logger:    opts.Logger,
		}
	}
	return active
}
