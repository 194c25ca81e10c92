// Package config handles loading and validating ngome configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/ngome/internal/storage"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for ngome.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`     // Persistent data directory. Default: ~/.ngome/data. Override: NGOME_DATA_DIR env var.
	SecretKey     string               `json:"secret_key,omitempty" yaml:"secret_key,omitempty"` // Host authentication secret, used as the signing key. Override: NGOME_SECRET_KEY.
	Log           LogConfig            `json:"log" yaml:"log"`
	Storage       storage.Config       `json:"storage" yaml:"storage"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Trust         TrustConfig          `json:"trust" yaml:"trust"`
	Components    ComponentsConfig     `json:"components" yaml:"components"`
	Server        ServerConfig         `json:"server" yaml:"server"`
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = env-only secrets
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = maintenance jobs disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info (default), warn, error
	Format string `json:"format" yaml:"format"` // json (default) or text
}

// SandboxConfig configures the jail and the orchestrator around it.
type SandboxConfig struct {
	NsjailPath string `json:"nsjail_path,omitempty" yaml:"nsjail_path,omitempty"` // Default: /usr/local/bin/nsjail. Override: NGOME_NSJAIL_PATH.
	Sudo       bool   `json:"sudo" yaml:"sudo"`                                   // Run nsjail through sudo.

	PolicyDir    string `json:"policy_dir,omitempty" yaml:"policy_dir,omitempty"`       // Seccomp policy directory.
	OverrideFile string `json:"override_file,omitempty" yaml:"override_file,omitempty"` // Local profile override (JSON, comments allowed).

	Hostname           string   `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	User               string   `json:"user,omitempty" yaml:"user,omitempty"`
	Group              string   `json:"group,omitempty" yaml:"group,omitempty"`
	Python             string   `json:"python,omitempty" yaml:"python,omitempty"`
	Executor           string   `json:"executor,omitempty" yaml:"executor,omitempty"`
	PythonPath         string   `json:"python_path,omitempty" yaml:"python_path,omitempty"`
	ExecutorPythonPath []string `json:"executor_python_path,omitempty" yaml:"executor_python_path,omitempty"`
	ReadOnlyMounts     []string `json:"read_only_mounts,omitempty" yaml:"read_only_mounts,omitempty"`
	Chroot             string   `json:"chroot,omitempty" yaml:"chroot,omitempty"`

	TempRoot   string `json:"temp_root,omitempty" yaml:"temp_root,omitempty"`
	TempPrefix string `json:"temp_prefix,omitempty" yaml:"temp_prefix,omitempty"`

	MaxConcurrent int             `json:"max_concurrent" yaml:"max_concurrent"` // 0 = unlimited
	WaitForSlot   bool            `json:"wait_for_slot" yaml:"wait_for_slot"`   // Queue instead of failing fast when at capacity.
	RateLimit     RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// NsjailBinary returns the isolation binary path.
func (s SandboxConfig) NsjailBinary() string {
	if s.NsjailPath != "" {
		return s.NsjailPath
	}
	return "/usr/local/bin/nsjail"
}

// RateLimitConfig limits sandboxed executions per user.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // Default: requests_per_minute
}

// TrustConfig configures the trust classifier.
type TrustConfig struct {
	ManifestPath   string   `json:"manifest_path,omitempty" yaml:"manifest_path,omitempty"`     // Default: embedded manifest.
	CustomPrefixes []string `json:"custom_prefixes,omitempty" yaml:"custom_prefixes,omitempty"` // Default: custom_components, component.Custom
}

// ComponentsConfig configures the shipped component tree that is signed at startup.
type ComponentsConfig struct {
	Path            string `json:"path,omitempty" yaml:"path,omitempty"` // Override: NGOME_COMPONENTS_PATH.
	ScanOnStart     bool   `json:"scan_on_start" yaml:"scan_on_start"`
	ResetBeforeScan bool   `json:"reset_before_scan" yaml:"reset_before_scan"` // Override: SANDBOX_RESET_SIGNATURES=true.
	Concurrency     int    `json:"concurrency" yaml:"concurrency"`             // Parallel file parsing. Default: GOMAXPROCS.
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080". Override: NGOME_LISTEN_ADDR.
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1MB
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"`     // SHA-256 hex of API key → user ID.
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// MaxRequestSize returns the request body limit in bytes.
func (s ServerConfig) MaxRequestSize() int64 {
	if s.MaxRequestSizeBytes > 0 {
		return s.MaxRequestSizeBytes
	}
	return 1 << 20
}

// AuditConfig configures the execution audit trail.
type AuditConfig struct {
	Path     string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/audit.jsonl
	Disabled bool   `json:"disabled" yaml:"disabled"`
}

// SecretsConfig configures credential providers and the host variable table.
type SecretsConfig struct {
	Providers     []SecretProviderConfig `json:"providers" yaml:"providers"`                                 // Tried in order.
	HostVariables *HostVariablesConfig   `json:"host_variables,omitempty" yaml:"host_variables,omitempty"` // nil = use the storage backend's variables
}

// SecretProviderConfig configures one credential backend.
type SecretProviderConfig struct {
	Type   string            `json:"type" yaml:"type"`                         // "env" or "vault".
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"` // Backend-specific configuration.
}

// Duration reads a seconds value from Config. Missing or invalid → 0.
func (p SecretProviderConfig) Duration(key string) time.Duration {
	n, err := strconv.Atoi(p.Config[key])
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// Bool reads a boolean from Config.
func (p SecretProviderConfig) Bool(key string) bool {
	b, _ := strconv.ParseBool(p.Config[key])
	return b
}

// HostVariablesConfig points at an existing host application's variable table.
type HostVariablesConfig struct {
	DSN   string `json:"dsn" yaml:"dsn"`
	Table string `json:"table,omitempty" yaml:"table,omitempty"` // Default: "variable"
}

// SchedulerConfig configures periodic maintenance.
type SchedulerConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	SweepSchedule  string `json:"sweep_schedule,omitempty" yaml:"sweep_schedule,omitempty"`   // Cron expression. Default: every 10 minutes.
	MaxAgeMinutes  int    `json:"max_age_minutes" yaml:"max_age_minutes"`                     // Temp dirs older than this are orphans. Default: 60
	RescanSchedule string `json:"rescan_schedule,omitempty" yaml:"rescan_schedule,omitempty"` // Empty = no periodic rescan.
}

// MaxAge returns the orphan threshold for temp directories.
func (s *SchedulerConfig) MaxAge() time.Duration {
	if s != nil && s.MaxAgeMinutes > 0 {
		return time.Duration(s.MaxAgeMinutes) * time.Minute
	}
	return time.Hour
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// Each sub-config is optional (nil = disabled).
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path.
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "ngome"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"` // nsjail binary present
}

// AnomalyConfig configures per-component failure rate detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failures
	MinSamples         int     `json:"min_samples" yaml:"min_samples"`                   // Default: 10
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the config path used when none is given.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/ngome.yaml"
	}
	return filepath.Join(home, ".ngome", "config.yaml")
}

// Load reads the configuration from a JSON or YAML file (by extension),
// applies environment overrides and validates the result. An empty path, or
// the default path when it does not exist, yields defaults plus environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		switch {
		case err == nil:
			if err := unmarshal(resolved, data, &cfg); err != nil {
				return nil, err
			}
		case os.IsNotExist(err) && path == DefaultConfigPath():
		default:
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv applies environment overrides. Env vars take precedence over config values.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	env := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	if v := env("NGOME_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := env("NGOME_SECRET_KEY"); v != "" {
		c.SecretKey = v
	}
	if v := env("NGOME_DB_DSN"); v != "" {
		c.Storage.Postgres.DSN = v
		if c.Storage.Driver == "" {
			c.Storage.Driver = storage.DriverPostgres
		}
	}
	if v := env("NGOME_COMPONENTS_PATH"); v != "" {
		c.Components.Path = v
	}
	if v := env("NGOME_NSJAIL_PATH"); v != "" {
		c.Sandbox.NsjailPath = v
	}
	if v := env("NGOME_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := env("NGOME_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if strings.EqualFold(env("SANDBOX_RESET_SIGNATURES"), "true") {
		c.Components.ResetBeforeScan = true
	}
}

func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory with ~ expanded.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".ngome", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database file path.
func (c *Config) DatabasePath() string {
	if c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "ngome.db")
}

// SignaturesPath returns the flat-file signature store path.
func (c *Config) SignaturesPath() string {
	if c.Storage.JSON.Path != "" {
		return c.Storage.JSON.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "signatures.json")
}

// AuditLogPath returns the JSONL audit path, or "" when auditing is disabled.
func (c *Config) AuditLogPath() string {
	if c.Audit.Disabled {
		return ""
	}
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the configured storage driver, defaulting to sqlite.
func (c *Config) StorageDriverName() string {
	if c.Storage.Driver != "" {
		return c.Storage.Driver
	}
	return storage.DefaultDriver
}

func (c *Config) validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("secret_key is required (set NGOME_SECRET_KEY env var)")
	}
	switch c.StorageDriverName() {
	case storage.DriverSQLite, storage.DriverJSON:
	case storage.DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set NGOME_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres, or json)", c.Storage.Driver)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not supported (use debug, info, warn, or error)", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format %q is not supported (use json or text)", c.Log.Format)
	}
	if c.Sandbox.MaxConcurrent < 0 {
		return fmt.Errorf("sandbox.max_concurrent must not be negative")
	}
	if c.Sandbox.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("sandbox.rate_limit.requests_per_minute must not be negative")
	}
	if c.Sandbox.RateLimit.BurstSize < 0 {
		return fmt.Errorf("sandbox.rate_limit.burst_size must not be negative")
	}
	if c.Components.Concurrency < 0 {
		return fmt.Errorf("components.concurrency must not be negative")
	}
	if c.Components.ScanOnStart && c.Components.Path == "" {
		return fmt.Errorf("components.path is required when scan_on_start is set (set NGOME_COMPONENTS_PATH env var)")
	}
	if c.Secrets != nil {
		for i, p := range c.Secrets.Providers {
			switch p.Type {
			case "env":
			case "vault":
			default:
				return fmt.Errorf("secrets.providers[%d].type %q is not supported (use env or vault)", i, p.Type)
			}
		}
		if c.Secrets.HostVariables != nil && c.Secrets.HostVariables.DSN == "" {
			return fmt.Errorf("secrets.host_variables.dsn is required")
		}
	}
	if c.Scheduler != nil && c.Scheduler.Enabled {
		if c.Scheduler.MaxAgeMinutes < 0 {
			return fmt.Errorf("scheduler.max_age_minutes must not be negative")
		}
		if c.Scheduler.RescanSchedule != "" && c.Components.Path == "" {
			return fmt.Errorf("scheduler.rescan_schedule requires components.path")
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		t := c.Observability.Tracing
		switch t.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	if c.Observability != nil && c.Observability.Anomaly != nil && c.Observability.Anomaly.Enabled {
		a := c.Observability.Anomaly
		if a.ErrorRateThreshold <= 0 || a.ErrorRateThreshold > 1 {
			return fmt.Errorf("observability.anomaly.error_rate_threshold must be in (0, 1]")
		}
	}
	return nil
}
