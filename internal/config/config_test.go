package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "ngome.yaml", `
secret_key: s3cret
data_dir: /var/lib/ngome
storage:
  driver: json
sandbox:
  max_concurrent: 4
  rate_limit:
    requests_per_minute: 30
components:
  path: /srv/components
  scan_on_start: true
scheduler:
  enabled: true
  max_age_minutes: 5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StorageDriverName() != "json" {
		t.Errorf("driver = %q, want json", cfg.StorageDriverName())
	}
	if cfg.Sandbox.MaxConcurrent != 4 || cfg.Sandbox.RateLimit.RequestsPerMinute != 30 {
		t.Errorf("sandbox = %+v", cfg.Sandbox)
	}
	if got := cfg.SignaturesPath(); got != "/var/lib/ngome/signatures.json" {
		t.Errorf("SignaturesPath = %q", got)
	}
	if got := cfg.Scheduler.MaxAge(); got != 5*time.Minute {
		t.Errorf("MaxAge = %v, want 5m", got)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "ngome.json", `{"secret_key": "k", "server": {"listen_addr": ":9000"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr() != ":9000" {
		t.Errorf("Addr = %q, want :9000", cfg.Server.Addr())
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("driver = %q, want sqlite default", cfg.StorageDriverName())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("NGOME_SECRET_KEY", "from-env")
	t.Setenv("NGOME_DATA_DIR", "/data")
	t.Setenv("NGOME_DB_DSN", "postgres://localhost/ngome")
	t.Setenv("NGOME_NSJAIL_PATH", "/opt/nsjail")
	t.Setenv("NGOME_COMPONENTS_PATH", "/srv/components")
	t.Setenv("SANDBOX_RESET_SIGNATURES", "true")

	path := writeConfig(t, "ngome.yaml", "secret_key: from-file\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SecretKey != "from-env" {
		t.Errorf("SecretKey = %q, want env value", cfg.SecretKey)
	}
	if cfg.StorageDriverName() != "postgres" {
		t.Errorf("driver = %q, want postgres when only a DSN is set", cfg.StorageDriverName())
	}
	if cfg.Sandbox.NsjailBinary() != "/opt/nsjail" {
		t.Errorf("NsjailBinary = %q", cfg.Sandbox.NsjailBinary())
	}
	if cfg.DatabasePath() != "/data/ngome.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath())
	}
	if !cfg.Components.ResetBeforeScan || cfg.Components.Path != "/srv/components" {
		t.Errorf("components = %+v", cfg.Components)
	}
}

func TestLoad_EmptyPathUsesEnv(t *testing.T) {
	t.Setenv("NGOME_SECRET_KEY", "k")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.NsjailBinary() != "/usr/local/bin/nsjail" {
		t.Errorf("NsjailBinary = %q", cfg.Sandbox.NsjailBinary())
	}
	if cfg.Server.MaxRequestSize() != 1<<20 {
		t.Errorf("MaxRequestSize = %d", cfg.Server.MaxRequestSize())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("NGOME_SECRET_KEY", "k")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"no secret key", "log: {level: info}", "secret_key is required"},
		{"bad driver", "secret_key: k\nstorage: {driver: mongo}", `storage.driver "mongo"`},
		{"postgres without dsn", "secret_key: k\nstorage: {driver: postgres}", "storage.postgres.dsn"},
		{"negative slots", "secret_key: k\nsandbox: {max_concurrent: -1}", "sandbox.max_concurrent"},
		{"bad log level", "secret_key: k\nlog: {level: loud}", "log.level"},
		{"scan without path", "secret_key: k\ncomponents: {scan_on_start: true}", "components.path"},
		{"bad provider", "secret_key: k\nsecrets: {providers: [{type: aws}]}", "secrets.providers[0]"},
		{"rescan without path", "secret_key: k\nscheduler: {enabled: true, rescan_schedule: '@hourly'}", "rescan_schedule"},
		{"bad tracing protocol", "secret_key: k\nobservability: {tracing: {enabled: true, protocol: udp}}", "tracing.protocol"},
		{"bad anomaly threshold", "secret_key: k\nobservability: {anomaly: {enabled: true, error_rate_threshold: 2}}", "error_rate_threshold"},
		{"valid", "secret_key: k", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("NGOME_SECRET_KEY", "")
			t.Setenv("NGOME_DB_DSN", "")
			t.Setenv("NGOME_COMPONENTS_PATH", "")
			_, err := Load(writeConfig(t, "c.yaml", tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Load: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestAuditLogPath(t *testing.T) {
	cfg := &Config{DataDir: "/d"}
	if got := cfg.AuditLogPath(); got != "/d/audit.jsonl" {
		t.Errorf("AuditLogPath = %q", got)
	}
	cfg.Audit.Disabled = true
	if got := cfg.AuditLogPath(); got != "" {
		t.Errorf("AuditLogPath = %q, want empty when disabled", got)
	}
}

func TestSecretProviderConfig_Values(t *testing.T) {
	p := SecretProviderConfig{Type: "vault", Config: map[string]string{
		"timeout_seconds": "3", "tls_skip_verify": "true", "cache_ttl_seconds": "nope",
	}}
	if got := p.Duration("timeout_seconds"); got != 3*time.Second {
		t.Errorf("Duration = %v, want 3s", got)
	}
	if got := p.Duration("cache_ttl_seconds"); got != 0 {
		t.Errorf("Duration(invalid) = %v, want 0", got)
	}
	if !p.Bool("tls_skip_verify") {
		t.Error("Bool = false, want true")
	}
}
