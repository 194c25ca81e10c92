package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/httpapi"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/policy"
	"github.com/jkaninda/ngome/internal/ratelimit"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/secrets"
	"github.com/jkaninda/ngome/internal/service"
	"github.com/jkaninda/ngome/internal/signature"
	"github.com/jkaninda/ngome/internal/storage"
	"github.com/jkaninda/ngome/internal/storage/jsonfile"
	pgstore "github.com/jkaninda/ngome/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/ngome/internal/storage/sqlite"
	"github.com/jkaninda/ngome/internal/trust"
)

// SharedComponents holds every initialized subsystem the commands need.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store // Unified store (SQLite, PostgreSQL or JSON file).
	Obs    *observability.Observability

	Policy       *policy.Policy
	Signer       *signature.Signer
	Verifier     *signature.Verifier
	Scanner      *signature.Scanner
	Classifier   *trust.Classifier
	Orchestrator *sandbox.Orchestrator
	Audit        *audit.Logger // nil = auditing disabled.
	Service      *service.Service

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
	sc.cleanups = nil
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file named by NGOME_CONFIG or --config and
// applies the command line log overrides.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(goutils.Env("NGOME_CONFIG", configPath))
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, newLogger(cfg.Log), nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// initShared performs all common initialization. Callers must call
// sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, version, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Storage (unified: SQLite default, PostgreSQL or JSON file optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// Security policy.
	pol, err := initPolicy(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Policy = pol

	// Signatures and trust.
	signer, err := signature.NewSigner([]byte(cfg.SecretKey))
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing signer: %w", err)
	}
	sc.Signer = signer
	sc.Verifier = signature.NewVerifier(signer, store.Signatures(), logger)
	sc.Scanner = signature.NewScanner(signer, store.Signatures(), signature.ScannerConfig{
		ResetBeforeScan: cfg.Components.ResetBeforeScan,
		Concurrency:     cfg.Components.Concurrency,
	}, logger)

	trustCfg := trust.Config{CustomPrefixes: cfg.Trust.CustomPrefixes}
	if cfg.Trust.ManifestPath != "" {
		m, err := trust.LoadManifest(cfg.Trust.ManifestPath)
		if err != nil {
			sc.Cleanup()
			return nil, err
		}
		trustCfg.Manifest = m
	}
	sc.Classifier = trust.NewClassifier(sc.Verifier, pol, trustCfg, logger)
	logger.Debug("trust classifier initialized",
		slog.Int("manifest_entries", len(sc.Classifier.Manifest().Entries)),
		slog.Bool("lock_mode", pol.LockModeEnabled()),
	)

	// Secrets.
	resolver, secretsCleanup, err := initSecrets(ctx, cfg, store, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing secrets: %w", err)
	}
	sc.addCleanup(secretsCleanup)

	// Sandbox.
	var runner sandbox.Runner = sandbox.NewProcessRunner(logger)
	if obs != nil {
		runner = observability.NewInstrumentedRunner(runner, obs.Metrics, obs.Tracer)
	}
	sc.Orchestrator = sandbox.NewOrchestrator(pol, runner, resolver, sandbox.Config{
		NsjailPath:         cfg.Sandbox.NsjailBinary(),
		Sudo:               cfg.Sandbox.Sudo,
		TempRoot:           cfg.Sandbox.TempRoot,
		TempPrefix:         cfg.Sandbox.TempPrefix,
		ExecutorPythonPath: cfg.Sandbox.ExecutorPythonPath,
	}, logger)
	var executor sandbox.Executor = sc.Orchestrator
	if obs != nil {
		executor = observability.NewInstrumentedExecutor(executor, obs.Metrics, obs.Tracer, obs.Anomaly)
	}

	// Audit trail.
	if path := cfg.AuditLogPath(); path != "" {
		al, err := audit.NewLogger(path, store.Audit(), logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing audit log: %w", err)
		}
		sc.Audit = al
		sc.addCleanup(func() { _ = al.Close() })
	}

	sc.Service = service.New(sc.Classifier, executor, logger).
		WithVerifier(sc.Verifier, store.Signatures()).
		WithPolicy(pol).
		WithAdmission(
			ratelimit.NewLimiter(ratelimit.Config{
				RequestsPerMinute: cfg.Sandbox.RateLimit.RequestsPerMinute,
				BurstSize:         cfg.Sandbox.RateLimit.BurstSize,
			}),
			ratelimit.NewSlots(cfg.Sandbox.MaxConcurrent),
			cfg.Sandbox.WaitForSlot,
		).
		WithAudit(sc.Audit).
		WithMetrics(obs.MetricsOrNil())

	// Readiness checks.
	if obs != nil && cfg.Observability.Health != nil {
		if cfg.Observability.Health.IncludeDB {
			obs.Health.AddCheck("storage", store.Ping)
		}
		if cfg.Observability.Health.IncludeSandbox {
			obs.Health.AddCheck("nsjail", observability.ExecutableCheck(cfg.Sandbox.NsjailBinary()))
		}
	}

	return sc, nil
}

// initPolicy installs the process-wide sandbox policy and writes the
// bundled seccomp policies when they are missing.
func initPolicy(cfg *config.Config, logger *slog.Logger) (*policy.Policy, error) {
	pol, err := policy.Init(policy.Options{
		OverrideFile:   cfg.Sandbox.OverrideFile,
		PolicyDir:      cfg.Sandbox.PolicyDir,
		Hostname:       cfg.Sandbox.Hostname,
		User:           cfg.Sandbox.User,
		Group:          cfg.Sandbox.Group,
		Python:         cfg.Sandbox.Python,
		Executor:       cfg.Sandbox.Executor,
		PythonPath:     cfg.Sandbox.PythonPath,
		ReadOnlyMounts: cfg.Sandbox.ReadOnlyMounts,
		Chroot:         cfg.Sandbox.Chroot,
		Logger:         logger,
	})
	if err != nil && !errors.Is(err, policy.ErrAlreadyInitialized) {
		return nil, fmt.Errorf("initializing sandbox policy: %w", err)
	}

	if err := policy.MaterializeSeccompPolicies(cfg.Sandbox.PolicyDir); err != nil {
		// The jail fails closed without them; executions will report
		// configuration_error rather than run unfiltered.
		logger.Warn("seccomp policies not written", slog.String("error", err.Error()))
	}

	profile := pol.Profile()
	logger.Info("sandbox policy initialized",
		slog.Bool("network", profile.NetworkEnabled),
		slog.Int("timeout_s", profile.MaxExecutionTimeSeconds),
		slog.Int("memory_mb", profile.MaxMemoryMB),
		slog.Int("max_code_kb", profile.MaxCodeSizeKB),
		slog.Bool("lock_mode", pol.LockModeEnabled()),
	)
	return pol, nil
}

func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	case storage.DriverJSON:
		return jsonfile.Open(cfg.SignaturesPath(), logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := cfg.Storage.SQLite.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// initSecrets builds the resolver for secret component parameters. Variables
// come from the host database when configured, otherwise from the storage
// backend. Providers resolve credential references stored in variables.
func initSecrets(ctx context.Context, cfg *config.Config, store storage.Store, logger *slog.Logger) (*secrets.VariableResolver, func(), error) {
	var (
		variables secrets.VariableStore = store.Variables()
		providers []secrets.Provider
		cleanup   = func() {}
	)

	if cfg.Secrets != nil {
		for _, p := range cfg.Secrets.Providers {
			switch p.Type {
			case "env":
				providers = append(providers, secrets.NewEnvProvider())
			case "vault":
				vp, err := secrets.NewVaultProvider(secrets.VaultConfig{
					Address:       p.Config["address"],
					Token:         p.Config["token"],
					Namespace:     p.Config["namespace"],
					Timeout:       p.Duration("timeout_seconds"),
					CacheTTL:      p.Duration("cache_ttl_seconds"),
					TLSSkipVerify: p.Bool("tls_skip_verify"),
				})
				if err != nil {
					return nil, nil, fmt.Errorf("vault provider: %w", err)
				}
				providers = append(providers, vp)
			}
			logger.Debug("secret provider enabled", slog.String("type", p.Type))
		}

		if hv := cfg.Secrets.HostVariables; hv != nil {
			pv, err := secrets.NewPostgresVariables(ctx, secrets.PostgresVariablesConfig{
				DSN:   hv.DSN,
				Table: hv.Table,
			})
			if err != nil {
				return nil, nil, err
			}
			variables = pv
			cleanup = pv.Close
			logger.Debug("host variable table enabled", slog.String("table", hv.Table))
		}
	}

	var provider secrets.Provider
	if len(providers) > 0 {
		provider = secrets.NewCompositeProvider(providers...)
	}
	return secrets.NewVariableResolver(variables, provider, logger), cleanup, nil
}

// apiKeys merges api_key_user_mapping with NGOME_API_KEYS
// ("<sha256-hex>:<user>,..."). Plain keys are never read from config.
func apiKeys(cfg *config.Config) map[string]string {
	keys := make(map[string]string, len(cfg.Server.APIKeyUserMapping))
	for hash, user := range cfg.Server.APIKeyUserMapping {
		keys[hash] = user
	}
	if envKeys := os.Getenv("NGOME_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				keys[parts[0]] = parts[1]
			}
		}
	}
	return keys
}

// httpConfig builds the HTTP API config from cfg and the observability stack.
func httpConfig(cfg *config.Config, obs *observability.Observability) httpapi.Config {
	c := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		APIKeys:        apiKeys(cfg),
		MaxRequestSize: cfg.Server.MaxRequestSize(),
		Version:        version,
	}
	if obs != nil {
		c.Metrics = obs.Metrics
		c.HealthChecker = obs.Health
		if obs.Metrics != nil {
			c.MetricsRegistry = obs.Metrics.Registry
		}
		if obs.Tracer != nil {
			c.Tracer = obs.Tracer.Tracer()
		}
		if cfg.Observability.Metrics != nil {
			c.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		}
	}
	return c
}
