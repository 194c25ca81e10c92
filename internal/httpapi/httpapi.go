// Package httpapi exposes the sandbox over HTTP.
//
// Security:
//   - API key authentication on every /v1 request (SHA-256, constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting and the concurrency cap are enforced by the service
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/protocol"
	"github.com/jkaninda/ngome/internal/ratelimit"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/service"
	"github.com/jkaninda/ngome/internal/signature"
	"github.com/jkaninda/ngome/internal/trust"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // SHA-256 hex of API key → user ID.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.
	Version        string

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API.
type Gateway struct {
	config Config
	svc    *service.Service
	logger *slog.Logger
	server *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates the HTTP API in front of svc and registers its routes.
func NewGateway(cfg Config, svc *service.Service, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	g := &Gateway{
		config: cfg,
		svc:    svc,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
	g.routes()
	return g
}

func (g *Gateway) routes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}
	g.okapi.UseMiddleware(g.limitBody)

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Classify and execute component code"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(protocol.ExecuteRequest{}),
		okapi.DocResponse(protocol.ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, protocol.ExecuteResponse{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Post("/classify", g.handleClassify,
		okapi.DocSummary("Return the trust decision for component code without executing it"),
		okapi.DocTags("Trust"),
		okapi.DocRequestBody(protocol.ClassifyRequest{}),
		okapi.DocResponse(protocol.ClassifyResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/verify", g.handleVerify,
		okapi.DocSummary("Verify code against the registered signatures"),
		okapi.DocTags("Trust"),
		okapi.DocRequestBody(protocol.VerifyRequest{}),
		okapi.DocResponse(protocol.VerifyResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/signatures/{path}", g.handleSignatures,
		okapi.DocSummary("List the signature history of a component"),
		okapi.DocTags("Trust"),
		okapi.DocPathParam("path", "string", "Component path, e.g. component.ChatInput"),
		okapi.DocResponse([]signature.ComponentSignature{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/profile", g.handleProfile,
		okapi.DocSummary("Return the active sandbox profile"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/audit/{id}", g.handleAudit,
		okapi.DocSummary("Get the audit event of an execution"),
		okapi.DocTags("Audit"),
		okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
		okapi.DocResponse(audit.Event{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// The stream authenticates during the upgrade itself.
	g.okapi.HandleStd("GET", "/v1/execute/stream", g.handleStream)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "Ngome",
			Version: g.config.Version,
		})
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Executions run up to the profile timeout plus jail start-up.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

func (g *Gateway) handleExecute(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req protocol.ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.AbortBadRequest(err.Error())
	}

	out, err := g.svc.Execute(c.Context(), serviceRequest(&req, userID))
	if err != nil {
		return g.executeError(c, out, err)
	}
	return c.OK(protocol.ExecuteResponse{Decision: out.Decision, Result: out.Result})
}

func serviceRequest(req *protocol.ExecuteRequest, userID string) service.Request {
	return service.Request{
		Code:          req.Code,
		ComponentPath: req.ComponentPath,
		UserID:        userID,
		FlowID:        req.FlowID,
		Type:          sandbox.ExecutionType(req.ExecutionType),
		Component:     req.Component(userID),
	}
}

// executeError maps service errors to HTTP responses.
func (g *Gateway) executeError(c *okapi.Context, out *service.Outcome, err error) error {
	switch {
	case errors.Is(err, trust.ErrLockMode):
		return c.JSON(http.StatusForbidden, protocol.ExecuteResponse{Decision: out.Decision})
	case errors.Is(err, ratelimit.ErrRateLimited):
		return c.AbortTooManyRequests("rate limit exceeded")
	case errors.Is(err, ratelimit.ErrBusy):
		return c.AbortServiceUnavailable("sandbox at capacity")
	default:
		g.logger.Warn("execution aborted", slog.String("error", err.Error()))
		return c.AbortServiceUnavailable("execution aborted")
	}
}

func (g *Gateway) handleClassify(c *okapi.Context) error {
	var req protocol.ClassifyRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ComponentPath == "" && req.NodeID == "" {
		return c.AbortBadRequest("component_path or node_id is required")
	}

	d, flags := g.svc.Classify(c.Context(), req.ComponentPath, req.NodeID, req.Code)
	return c.OK(protocol.ClassifyResponse{Decision: d, Flags: flags})
}

func (g *Gateway) handleVerify(c *okapi.Context) error {
	var req protocol.VerifyRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ComponentPath == "" {
		return c.AbortBadRequest(protocol.ErrPathRequired.Error())
	}

	ok, err := g.svc.Verify(c.Context(), req.ComponentPath, req.Code)
	if err != nil {
		return g.lookupError(c, err, "verification failed")
	}
	return c.OK(protocol.VerifyResponse{ComponentPath: req.ComponentPath, Verified: ok})
}

func (g *Gateway) handleSignatures(c *okapi.Context) error {
	sigs, err := g.svc.Signatures(c.Context(), c.Param("path"))
	if err != nil {
		return g.lookupError(c, err, "listing signatures failed")
	}
	if len(sigs) == 0 {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "no signatures for component"})
	}
	return c.OK(sigs)
}

func (g *Gateway) handleProfile(c *okapi.Context) error {
	p, err := g.svc.Profile()
	if err != nil {
		return c.AbortServiceUnavailable("sandbox policy not configured")
	}
	return c.OK(p)
}

func (g *Gateway) handleAudit(c *okapi.Context) error {
	e, err := g.svc.AuditEvent(c.Context(), c.Param("id"))
	if err != nil {
		return g.lookupError(c, err, "audit lookup failed")
	}
	return c.OK(e)
}

// lookupError maps read-side errors to HTTP responses.
func (g *Gateway) lookupError(c *okapi.Context, err error, msg string) error {
	switch {
	case errors.Is(err, service.ErrUnavailable):
		return c.AbortServiceUnavailable(err.Error())
	case errors.Is(err, audit.ErrNotFound), errors.Is(err, signature.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": err.Error()})
	default:
		g.logger.Error(msg, slog.String("error", err.Error()))
		return c.AbortInternalServerError(msg)
	}
}

// HealthResponse is the JSON response for the liveness endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness handles GET /healthz (unauthenticated liveness probe).
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness handles GET /readyz (unauthenticated readiness probe).
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped user ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		userID, ok := g.userFor(c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// userFor resolves a "Bearer <key>" header to a user ID. Every configured
// key is compared so the lookup time does not depend on which one matches.
func (g *Gateway) userFor(header string) (string, bool) {
	apiKey, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || apiKey == "" {
		return "", false
	}
	presented := HashKey(apiKey)

	userID := ""
	for hash, user := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(strings.ToLower(hash))) == 1 {
			userID = user
		}
	}
	return userID, userID != ""
}

// HashKey returns the SHA-256 hex digest stored in api_key_user_mapping.
func HashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// limitBody caps request bodies at MaxRequestSize.
func (g *Gateway) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, g.config.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}
