// Package service ties the trust classifier, admission control, the sandbox
// orchestrator and the audit trail into the single execution path used by
// every entry point (HTTP, WebSocket stream, MCP, CLI).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/policy"
	"github.com/jkaninda/ngome/internal/ratelimit"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/signature"
	"github.com/jkaninda/ngome/internal/trust"
)

// ErrUnavailable is returned when an optional dependency was not configured.
var ErrUnavailable = errors.New("not configured")

// Classifier decides how a component's code is executed.
type Classifier interface {
	Decide(ctx context.Context, path, code string) trust.Decision
	FlagsForPath(ctx context.Context, path, code string) trust.NodeFlags
}

// Verifier checks code against the registered signatures for a path.
type Verifier interface {
	Verify(ctx context.Context, path, code string) (bool, error)
}

// Request is one execution request.
type Request struct {
	Code          string
	ComponentPath string
	UserID        string
	FlowID        string
	Type          sandbox.ExecutionType // Default: component.
	Component     *sandbox.Component    // optional
	ExecutionID   string                // optional; generated when empty

	// OnDecision is called once the trust decision is known.
	OnDecision func(trust.Decision)
	// OnState observes sandbox state transitions.
	OnState func(sandbox.State)
}

// Outcome is the decision and, when the code was sandboxed, its result.
// Result is nil for native decisions: the host runs verified code itself.
type Outcome struct {
	Decision trust.Decision
	Result   *sandbox.ExecutionResult
}

// Service is the execution pipeline. Safe for concurrent use.
type Service struct {
	classifier Classifier
	executor   sandbox.Executor
	logger     *slog.Logger

	verifier   Verifier
	signatures signature.Store
	policy     *policy.Policy
	limiter    *ratelimit.Limiter
	slots      *ratelimit.Slots
	waitSlot   bool
	audit      *audit.Logger
	metrics    *observability.MetricsCollector
}

// New creates a Service. Everything else is attached with the With* methods.
func New(classifier Classifier, executor sandbox.Executor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{classifier: classifier, executor: executor, logger: logger}
}

// WithVerifier enables signature verification lookups.
func (s *Service) WithVerifier(v Verifier, store signature.Store) *Service {
	s.verifier = v
	s.signatures = store
	return s
}

// WithPolicy exposes the active sandbox profile.
func (s *Service) WithPolicy(p *policy.Policy) *Service {
	s.policy = p
	return s
}

// WithAdmission attaches per-user rate limiting and the concurrency cap.
// Either may be nil. When wait is set, executions queue for a free slot
// instead of failing with ratelimit.ErrBusy.
func (s *Service) WithAdmission(limiter *ratelimit.Limiter, slots *ratelimit.Slots, wait bool) *Service {
	s.limiter = limiter
	s.slots = slots
	s.waitSlot = wait
	return s
}

// WithAudit records every decision and outcome.
func (s *Service) WithAudit(l *audit.Logger) *Service {
	s.audit = l
	return s
}

// WithMetrics records trust decisions and admission rejections.
func (s *Service) WithMetrics(m *observability.MetricsCollector) *Service {
	s.metrics = m
	return s
}

// Execute classifies the code and, when the decision is to sandbox it,
// runs it through admission control and the orchestrator.
//
// A deny decision returns the Outcome together with an error wrapping
// trust.ErrLockMode. Admission failures return ratelimit.ErrRateLimited or
// ratelimit.ErrBusy. Sandbox failures are not errors: they are reported in
// Outcome.Result.
func (s *Service) Execute(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()
	decision := s.classifier.Decide(ctx, req.ComponentPath, req.Code)
	s.metrics.RecordDecision(decision.Trust.String(), string(decision.Action))
	if req.OnDecision != nil {
		req.OnDecision(decision)
	}
	out := &Outcome{Decision: decision}

	execType := req.Type
	if execType == "" {
		execType = sandbox.TypeComponent
	}
	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	event := audit.Event{
		ExecutionID:   executionID,
		ExecutionType: string(execType),
		UserID:        req.UserID,
		FlowID:        req.FlowID,
		ComponentPath: req.ComponentPath,
		Trust:         decision.Trust.String(),
		Action:        string(decision.Action),
	}

	switch decision.Action {
	case trust.ActionNative:
		event.Success = true
		s.record(ctx, event, start)
		return out, nil
	case trust.ActionDeny:
		event.ErrorCategory = "lock_mode"
		event.Error = decision.Reason
		s.metrics.RecordRejection("lock_mode")
		s.record(ctx, event, start)
		return out, decision.Err()
	}

	release, err := s.admit(ctx, req.UserID)
	if err != nil {
		event.ErrorCategory = rejectionReason(err)
		event.Error = err.Error()
		s.metrics.RecordRejection(event.ErrorCategory)
		s.record(ctx, event, start)
		return out, err
	}
	defer release()

	out.Result = s.executor.Execute(ctx, sandbox.Request{
		Code:          req.Code,
		ComponentPath: req.ComponentPath,
		Component:     req.Component,
		Context: &sandbox.ExecutionContext{
			ExecutionID:   event.ExecutionID,
			ExecutionType: execType,
			ComponentPath: req.ComponentPath,
			FlowID:        req.FlowID,
			UserID:        req.UserID,
		},
		OnState: req.OnState,
	})

	res := out.Result
	event.ExecutionID = res.ExecutionID
	event.Success = res.Success
	event.ErrorCategory = string(res.ErrorCategory)
	event.Error = res.Error
	event.ExitCode = res.ExitCode
	s.record(ctx, event, start)
	return out, nil
}

// admit applies the rate limit then acquires a concurrency slot.
func (s *Service) admit(ctx context.Context, userID string) (func(), error) {
	if err := s.limiter.Allow(userID); err != nil {
		return nil, err
	}
	return s.slots.Acquire(ctx, s.waitSlot)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ratelimit.ErrBusy):
		return "busy"
	default:
		return "cancelled"
	}
}

func (s *Service) record(ctx context.Context, e audit.Event, start time.Time) {
	if s.audit == nil {
		return
	}
	e.DurationMS = time.Since(start).Milliseconds()
	// The execution outcome must not depend on the audit sink, and the
	// caller's context may already be cancelled.
	if err := s.audit.Log(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Error("audit logging failed",
			slog.String("execution_id", e.ExecutionID),
			slog.String("error", err.Error()),
		)
	}
}

// Classify returns the trust decision and node flags without executing.
// nodeID, when set, takes precedence over path.
func (s *Service) Classify(ctx context.Context, path, nodeID, code string) (trust.Decision, trust.NodeFlags) {
	if nodeID != "" {
		path = trust.ComponentPathFromNodeID(nodeID)
	}
	d := s.classifier.Decide(ctx, path, code)
	s.metrics.RecordDecision(d.Trust.String(), string(d.Action))
	return d, s.classifier.FlagsForPath(ctx, path, code)
}

// Verify reports whether code matches any registered signature for path.
func (s *Service) Verify(ctx context.Context, path, code string) (bool, error) {
	if s.verifier == nil {
		return false, fmt.Errorf("signature verification: %w", ErrUnavailable)
	}
	return s.verifier.Verify(ctx, path, code)
}

// Signatures returns the signature history for path, oldest first. Source
// code is stripped.
func (s *Service) Signatures(ctx context.Context, path string) ([]signature.ComponentSignature, error) {
	if s.signatures == nil {
		return nil, fmt.Errorf("signature store: %w", ErrUnavailable)
	}
	sigs, err := s.signatures.ListByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	for i := range sigs {
		sigs[i].Code = ""
	}
	return sigs, nil
}

// Profile returns the active sandbox profile.
func (s *Service) Profile() (policy.SandboxProfile, error) {
	if s.policy == nil {
		return policy.SandboxProfile{}, fmt.Errorf("sandbox policy: %w", ErrUnavailable)
	}
	return s.policy.Profile(), nil
}

// AuditEvent returns the recorded audit event for an execution.
func (s *Service) AuditEvent(ctx context.Context, executionID string) (*audit.Event, error) {
	if s.audit == nil || s.audit.Store() == nil {
		return nil, fmt.Errorf("audit store: %w", ErrUnavailable)
	}
	return s.audit.Store().Get(ctx, executionID)
}
