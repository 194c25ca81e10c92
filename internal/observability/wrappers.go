package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/sandbox"
)

// --- InstrumentedExecutor ---

// InstrumentedExecutor wraps a sandbox.Executor with metrics, tracing, and anomaly detection.
type InstrumentedExecutor struct {
	inner   sandbox.Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedExecutor wraps an executor with observability.
func NewInstrumentedExecutor(inner sandbox.Executor, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, req sandbox.Request) *sandbox.ExecutionResult {
	execType := string(sandbox.TypeComponent)
	if req.Context != nil && req.Context.ExecutionType != "" {
		execType = string(req.Context.ExecutionType)
	}

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.type", execType),
				attribute.String("sandbox.component", req.ComponentPath),
				attribute.Int("sandbox.code_bytes", len(req.Code)),
			))
		defer span.End()

		// Surface state transitions as span events without replacing the
		// caller's observer.
		observer := req.OnState
		req.OnState = func(s sandbox.State) {
			span.AddEvent("state", trace.WithAttributes(attribute.String("sandbox.state", string(s))))
			if observer != nil {
				observer(s)
			}
		}
	}

	if e.metrics != nil {
		e.metrics.ActiveExecutions.Inc()
		defer e.metrics.ActiveExecutions.Dec()
	}

	start := time.Now()
	result := e.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	category := "none"
	if !result.Success {
		category = string(result.ErrorCategory)
	}

	if span != nil {
		span.SetAttributes(
			attribute.String("sandbox.execution_id", result.ExecutionID),
			attribute.String("sandbox.category", category),
		)
		if result.ExitCode != nil {
			span.SetAttributes(attribute.Int("sandbox.exit_code", *result.ExitCode))
		}
		if !result.Success {
			span.SetStatus(codes.Error, result.Error)
		}
	}

	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(execType, category).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(execType).Observe(duration)
		if result.ErrorCategory == sandbox.CategoryCodeSize {
			e.metrics.CodeSizeRejections.Inc()
		}
	}

	if e.anomaly != nil {
		if result.Success {
			e.anomaly.RecordSuccess(req.ComponentPath)
		} else if !sandbox.IsCancelled(result) {
			e.anomaly.RecordFailure(req.ComponentPath, category)
		}
	}

	return result
}

// --- InstrumentedRunner ---

// InstrumentedRunner wraps a sandbox.Runner with metrics and tracing around
// each jail process.
type InstrumentedRunner struct {
	inner   sandbox.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedRunner wraps a runner with observability.
func NewInstrumentedRunner(inner sandbox.Runner, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{inner: inner, metrics: metrics, tracer: tracer}
}

func (r *InstrumentedRunner) Run(ctx context.Context, req sandbox.RunRequest) (*sandbox.RunOutput, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "jail.run",
			trace.WithAttributes(
				attribute.String("jail.path", req.Path),
				attribute.Int("jail.stdin_bytes", len(req.Stdin)),
			))
		defer span.End()

		onStart := req.OnStart
		req.OnStart = func(pid int) {
			span.SetAttributes(attribute.Int("jail.pid", pid))
			if onStart != nil {
				onStart(pid)
			}
		}
	}

	out, err := r.inner.Run(ctx, req)

	status := runStatus(out, err)
	if r.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.String("jail.status", status))
		if out != nil {
			span.SetAttributes(attribute.Int("jail.exit_code", out.ExitCode))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if r.metrics != nil {
		r.metrics.RunsTotal.WithLabelValues(status).Inc()
		if out != nil {
			r.metrics.RunDuration.Observe(out.Duration.Seconds())
		}
	}
	return out, err
}

func runStatus(out *sandbox.RunOutput, err error) string {
	switch {
	case err != nil || out == nil:
		return "error"
	case out.TimedOut:
		return "timeout"
	case out.ExitCode != 0:
		return "nonzero_exit"
	default:
		return "ok"
	}
}

// --- Compile-time interface checks ---

var (
	_ sandbox.Executor = (*InstrumentedExecutor)(nil)
	_ sandbox.Runner   = (*InstrumentedRunner)(nil)
)
