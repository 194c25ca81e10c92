package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/ngome/internal/config"
)

const (
	defaultAnomalyWindow     = 300 * time.Second
	defaultAnomalyMinSamples = 10
)

// AnomalyDetector tracks per-component sandbox failure rates in sliding
// windows and warns when a component starts failing far more than usual,
// which usually means a policy change or a broken dependency in the jail.
type AnomalyDetector struct {
	mu        sync.Mutex
	failures  map[string]*slidingWindow
	successes map[string]*slidingWindow
	flagged   map[string]bool
	cfg       *config.AnomalyConfig
	logger    *slog.Logger
	now       func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		failures:  make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		flagged:   make(map[string]bool),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	if a.cfg.WindowSeconds > 0 {
		return time.Duration(a.cfg.WindowSeconds) * time.Second
	}
	return defaultAnomalyWindow
}

func (a *AnomalyDetector) minSamples() float64 {
	if a.cfg.MinSamples > 0 {
		return float64(a.cfg.MinSamples)
	}
	return defaultAnomalyMinSamples
}

// RecordFailure records a failed execution of component.
func (a *AnomalyDetector) RecordFailure(component, category string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.failures, component).add(a.now(), 1)
	a.checkFailureRate(component, category)
}

// RecordSuccess records a successful execution of component.
func (a *AnomalyDetector) RecordSuccess(component string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.successes, component).add(a.now(), 1)
	if a.flagged[component] && a.rate(component) <= a.cfg.ErrorRateThreshold {
		delete(a.flagged, component)
		if a.logger != nil {
			a.logger.Info("component failure rate recovered", slog.String("component", component))
		}
	}
}

// Anomalous reports whether component is currently above the threshold.
func (a *AnomalyDetector) Anomalous(component string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flagged[component]
}

// checkFailureRate flags component when its failure rate exceeds the
// threshold. Must be called with a.mu held.
func (a *AnomalyDetector) checkFailureRate(component, category string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}

	failures := a.window(a.failures, component).sum(a.now())
	total := failures + a.window(a.successes, component).sum(a.now())
	if total < a.minSamples() {
		return // Not enough data.
	}

	rate := failures / total
	if rate <= threshold || a.flagged[component] {
		return
	}
	a.flagged[component] = true
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high sandbox failure rate",
			slog.String("component", component),
			slog.String("last_category", category),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("failures", failures),
			slog.Float64("total", total),
		)
	}
}

// rate returns the current failure rate. Must be called with a.mu held.
func (a *AnomalyDetector) rate(component string) float64 {
	failures := a.window(a.failures, component).sum(a.now())
	total := failures + a.window(a.successes, component).sum(a.now())
	if total == 0 {
		return 0
	}
	return failures / total
}

func (a *AnomalyDetector) window(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
