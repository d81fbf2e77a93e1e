package pipeline

import (
	"log/slog"
	"time"

	"promobox/internal/jenkins"
	"promobox/internal/metrics"
)

// EventKind names a stage boundary.
type EventKind string

const (
	EventStageStarted          EventKind = "stage_started"
	EventStageFinished         EventKind = "stage_finished"
	EventStageAwaitingApproval EventKind = "stage_awaiting_approval"
	EventStageTimedOut         EventKind = "stage_timed_out"
	EventStageFailed           EventKind = "stage_failed"
)

// Event is emitted at every stage boundary.
type Event struct {
	Kind     EventKind
	RunID    string
	Pipeline Name
	Stage    string
	Job      string
	BuildURL string
	Phase    jenkins.BuildPhase
	Elapsed  time.Duration
	Err      error
}

// Observer receives stage events. Implementations must not block.
type Observer interface {
	Observe(Event)
}

// Observers fans an event out to several observers.
type Observers []Observer

func (obs Observers) Observe(e Event) {
	for _, o := range obs {
		o.Observe(e)
	}
}

// LogObserver writes one structured log record per event.
type LogObserver struct {
	Logger *slog.Logger
}

func (l LogObserver) Observe(e Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []any{
		"run_id", e.RunID,
		"pipeline", e.Pipeline,
		"stage", e.Stage,
		"job", e.Job,
	}
	if e.BuildURL != "" {
		attrs = append(attrs, "build_url", e.BuildURL)
	}
	if e.Phase != "" {
		attrs = append(attrs, "phase", e.Phase)
	}
	if e.Kind != EventStageStarted {
		attrs = append(attrs, "duration_ms", e.Elapsed.Milliseconds())
	}

	switch e.Kind {
	case EventStageFailed, EventStageTimedOut:
		if e.Err != nil {
			attrs = append(attrs, "error", e.Err)
		}
		logger.Error(string(e.Kind), attrs...)
	case EventStageFinished:
		if e.Phase != jenkins.PhaseSuccess {
			logger.Warn(string(e.Kind), attrs...)
			return
		}
		logger.Info(string(e.Kind), attrs...)
	default:
		logger.Info(string(e.Kind), attrs...)
	}
}

// MetricsObserver counts stage events in Prometheus.
type MetricsObserver struct{}

func (MetricsObserver) Observe(e Event) {
	metrics.ObserveStage(string(e.Pipeline), e.Stage, string(e.Kind), e.Elapsed)
}
