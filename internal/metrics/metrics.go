// Package metrics holds the Prometheus collectors promobox exports.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	jenkinsRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promobox",
			Subsystem: "jenkins",
			Name:      "requests_total",
			Help:      "Requests sent to the build server by endpoint class and status code",
		},
		[]string{"endpoint", "method", "code"})
	jenkinsRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "promobox",
			Subsystem: "jenkins",
			Name:      "request_duration_seconds",
			Help:      "Latency of build server requests by endpoint class",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"})
	stageEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promobox",
			Subsystem: "pipeline",
			Name:      "stage_events_total",
			Help:      "Pipeline stage boundary events",
		},
		[]string{"pipeline", "stage", "event"})
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "promobox",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Time from stage trigger to its final observed state",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		},
		[]string{"pipeline", "stage", "event"})
	pipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promobox",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by final status",
		},
		[]string{"pipeline", "status"})
)

// Register adds every collector to registerer. Collectors that are already
// registered are left alone.
func Register(registerer prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		jenkinsRequests,
		jenkinsRequestDuration,
		stageEvents,
		stageDuration,
		pipelineRuns,
	} {
		if err := registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveStage counts a stage event. elapsed is recorded for every event
// except "started".
func ObserveStage(pipeline, stage, event string, elapsed time.Duration) {
	stageEvents.WithLabelValues(pipeline, stage, event).Inc()
	if event != "started" {
		stageDuration.WithLabelValues(pipeline, stage, event).Observe(elapsed.Seconds())
	}
}

// ObserveRun counts a finished pipeline run.
func ObserveRun(pipeline, status string) {
	pipelineRuns.WithLabelValues(pipeline, status).Inc()
}

type jenkinsRoundTripper struct {
	wrapped http.RoundTripper
}

// JenkinsTransport wraps rt (http.DefaultTransport when nil) so every
// request to the build server is counted and timed.
func JenkinsTransport(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return jenkinsRoundTripper{wrapped: rt}
}

// RoundTrip implements http.RoundTripper.
func (j jenkinsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	endpoint := EndpointClass(req.URL.Path)
	start := time.Now()
	resp, err := j.wrapped.RoundTrip(req)
	jenkinsRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	code := "error"
	if err == nil {
		code = strconv.Itoa(resp.StatusCode)
	}
	jenkinsRequests.WithLabelValues(endpoint, req.Method, code).Inc()
	return resp, err
}

// EndpointClass maps a build server path onto a small fixed label set so
// job names and build numbers never become label values.
func EndpointClass(path string) string {
	p := strings.TrimSuffix(path, "/")
	switch {
	case strings.Contains(p, "/crumbIssuer/"):
		return "crumb"
	case strings.Contains(p, "/queue/item/"):
		return "queue"
	case strings.HasSuffix(p, "/wfapi/describe"):
		return "describe"
	case strings.HasSuffix(p, "/wfapi/pendingInputActions"):
		return "pending_input"
	case strings.HasSuffix(p, "/input/api/json"):
		return "input_api"
	case strings.Contains(p, "/input/"):
		return "input_submit"
	case strings.HasSuffix(p, "/buildWithParameters"), strings.HasSuffix(p, "/build"):
		return "trigger"
	case strings.HasSuffix(p, "/api/json"):
		return "build"
	default:
		return "other"
	}
}
