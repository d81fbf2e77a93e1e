package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"promobox/internal/config"
	"promobox/internal/credentials"
	"promobox/internal/history"
	"promobox/internal/jenkins"
	"promobox/internal/n8n"
	"promobox/internal/pipeline"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// HTTP server timeouts. Pipeline requests block until the run pauses or
	// ends, so writes get the longest job budget plus headroom.
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 60 * time.Minute
	HTTPIdleTimeout  = 60 * time.Second

	// Request timeout for the query routes
	RequestTimeout = 60 * time.Second

	// Default per-IP rate limiting, requests per second
	DefaultRateLimit = 10
	DefaultRateBurst = 20
)

// Pipelines runs promotion pipelines.
type Pipelines interface {
	Trigger(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error)
}

// BuildSystem is the part of the Jenkins client the handlers use directly.
type BuildSystem interface {
	SameHost(rawURL string) bool
	GetBuildState(ctx context.Context, buildURL string) (jenkins.BuildState, error)
	SubmitInput(ctx context.Context, actionURL string) error
}

// Ledger is the history store.
type Ledger interface {
	Record(ctx context.Context, e history.Entry) (int64, error)
	LatestByEntity(ctx context.Context, entityType history.EntityType, ids []string, action string) (map[string]history.Entry, error)
	Recent(ctx context.Context, entityType history.EntityType, entityID string, limit int) ([]history.Entry, error)
	Summary(ctx context.Context, days int, statusFilter string) (history.Summary, error)
}

// WorkflowLister lists development workflows.
type WorkflowLister interface {
	ListWorkflows(ctx context.Context) ([]n8n.Workflow, error)
}

// CredentialStore reads credential metadata and readiness.
type CredentialStore interface {
	List(ctx context.Context, q string) ([]credentials.Credential, error)
	Counts(ctx context.Context) (credentials.Counts, error)
}

// Server represents the HTTP server
type Server struct {
	Pipelines   Pipelines
	Jenkins     BuildSystem
	History     Ledger
	Workflows   WorkflowLister  // optional
	Credentials CredentialStore // optional
	Registry    *config.Registry
	Metrics     http.Handler // optional, mounted at /metrics
	Logger      *slog.Logger
	RateLimit   float64
	RateBurst   int
	TestMode    bool
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				s.Logger.Info("http_request",
					"request_id", middleware.GetReqID(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration_ms", time.Since(start).Milliseconds())
			}()

			next.ServeHTTP(ww, r)
		})
	})

	// Rate limiting middleware (only if not in test mode)
	if !s.TestMode {
		limit, burst := s.RateLimit, s.RateBurst
		if limit <= 0 {
			limit = DefaultRateLimit
		}
		if burst <= 0 {
			burst = DefaultRateBurst
		}
		r.Use(NewRateLimitMiddleware(limit, burst, s.Logger))
	}

	r.Get("/health", s.HandleHealth)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		// Query routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(RequestTimeout))

			r.Get("/pipelines", s.HandleListPipelines)
			r.Get("/workflows", s.HandleListWorkflows)
			r.Get("/credentials", s.HandleListCredentials)
			r.Get("/jenkins/build-status", s.HandleBuildStatus)
			r.Post("/jenkins/approval", s.HandleApproval)
			r.Get("/dashboard/summary", s.HandleDashboardSummary)
			r.Get("/history/latest", s.HandleLatestHistory)
			r.Get("/history/{entityType}/{entityID}", s.HandleRecentHistory)
		})

		// Pipeline routes run until the pipeline pauses or ends.
		r.Post("/pipelines/{name}", s.HandleTriggerPipeline)
		r.Post("/workflows/{id}/push", s.workflowPipeline(pipeline.FullPromotion))
		r.Post("/workflows/{id}/push-git", s.workflowPipeline(pipeline.PushToGit))
		r.Post("/workflows/{id}/deploy-git", s.workflowPipeline(pipeline.DeployFromGit))
		r.Post("/workflows/{id}/pull", s.workflowPipeline(pipeline.PullFromGit))
		r.Post("/credentials/promote", s.HandlePromoteCredentials)
	})

	return r
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.Logger.Info("Starting server", "addr", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.Logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
