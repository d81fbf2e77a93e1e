package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"promobox/internal/credentials"
	"promobox/internal/history"
	"promobox/internal/jenkins"
	"promobox/internal/security"

	"github.com/go-chi/chi/v5"
)

// workflowView is a development workflow with its latest production push.
type workflowView struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Active    bool           `json:"active"`
	CreatedAt string         `json:"createdAt,omitempty"`
	UpdatedAt string         `json:"updatedAt,omitempty"`
	LastPush  *history.Entry `json:"lastPush,omitempty"`
}

// HandleListWorkflows lists development workflows.
func (s *Server) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	if s.Workflows == nil {
		s.respondJSON(w, http.StatusServiceUnavailable, errorBody("Workflow engine not configured"))
		return
	}

	workflows, err := s.Workflows.ListWorkflows(r.Context())
	if err != nil {
		s.Logger.Error("Failed to list workflows", "error", err)
		s.respondJSON(w, http.StatusBadGateway, errorBody("Failed to list workflows"))
		return
	}

	ids := make([]string, len(workflows))
	for i, wf := range workflows {
		ids[i] = wf.ID
	}
	latest, err := s.History.LatestByEntity(r.Context(), history.EntityWorkflow, ids, history.ActionPushToProd)
	if err != nil {
		s.Logger.Error("Failed to load workflow history", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, errorBody("Failed to load history"))
		return
	}

	views := make([]workflowView, len(workflows))
	for i, wf := range workflows {
		views[i] = workflowView{
			ID:        wf.ID,
			Name:      wf.Name,
			Active:    wf.Active,
			CreatedAt: wf.CreatedAt,
			UpdatedAt: wf.UpdatedAt,
		}
		if e, ok := latest[wf.ID]; ok {
			views[i].LastPush = &e
		}
	}
	s.respondJSON(w, http.StatusOK, views)
}

// HandleListCredentials lists development credentials, filtered by ?q.
func (s *Server) HandleListCredentials(w http.ResponseWriter, r *http.Request) {
	if s.Credentials == nil {
		s.respondJSON(w, http.StatusServiceUnavailable, errorBody("Credential databases not configured"))
		return
	}

	creds, err := s.Credentials.List(r.Context(), strings.TrimSpace(r.URL.Query().Get("q")))
	if errors.Is(err, credentials.ErrNoDevDatabase) {
		s.respondJSON(w, http.StatusServiceUnavailable, errorBody("Development database not configured"))
		return
	}
	if err != nil {
		s.Logger.Error("Failed to list credentials", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, errorBody("Failed to list credentials"))
		return
	}
	s.respondJSON(w, http.StatusOK, creds)
}

// HandleBuildStatus reports the state of a build. When the query names an
// entity and action and the build has finished, the result is recorded.
func (s *Server) HandleBuildStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	buildURL := strings.TrimSpace(q.Get("buildUrl"))
	if buildURL == "" {
		s.respondJSON(w, http.StatusBadRequest, errorBody("buildUrl is required"))
		return
	}
	if !s.Jenkins.SameHost(buildURL) {
		s.respondJSON(w, http.StatusBadRequest, errorBody("buildUrl not allowed"))
		return
	}
	if !strings.HasSuffix(buildURL, "/") {
		buildURL += "/"
	}

	state, err := s.Jenkins.GetBuildState(r.Context(), buildURL)
	if err != nil {
		s.Logger.Error("Failed to get build state", "build_url", buildURL, "error", err)
		s.respondJSON(w, http.StatusBadGateway, errorBody("Failed to get build state"))
		return
	}

	if err := s.syncHistory(r, state, buildURL); err != nil {
		s.Logger.Error("Failed to record build result", "build_url", buildURL, "error", err)
	}
	s.respondJSON(w, http.StatusOK, state)
}

// syncHistory records a terminal build result for the entity named in the
// query. Running and paused builds were recorded when they were triggered.
func (s *Server) syncHistory(r *http.Request, state jenkins.BuildState, buildURL string) error {
	q := r.URL.Query()
	entityType, err := history.ParseEntityType(strings.TrimSpace(q.Get("entityType")))
	entityID := strings.TrimSpace(q.Get("entityId"))
	action := strings.TrimSpace(q.Get("action"))
	if err != nil || entityID == "" || action == "" || !state.Phase.Terminal() {
		return nil
	}

	status, details := history.StatusSuccess, action+" success"
	if !state.Succeeded() {
		status, details = history.StatusFailed, action+" failed: "+state.Result
	}

	metadata := map[string]any{
		"source":     "build-status-poller",
		"buildState": state,
	}
	if entityType == history.EntityCredential {
		ids, err := security.ParseIDList(q.Get("ids"))
		if err != nil || len(ids) == 0 {
			ids = []string{entityID}
		}
		metadata["ids"] = ids
	}

	_, err = s.History.Record(r.Context(), history.Entry{
		EntityType: entityType,
		EntityID:   entityID,
		EntityName: strings.TrimSpace(q.Get("entityName")),
		Action:     action,
		Status:     status,
		BuildURL:   buildURL,
		Details:    details,
		Metadata:   metadata,
	})
	return err
}

// HandleApproval submits a proceed or abort action for a paused build.
func (s *Server) HandleApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if !s.decodeJSON(w, r, &body) {
		return
	}
	body.URL = strings.TrimSpace(body.URL)
	if body.URL == "" {
		s.respondJSON(w, http.StatusBadRequest, errorBody("url is required"))
		return
	}
	if !s.Jenkins.SameHost(body.URL) {
		s.respondJSON(w, http.StatusBadRequest, errorBody("url not allowed"))
		return
	}

	if err := s.Jenkins.SubmitInput(r.Context(), body.URL); err != nil {
		s.Logger.Error("Failed to submit approval", "url", body.URL, "error", err)
		s.respondJSON(w, http.StatusBadGateway, errorBody("Failed to submit approval"))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type kpis struct {
	TotalWorkflows             int `json:"totalWorkflows"`
	ActiveWorkflows            int `json:"activeWorkflows"`
	TotalCredentials           int `json:"totalCredentials"`
	CredentialsInProduction    int `json:"credentialsInProduction"`
	CredentialsNotInProduction int `json:"credentialsNotInProduction"`
}

type readiness struct {
	Percentage   int `json:"percentage"`
	InProduction int `json:"inProduction"`
	Total        int `json:"total"`
}

// HandleDashboardSummary combines workflow and credential KPIs with the
// history summary for ?days and ?healthStatus.
func (s *Server) HandleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days := history.DefaultSummaryDays
	if raw := q.Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondJSON(w, http.StatusBadRequest, errorBody("days must be a positive integer"))
			return
		}
		days = n
	}

	summary, err := s.History.Summary(r.Context(), days, q.Get("healthStatus"))
	if err != nil {
		var pe *history.PersistenceError
		if errors.As(err, &pe) {
			s.Logger.Error("Failed to summarise history", "error", err)
			s.respondJSON(w, http.StatusInternalServerError, errorBody("Failed to load history"))
			return
		}
		s.respondJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	var k kpis
	if s.Workflows != nil {
		workflows, err := s.Workflows.ListWorkflows(r.Context())
		if err != nil {
			s.Logger.Error("Failed to list workflows", "error", err)
			s.respondJSON(w, http.StatusBadGateway, errorBody("Failed to list workflows"))
			return
		}
		k.TotalWorkflows = len(workflows)
		for _, wf := range workflows {
			if wf.Active {
				k.ActiveWorkflows++
			}
		}
	}

	var counts credentials.Counts
	if s.Credentials != nil {
		counts, err = s.Credentials.Counts(r.Context())
		if err != nil && !errors.Is(err, credentials.ErrNoDevDatabase) {
			s.Logger.Error("Failed to count credentials", "error", err)
			s.respondJSON(w, http.StatusInternalServerError, errorBody("Failed to count credentials"))
			return
		}
	}
	k.TotalCredentials = counts.Total
	k.CredentialsInProduction = counts.InProduction
	k.CredentialsNotInProduction = counts.Total - counts.InProduction

	s.respondJSON(w, http.StatusOK, map[string]any{
		"kpi": k,
		"deploymentHealth": map[string]any{
			"days":   summary.Days,
			"filter": summary.Filter,
			"counts": summary.Health,
		},
		"approvals": summary.Approvals,
		"credentialReadiness": readiness{
			Percentage:   counts.Percentage(),
			InProduction: counts.InProduction,
			Total:        counts.Total,
		},
		"recentActivity": summary.Activity,
	})
}

// HandleLatestHistory returns the newest row per id for ?entityType, ?ids
// and an optional ?action.
func (s *Server) HandleLatestHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entityType, err := history.ParseEntityType(q.Get("entityType"))
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody("entityType must be WORKFLOW or CREDENTIAL"))
		return
	}
	ids, err := security.ParseIDList(q.Get("ids"))
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	latest, err := s.History.LatestByEntity(r.Context(), entityType, ids, strings.TrimSpace(q.Get("action")))
	if err != nil {
		s.Logger.Error("Failed to load latest history", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, errorBody("Failed to load history"))
		return
	}
	s.respondJSON(w, http.StatusOK, latest)
}

// HandleRecentHistory returns the newest rows for one entity.
func (s *Server) HandleRecentHistory(w http.ResponseWriter, r *http.Request) {
	entityType, err := history.ParseEntityType(chi.URLParam(r, "entityType"))
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody("entityType must be WORKFLOW or CREDENTIAL"))
		return
	}
	entityID := chi.URLParam(r, "entityID")
	if err := security.ValidateEntityID(entityID); err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > history.MaxRecentLimit {
			s.respondJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("limit must be between 1 and %d", history.MaxRecentLimit)))
			return
		}
	}

	entries, err := s.History.Recent(r.Context(), entityType, entityID, limit)
	if err != nil {
		s.Logger.Error("Failed to load history", "error", err, "entity", entityID)
		s.respondJSON(w, http.StatusInternalServerError, errorBody("Failed to load history"))
		return
	}
	s.respondJSON(w, http.StatusOK, entries)
}
