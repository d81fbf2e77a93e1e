package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"promobox/internal/history"
	"promobox/internal/n8n"
	"promobox/internal/pipeline"

	"github.com/go-chi/chi/v5"
)

const MaxPayloadBytes = 1_000_000 // 1 MB

type triggerBody struct {
	EntityID      string            `json:"entityId"`
	EntityName    string            `json:"entityName"`
	CredentialIDs []string          `json:"credentialIds"`
	Params        map[string]string `json:"params"`
}

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{"status": "ok"}
	if s.Registry != nil {
		names := make([]pipeline.Name, 0, s.Registry.Count())
		for _, p := range s.Registry.List() {
			names = append(names, p.Name)
		}
		response["pipelines"] = names
		response["pipeline_count"] = s.Registry.Count()
	}

	s.respondJSON(w, http.StatusOK, response)
}

// HandleListPipelines describes every pipeline and its jobs.
func (s *Server) HandleListPipelines(w http.ResponseWriter, r *http.Request) {
	if s.Registry == nil {
		s.respondJSON(w, http.StatusOK, []any{})
		return
	}
	s.respondJSON(w, http.StatusOK, s.Registry.List())
}

// HandleTriggerPipeline runs the pipeline named in the path.
func (s *Server) HandleTriggerPipeline(w http.ResponseWriter, r *http.Request) {
	name, err := pipeline.ParseName(chi.URLParam(r, "name"))
	if err != nil {
		s.respondJSON(w, http.StatusNotFound, errorBody("Unknown pipeline"))
		return
	}

	var body triggerBody
	if !s.decodeJSON(w, r, &body) {
		return
	}

	s.runPipeline(w, r, pipeline.Request{
		Pipeline:      name,
		EntityID:      body.EntityID,
		EntityName:    body.EntityName,
		CredentialIDs: body.CredentialIDs,
		Params:        body.Params,
	})
}

// workflowPipeline runs name for the workflow in the path.
func (s *Server) workflowPipeline(name pipeline.Name) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body triggerBody
		if !s.decodeJSON(w, r, &body) {
			return
		}

		s.runPipeline(w, r, pipeline.Request{
			Pipeline:   name,
			EntityID:   chi.URLParam(r, "id"),
			EntityName: body.EntityName,
			Params:     body.Params,
		})
	}
}

// HandlePromoteCredentials promotes the credential ids in the body.
func (s *Server) HandlePromoteCredentials(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs    []string          `json:"ids"`
		Params map[string]string `json:"params"`
	}
	if !s.decodeJSON(w, r, &body) {
		return
	}
	if len(body.IDs) == 0 {
		s.respondJSON(w, http.StatusBadRequest, errorBody("ids must be a non-empty array"))
		return
	}

	s.runPipeline(w, r, pipeline.Request{
		Pipeline:      pipeline.PromoteCredentials,
		CredentialIDs: body.IDs,
		Params:        body.Params,
	})
}

// runPipeline runs req to completion and maps the outcome to a response.
// The run is detached from the request so a disconnecting client cannot
// leave a RUNNING row behind.
func (s *Server) runPipeline(w http.ResponseWriter, r *http.Request, req pipeline.Request) {
	out, err := s.Pipelines.Trigger(context.WithoutCancel(r.Context()), req)
	switch {
	case errors.Is(err, pipeline.ErrInvalidRequest):
		s.respondJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	case errors.Is(err, pipeline.ErrBusy):
		s.Logger.Warn("Pipeline already in progress, rejecting", "pipeline", req.Pipeline, "entity", req.EntityID)
		s.respondJSON(w, http.StatusConflict, errorBody("A pipeline is already running for this entity"))
		return
	case errors.Is(err, n8n.ErrNotFound):
		s.respondJSON(w, http.StatusNotFound, errorBody("Workflow not found"))
		return
	case err != nil:
		s.Logger.Error("Pipeline error", "pipeline", req.Pipeline, "entity", req.EntityID, "error", err)
		s.respondJSON(w, http.StatusInternalServerError, errorBody("Internal error"))
		return
	}

	if out.Status == history.StatusFailed {
		s.respondJSON(w, http.StatusInternalServerError, out)
		return
	}
	s.respondJSON(w, http.StatusOK, out)
}

// decodeJSON reads an optional JSON body into v. It answers 400 and returns
// false when the body is malformed.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, errorBody("Payload too large"))
		return false
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, MaxPayloadBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.respondJSON(w, http.StatusBadRequest, errorBody("Invalid JSON payload"))
		return false
	}
	return true
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	if err := writeJSON(w, statusCode, data); err != nil {
		s.Logger.Error("Failed to encode JSON response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}
