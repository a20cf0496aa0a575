// Package handler exposes the run engine and template index over a JSON
// HTTP API.
package handler

import (
	"encoding/json"
	"log"
	"net/http"

	"appforge/internal/embed"
	"appforge/internal/templateindex"
	"appforge/internal/workflow"
)

// Service implements all gateway HTTP endpoints. It holds the engine and the
// template index as its dependencies.
type Service struct {
	engine   *workflow.Engine
	index    *templateindex.Index
	embedder embed.Embedder
}

// NewService creates a gateway service backed by the given engine.
func NewService(engine *workflow.Engine, index *templateindex.Index, embedder embed.Embedder) *Service {
	return &Service{engine: engine, index: index, embedder: embedder}
}

// BuildMux registers all endpoints on a new ServeMux.
func BuildMux(s *Service) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs", s.HandleStartRun)
	mux.HandleFunc("GET /v1/runs/{id}", s.HandleRunStatus)
	mux.HandleFunc("GET /v1/runs/{id}/result", s.HandleRunResult)
	mux.HandleFunc("GET /v1/runs/{id}/watch", s.HandleWatchRun)
	mux.HandleFunc("DELETE /v1/runs/{id}", s.HandleCancelRun)
	mux.HandleFunc("POST /v1/templates", s.HandleIngestTemplate)
	mux.HandleFunc("GET /healthz", s.HandleHealth)
	return mux
}

func (s *Service) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 4<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("gateway: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
