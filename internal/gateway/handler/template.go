package handler

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"appforge/internal/templateindex"
	"appforge/internal/types"
)

type ingestTemplateRequest struct {
	ID          string            `json:"id,omitempty"`
	Description string            `json:"description"`
	StackTags   map[string]string `json:"stack_tags"`
	Manifest    []string          `json:"manifest,omitempty"`
	Files       map[string]string `json:"files,omitempty"`
	SourceURL   string            `json:"source_url,omitempty"`
}

// HandleIngestTemplate embeds and stores one approved template.
func (s *Service) HandleIngestTemplate(w http.ResponseWriter, r *http.Request) {
	var req ingestTemplateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}
	if s.embedder == nil {
		writeError(w, http.StatusServiceUnavailable, "no embedder configured")
		return
	}

	vec, err := s.embedder.Embed(r.Context(), embedText(req.Description, req.StackTags))
	if err != nil {
		log.Printf("gateway: embed template: %v", err)
		writeError(w, http.StatusBadGateway, "embedding failed")
		return
	}

	rec := types.TemplateRecord{
		ID:          strings.TrimSpace(req.ID),
		Embedding:   vec,
		Description: req.Description,
		StackTags:   req.StackTags,
		Manifest:    req.Manifest,
		Files:       req.Files,
		SourceURL:   req.SourceURL,
		ApprovedAt:  time.Now().UTC(),
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if len(rec.Manifest) == 0 && len(rec.Files) > 0 {
		for p := range rec.Files {
			rec.Manifest = append(rec.Manifest, p)
		}
	}

	if err := s.index.Ingest(r.Context(), rec); err != nil {
		if errors.Is(err, templateindex.ErrDuplicateID) {
			writeError(w, http.StatusConflict, "template id already exists")
			return
		}
		log.Printf("gateway: ingest template: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to store template")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": rec.ID})
}

// embedText folds the stack tags into the embedded text so retrieval sees
// the stack, not just the prose.
func embedText(description string, tags map[string]string) string {
	var sb strings.Builder
	sb.WriteString(description)
	for _, facet := range []string{types.FacetBackend, types.FacetFrontend, types.FacetDatabase, types.FacetStyling} {
		if v := tags[facet]; v != "" {
			sb.WriteString("\n")
			sb.WriteString(facet)
			sb.WriteString(": ")
			sb.WriteString(v)
		}
	}
	return sb.String()
}
