package handler

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"appforge/internal/types"
	"appforge/internal/workflow"
)

type startRunRequest struct {
	Description string            `json:"description"`
	StackHints  map[string]string `json:"stack_hints,omitempty"`
	UserID      string            `json:"user_id"`
	SessionID   string            `json:"session_id,omitempty"`
	Tier        string            `json:"tier"`
}

type startRunResponse struct {
	RunID string `json:"run_id"`
	State string `json:"state"`
}

// HandleStartRun admits a new generation request. A quota rejection returns
// 429 without creating a run.
func (s *Service) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	tier := types.Tier(strings.ToLower(strings.TrimSpace(req.Tier)))
	if tier != types.TierPro {
		tier = types.TierFree
	}
	intent := types.Intent{
		Description: req.Description,
		StackHints:  req.StackHints,
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		Tier:        tier,
		CreatedAt:   time.Now().UTC(),
	}

	runID, err := s.engine.StartRun(r.Context(), intent)
	if err != nil {
		if errors.Is(err, workflow.ErrQuotaExceeded) {
			writeError(w, http.StatusTooManyRequests, "tier quota exceeded")
			return
		}
		log.Printf("gateway: start run: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	writeJSON(w, http.StatusAccepted, startRunResponse{RunID: runID, State: string(types.StatePlanning)})
}

type runStatusResponse struct {
	RunID     string            `json:"run_id"`
	State     types.RunState    `json:"state"`
	Iteration int               `json:"iteration"`
	Reason    types.AbortReason `json:"reason,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Plan      *types.StackPlan  `json:"plan,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (s *Service) HandleRunStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, runStatusResponse{
		RunID:     run.ID,
		State:     run.State,
		Iteration: run.Iteration,
		Reason:    run.Reason,
		Detail:    run.Detail,
		Plan:      run.Plan,
		UpdatedAt: run.UpdatedAt,
	})
}

type runResultResponse struct {
	RunID     string                  `json:"run_id"`
	State     types.RunState          `json:"state"`
	Iteration int                     `json:"iteration"`
	Reason    types.AbortReason       `json:"reason,omitempty"`
	Detail    string                  `json:"detail,omitempty"`
	Plan      *types.StackPlan        `json:"plan,omitempty"`
	Files     []types.GeneratedFile   `json:"files,omitempty"`
	Report    *types.ValidationReport `json:"report,omitempty"`
}

// HandleRunResult returns the terminal outcome: files for an accepted run,
// reason plus last report for an aborted one. 409 while still in progress.
func (s *Service) HandleRunResult(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Result(r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, workflow.ErrRunNotFound):
			writeError(w, http.StatusNotFound, "run not found")
		case errors.Is(err, workflow.ErrRunInProgress):
			writeError(w, http.StatusConflict, "run still in progress")
		default:
			writeError(w, http.StatusInternalServerError, "failed to load result")
		}
		return
	}
	resp := runResultResponse{
		RunID:     run.ID,
		State:     run.State,
		Iteration: run.Iteration,
		Reason:    run.Reason,
		Detail:    run.Detail,
		Plan:      run.Plan,
		Report:    run.Report,
	}
	if run.State == types.StateAccepted {
		resp.Files = run.Files
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.engine.Status(runID); err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.engine.Cancel(runID)
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "state": "canceling"})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser origin checks happen at the CORS layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleWatchRun streams state transitions over a websocket until the run
// reaches a terminal state or the client goes away.
func (s *Service) HandleWatchRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	events, stop, err := s.engine.Subscribe(runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	defer stop()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: watch upgrade %s: %v", runID, err)
		return
	}
	defer conn.Close()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.State.Terminal() {
				return
			}
		}
	}
}
