package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"appforge/internal/embed"
	"appforge/internal/generate"
	"appforge/internal/llm"
	"appforge/internal/ratelimit"
	"appforge/internal/stackplan"
	"appforge/internal/templateindex"
	"appforge/internal/types"
	"appforge/internal/validate"
	"appforge/internal/workflow"
)

func testService(limits ratelimit.Limits) (*Service, *workflow.Engine) {
	cli := llm.NewFakeClient()
	embedder := embed.NewHashEmbedder(64)
	index := templateindex.New()
	engine := workflow.New(
		index,
		embedder,
		stackplan.New(embedder, cli),
		generate.New(cli),
		validate.New(),
		ratelimit.NewMemoryGate(ratelimit.DefaultWindow, limits),
		workflow.NewRunStore(),
	)
	return NewService(engine, index, embedder), engine
}

func doJSON(t *testing.T, mux http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func startRunBody() map[string]any {
	return map[string]any{
		"description": "a todo list app",
		"user_id":     "u1",
		"tier":        "free",
	}
}

func TestStartRunAccepted(t *testing.T) {
	svc, _ := testService(nil)
	mux := BuildMux(svc)

	rr := doJSON(t, mux, http.MethodPost, "/v1/runs", startRunBody())
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body)
	}
	var resp struct {
		RunID string `json:"run_id"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil || resp.RunID == "" {
		t.Fatalf("bad response %s (%v)", rr.Body, err)
	}
	if resp.State != string(types.StatePlanning) {
		t.Fatalf("new runs start planning, got %s", resp.State)
	}
}

func TestStartRunValidation(t *testing.T) {
	svc, _ := testService(nil)
	mux := BuildMux(svc)

	rr := doJSON(t, mux, http.MethodPost, "/v1/runs", map[string]any{"user_id": "u1"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing description should 400, got %d", rr.Code)
	}
	rr = doJSON(t, mux, http.MethodPost, "/v1/runs", map[string]any{"description": "x"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing user_id should 400, got %d", rr.Code)
	}
}

func TestStartRunQuotaExceeded(t *testing.T) {
	svc, _ := testService(ratelimit.Limits{types.TierFree: 1})
	mux := BuildMux(svc)

	if rr := doJSON(t, mux, http.MethodPost, "/v1/runs", startRunBody()); rr.Code != http.StatusAccepted {
		t.Fatalf("first request should be admitted, got %d", rr.Code)
	}
	rr := doJSON(t, mux, http.MethodPost, "/v1/runs", startRunBody())
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rr.Code, rr.Body)
	}
}

func TestRunStatusAndResult(t *testing.T) {
	svc, engine := testService(nil)
	mux := BuildMux(svc)

	rr := doJSON(t, mux, http.MethodPost, "/v1/runs", startRunBody())
	var created struct {
		RunID string `json:"run_id"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &created)

	deadline := time.Now().Add(10 * time.Second)
	for {
		run, err := engine.Status(created.RunID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if run.State.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rr = doJSON(t, mux, http.MethodGet, "/v1/runs/"+created.RunID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rr.Code)
	}

	rr = doJSON(t, mux, http.MethodGet, "/v1/runs/"+created.RunID+"/result", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("result: expected 200, got %d: %s", rr.Code, rr.Body)
	}
	var result struct {
		State types.RunState        `json:"state"`
		Files []types.GeneratedFile `json:"files"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.State != types.StateAccepted || len(result.Files) == 0 {
		t.Fatalf("expected accepted files, got %+v", result)
	}
}

func TestRunStatusUnknown(t *testing.T) {
	svc, _ := testService(nil)
	mux := BuildMux(svc)

	if rr := doJSON(t, mux, http.MethodGet, "/v1/runs/nope", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := doJSON(t, mux, http.MethodGet, "/v1/runs/nope/result", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestIngestTemplate(t *testing.T) {
	svc, _ := testService(nil)
	mux := BuildMux(svc)

	body := map[string]any{
		"id":          "blog-fastapi",
		"description": "a blog with a FastAPI backend",
		"stack_tags":  map[string]string{types.FacetBackend: "FastAPI"},
		"files":       map[string]string{"app/main.py": "print('hi')\n"},
	}
	rr := doJSON(t, mux, http.MethodPost, "/v1/templates", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body)
	}

	// Re-ingesting the same id conflicts.
	rr = doJSON(t, mux, http.MethodPost, "/v1/templates", body)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}

	rr = doJSON(t, mux, http.MethodPost, "/v1/templates", map[string]any{"id": "x"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing description should 400, got %d", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	svc, _ := testService(nil)
	mux := BuildMux(svc)
	if rr := doJSON(t, mux, http.MethodGet, "/healthz", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}
