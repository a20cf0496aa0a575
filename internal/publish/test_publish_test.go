package publish

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"appforge/internal/types"
)

func TestMemoryPublisher(t *testing.T) {
	m := NewMemory()
	files := []types.GeneratedFile{{Path: "README.md", Content: "# app", Role: types.RoleDocs}}

	url, err := m.Publish(context.Background(), "app-r1", files)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if url != "memory://app-r1" {
		t.Fatalf("unexpected url %q", url)
	}
	if len(m.Repos["app-r1"]) != 1 {
		t.Fatalf("file set not recorded: %+v", m.Repos)
	}
}

func TestGitHubPublishFlow(t *testing.T) {
	var createdRepo, createdRef bool
	var treePaths []string
	var commitMsg string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/user/repos":
			createdRepo = true
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{}`))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/git/blobs"):
			json.NewEncoder(w).Encode(map[string]string{"sha": "blobsha"})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/git/trees"):
			var body struct {
				Tree []struct {
					Path string `json:"path"`
				} `json:"tree"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			for _, e := range body.Tree {
				treePaths = append(treePaths, e.Path)
			}
			json.NewEncoder(w).Encode(map[string]string{"sha": "treesha"})
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/git/ref/heads/"):
			// Fresh repository, no ref yet.
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"Not Found"}`))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/git/commits"):
			var body struct {
				Message string `json:"message"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			commitMsg = body.Message
			json.NewEncoder(w).Encode(map[string]string{"sha": "commitsha"})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/git/refs"):
			createdRef = true
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	gh, err := NewGitHub("token", "acme")
	if err != nil {
		t.Fatalf("new github: %v", err)
	}
	gh.baseURL = srv.URL

	url, err := gh.Publish(context.Background(), "app-r1", []types.GeneratedFile{
		{Path: "app/main.py", Content: "print('hi')\n", Role: types.RoleEntrypoint},
		{Path: "README.md", Content: "# app\n", Role: types.RoleDocs},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if url != "https://github.com/acme/app-r1" {
		t.Fatalf("unexpected url %q", url)
	}
	if !createdRepo || !createdRef {
		t.Fatalf("repo=%v ref=%v", createdRepo, createdRef)
	}
	if len(treePaths) != 2 || treePaths[0] != "README.md" {
		t.Fatalf("tree should hold the sorted file paths: %v", treePaths)
	}
	if commitMsg == "" {
		t.Fatal("commit message missing")
	}
}

func TestGitHubPublishExistingRepo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/user/repos":
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"message":"name already exists"}`))
		case strings.HasSuffix(r.URL.Path, "/git/blobs"), strings.HasSuffix(r.URL.Path, "/git/trees"), strings.HasSuffix(r.URL.Path, "/git/commits"):
			json.NewEncoder(w).Encode(map[string]string{"sha": "sha"})
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/git/ref/heads/"):
			json.NewEncoder(w).Encode(map[string]any{"object": map[string]string{"sha": "parentsha"}})
		case r.Method == http.MethodPatch && strings.Contains(r.URL.Path, "/git/refs/heads/"):
			w.Write([]byte(`{}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	gh, _ := NewGitHub("token", "acme")
	gh.baseURL = srv.URL

	if _, err := gh.Publish(context.Background(), "app-r1", []types.GeneratedFile{
		{Path: "README.md", Content: "# app\n", Role: types.RoleDocs},
	}); err != nil {
		t.Fatalf("publish to existing repo: %v", err)
	}
}

func TestFetchRepoFiltersBinary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/git/trees/"):
			json.NewEncoder(w).Encode(map[string]any{
				"tree": []map[string]any{
					{"path": "app/main.py", "type": "blob", "size": 20},
					{"path": "logo.png", "type": "blob", "size": 20},
					{"path": "app", "type": "tree", "size": 0},
				},
			})
		case strings.Contains(r.URL.Path, "/contents/"):
			json.NewEncoder(w).Encode(map[string]string{
				"content":  base64.StdEncoding.EncodeToString([]byte("print('hi')\n")),
				"encoding": "base64",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	gh, _ := NewGitHub("token", "acme")
	gh.baseURL = srv.URL

	files, err := gh.FetchRepo(context.Background(), "acme", "demo", 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(files) != 1 || files[0].Path != "app/main.py" {
		t.Fatalf("expected only the python file, got %+v", files)
	}
	if files[0].Content != "print('hi')\n" {
		t.Fatalf("content mismatch: %q", files[0].Content)
	}
}
