package publish

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"appforge/internal/types"
)

// GitHub publishes file sets to the GitHub REST API v3 using the git data
// flow: blobs, then a tree, then a commit, then the branch ref.
type GitHub struct {
	http    *http.Client
	token   string
	owner   string
	baseURL string
	branch  string
	private bool
}

// NewGitHub creates a publisher for the given owner. An empty token falls
// back to the GITHUB_TOKEN env var.
func NewGitHub(token, owner string) (*GitHub, error) {
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("publish: github token not configured")
	}
	if owner == "" {
		return nil, fmt.Errorf("publish: github owner not configured")
	}
	return &GitHub{
		http:    &http.Client{Timeout: 60 * time.Second},
		token:   token,
		owner:   owner,
		baseURL: "https://api.github.com",
		branch:  "main",
		private: true,
	}, nil
}

// Publish creates the repository if needed and pushes all files as a single
// commit on the default branch.
func (g *GitHub) Publish(ctx context.Context, name string, files []types.GeneratedFile) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("publish: no files for %s", name)
	}
	if err := g.ensureRepo(ctx, name); err != nil {
		return "", err
	}

	// Blobs can be created in any order; keep it deterministic anyway.
	sorted := append([]types.GeneratedFile(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	entries := make([]treeEntry, 0, len(sorted))
	for _, f := range sorted {
		sha, err := g.createBlob(ctx, name, f.Content)
		if err != nil {
			return "", fmt.Errorf("publish: blob %s: %w", f.Path, err)
		}
		entries = append(entries, treeEntry{Path: f.Path, Mode: "100644", Type: "blob", SHA: sha})
	}

	treeSHA, err := g.createTree(ctx, name, entries)
	if err != nil {
		return "", err
	}

	parent, _ := g.refSHA(ctx, name) // empty on a fresh repo
	commitSHA, err := g.createCommit(ctx, name, treeSHA, parent)
	if err != nil {
		return "", err
	}
	if err := g.setRef(ctx, name, commitSHA, parent == ""); err != nil {
		return "", err
	}
	return fmt.Sprintf("https://github.com/%s/%s", g.owner, name), nil
}

// RepoFile is one file fetched from a remote repository during template
// ingestion.
type RepoFile struct {
	Path    string
	Content string
}

// FetchRepo downloads the text files of a repository's default branch, up to
// maxFiles entries. Binary blobs and oversized files are skipped.
func (g *GitHub) FetchRepo(ctx context.Context, owner, repo string, maxFiles int) ([]RepoFile, error) {
	if maxFiles <= 0 {
		maxFiles = 50
	}
	var tree struct {
		Tree []struct {
			Path string `json:"path"`
			Type string `json:"type"`
			Size int    `json:"size"`
		} `json:"tree"`
	}
	url := fmt.Sprintf("%s/repos/%s/%s/git/trees/HEAD?recursive=1", g.baseURL, owner, repo)
	if err := g.do(ctx, http.MethodGet, url, nil, &tree); err != nil {
		return nil, fmt.Errorf("publish: fetch tree %s/%s: %w", owner, repo, err)
	}

	const maxBlob = 200 << 10
	var out []RepoFile
	for _, e := range tree.Tree {
		if len(out) >= maxFiles {
			break
		}
		if e.Type != "blob" || e.Size > maxBlob || !textPath(e.Path) {
			continue
		}
		var blob struct {
			Content  string `json:"content"`
			Encoding string `json:"encoding"`
		}
		url := fmt.Sprintf("%s/repos/%s/%s/contents/%s", g.baseURL, owner, repo, e.Path)
		if err := g.do(ctx, http.MethodGet, url, nil, &blob); err != nil {
			continue
		}
		if blob.Encoding != "base64" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(blob.Content, "\n", ""))
		if err != nil {
			continue
		}
		out = append(out, RepoFile{Path: e.Path, Content: string(raw)})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("publish: no readable files in %s/%s", owner, repo)
	}
	return out, nil
}

var textExts = map[string]bool{
	".py": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".go": true, ".json": true, ".yml": true, ".yaml": true, ".toml": true,
	".md": true, ".txt": true, ".html": true, ".css": true, ".sql": true,
	".env": true, ".sh": true,
}

func textPath(path string) bool {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return strings.HasSuffix(path, "Dockerfile") || strings.HasSuffix(path, "Makefile")
	}
	return textExts[path[i:]]
}

// ----------------------------------------------------------------------
// git data plumbing
// ----------------------------------------------------------------------

type treeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
}

func (g *GitHub) ensureRepo(ctx context.Context, name string) error {
	body := map[string]any{"name": name, "private": g.private, "auto_init": false}
	err := g.do(ctx, http.MethodPost, g.baseURL+"/user/repos", body, nil)
	if err == nil {
		return nil
	}
	// 422 means the repository already exists; publishing appends a commit.
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusUnprocessableEntity {
		return nil
	}
	return fmt.Errorf("publish: create repo %s: %w", name, err)
}

func (g *GitHub) createBlob(ctx context.Context, repo, content string) (string, error) {
	body := map[string]string{
		"content":  base64.StdEncoding.EncodeToString([]byte(content)),
		"encoding": "base64",
	}
	var out struct {
		SHA string `json:"sha"`
	}
	url := fmt.Sprintf("%s/repos/%s/%s/git/blobs", g.baseURL, g.owner, repo)
	if err := g.do(ctx, http.MethodPost, url, body, &out); err != nil {
		return "", err
	}
	return out.SHA, nil
}

func (g *GitHub) createTree(ctx context.Context, repo string, entries []treeEntry) (string, error) {
	var out struct {
		SHA string `json:"sha"`
	}
	url := fmt.Sprintf("%s/repos/%s/%s/git/trees", g.baseURL, g.owner, repo)
	if err := g.do(ctx, http.MethodPost, url, map[string]any{"tree": entries}, &out); err != nil {
		return "", fmt.Errorf("publish: create tree: %w", err)
	}
	return out.SHA, nil
}

func (g *GitHub) refSHA(ctx context.Context, repo string) (string, error) {
	var out struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	url := fmt.Sprintf("%s/repos/%s/%s/git/ref/heads/%s", g.baseURL, g.owner, repo, g.branch)
	if err := g.do(ctx, http.MethodGet, url, nil, &out); err != nil {
		return "", err
	}
	return out.Object.SHA, nil
}

func (g *GitHub) createCommit(ctx context.Context, repo, treeSHA, parent string) (string, error) {
	body := map[string]any{
		"message": "Generated application files",
		"tree":    treeSHA,
	}
	if parent != "" {
		body["parents"] = []string{parent}
	}
	var out struct {
		SHA string `json:"sha"`
	}
	url := fmt.Sprintf("%s/repos/%s/%s/git/commits", g.baseURL, g.owner, repo)
	if err := g.do(ctx, http.MethodPost, url, body, &out); err != nil {
		return "", fmt.Errorf("publish: create commit: %w", err)
	}
	return out.SHA, nil
}

func (g *GitHub) setRef(ctx context.Context, repo, commitSHA string, create bool) error {
	var err error
	if create {
		body := map[string]any{"ref": "refs/heads/" + g.branch, "sha": commitSHA}
		url := fmt.Sprintf("%s/repos/%s/%s/git/refs", g.baseURL, g.owner, repo)
		err = g.do(ctx, http.MethodPost, url, body, nil)
	} else {
		body := map[string]any{"sha": commitSHA, "force": false}
		url := fmt.Sprintf("%s/repos/%s/%s/git/refs/heads/%s", g.baseURL, g.owner, repo, g.branch)
		err = g.do(ctx, http.MethodPatch, url, body, nil)
	}
	if err != nil {
		return fmt.Errorf("publish: update ref: %w", err)
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("github: status %d: %s", e.code, e.body)
}

func (g *GitHub) do(ctx context.Context, method, url string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+g.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		const max = 1024
		if len(raw) > max {
			raw = raw[:max]
		}
		return &statusError{code: resp.StatusCode, body: string(raw)}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
