// Package generate produces the ordered file set for a stack plan. File
// generation is DAG-scheduled: files with dependency edges wait for their
// dependencies, independent files fan out across chunks. A repair pass
// regenerates only the failing subset and carries passing files over
// byte-identical.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"appforge/internal/llm"
	"appforge/internal/scheduler"
	"appforge/internal/types"
)

// ErrTimeout means the completion call exceeded its per-call deadline even
// after local retries; the run cannot proceed with a missing file.
var ErrTimeout = errors.New("generate: generation timed out")

// ErrUpstream means the completion service failed after local retries.
var ErrUpstream = errors.New("generate: upstream model error")

const (
	defaultCallTimeout = 90 * time.Second
	defaultChunkCap    = 8
	defaultParallel    = 3
	exemplarExcerptMax = 2000
	localRetryAttempts = 2
	localRetryBackoff  = 500 * time.Millisecond
)

type Generator struct {
	LLM         llm.Client
	CallTimeout time.Duration
	ChunkCap    int
	Parallel    int
}

func New(cli llm.Client) *Generator {
	return &Generator{LLM: cli}
}

// Generate produces files for the target roles from the user brief and the
// stack plan. On the first pass targets is the full topology and prior is
// empty. On a repair pass, prior carries the previous iteration's files and
// feedback names the failing ones; only failing roles are regenerated, the
// rest are reused untouched.
func (g *Generator) Generate(
	ctx context.Context,
	brief string,
	plan types.StackPlan,
	exemplars []types.TemplateRecord,
	targets []types.FileRole,
	prior []types.GeneratedFile,
	feedback *types.ValidationReport,
) ([]types.GeneratedFile, error) {
	if g.LLM == nil {
		return nil, fmt.Errorf("%w: no completion client configured", ErrUpstream)
	}
	if len(targets) == 0 {
		return append([]types.GeneratedFile(nil), prior...), nil
	}

	adj, roleIdx := adjacency()
	targetSet := make(map[int]struct{}, len(roleOrder))
	regen := make(map[types.FileRole]bool, len(targets))
	for _, r := range targets {
		i, ok := roleIdx[r]
		if !ok {
			return nil, fmt.Errorf("generate: unknown file role %q", r)
		}
		targetSet[i] = struct{}{}
		regen[r] = true
	}
	// Dependencies of a regenerated file must be present for context, but a
	// passing dependency is carried over, not regenerated.
	priorByRole := make(map[types.FileRole]types.GeneratedFile, len(prior))
	for _, f := range prior {
		priorByRole[f.Role] = f
	}

	cli := llm.Wrap(g.LLM, llm.Retry(localRetryAttempts, localRetryBackoff))

	var (
		mu                sync.Mutex
		done              = make(map[types.FileRole]types.GeneratedFile, len(roleOrder))
		runErr            error
		cancelCtx, cancel = context.WithCancel(ctx)
	)
	defer cancel()

	weight := func(nodeID int) int {
		role := roleOrder[nodeID]
		if !regen[role] {
			if _, ok := priorByRole[role]; ok {
				return 1 // carry-over costs nothing
			}
		}
		return 2 + len(exemplarExcerpts(role, exemplars))
	}

	run := func(chunkCtx context.Context, chunk []int) (<-chan struct{}, error) {
		ch := make(chan struct{})
		go func() {
			defer close(ch)
			// Chunks preserve packing order, so a dependency chained into
			// the same chunk completes before its dependent.
			for _, nodeID := range chunk {
				role := roleOrder[nodeID]

				mu.Lock()
				if runErr != nil {
					mu.Unlock()
					return
				}
				contextFiles := snapshotFiles(done)
				mu.Unlock()

				file, err := g.buildFile(chunkCtx, cli, brief, plan, role, exemplars, contextFiles, priorByRole, regen, feedback)
				mu.Lock()
				if err != nil {
					if runErr == nil {
						runErr = err
						cancel()
					}
					mu.Unlock()
					return
				}
				done[role] = file
				mu.Unlock()
			}
		}()
		return ch, nil
	}

	err := scheduler.Run(cancelCtx, scheduler.Params{
		Adj:         adj,
		WeightOf:    weight,
		Targets:     targetSet,
		CapPerChunk: g.chunkCap(),
		NParallel:   g.parallel(),
		Run:         run,
	})

	mu.Lock()
	defer mu.Unlock()
	if runErr != nil {
		return nil, runErr
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	// Assemble: everything regenerated or carried this call, plus prior
	// files not touched by the topology walk (e.g. docs during a schema-only
	// repair).
	out := make([]types.GeneratedFile, 0, len(roleOrder))
	for _, role := range roleOrder {
		if f, ok := done[role]; ok {
			out = append(out, f)
			continue
		}
		if f, ok := priorByRole[role]; ok {
			out = append(out, f)
		}
	}

	// Paths must be unique across the run. A model that reuses another
	// role's path gets the conventional path for its role instead; if that
	// is taken too, the reply is unusable.
	seen := make(map[string]types.FileRole, len(out))
	for i := range out {
		f := &out[i]
		if _, dup := seen[f.Path]; !dup {
			seen[f.Path] = f.Role
			continue
		}
		fallback := SuggestedPath(f.Role, plan)
		if _, taken := seen[fallback]; taken || fallback == f.Path {
			return nil, fmt.Errorf("%w: roles %s and %s both produced %s",
				ErrUpstream, seen[f.Path], f.Role, f.Path)
		}
		f.Path = fallback
		seen[fallback] = f.Role
	}
	return out, nil
}

// buildFile generates (or carries over) the file for one role.
func (g *Generator) buildFile(
	ctx context.Context,
	cli llm.Client,
	brief string,
	plan types.StackPlan,
	role types.FileRole,
	exemplars []types.TemplateRecord,
	contextFiles []types.GeneratedFile,
	priorByRole map[types.FileRole]types.GeneratedFile,
	regen map[types.FileRole]bool,
	feedback *types.ValidationReport,
) (types.GeneratedFile, error) {
	if !regen[role] {
		if f, ok := priorByRole[role]; ok {
			return f, nil
		}
	}

	input := map[string]any{
		"role":           string(role),
		"suggested_path": SuggestedPath(role, plan),
		"stack":          plan,
		"requirements":   brief,
		"pass":           passLabel(feedback, priorByRole, role),
		"exemplars":      exemplarExcerpts(role, exemplars),
		"prior_files":    fileExcerpts(contextFiles),
	}
	if feedback != nil {
		if f, ok := priorByRole[role]; ok {
			input["failing_content"] = f.Content
			input["diagnostics"] = feedback.DiagnosticsFor(f.Path)
		}
	}

	// Cancellation stops the scheduler from launching new chunks; a call
	// already in flight runs to completion or its own deadline.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.callTimeout())
	defer cancel()
	raw, err := cli.GenerateJSON(callCtx, filePrompt, input)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return types.GeneratedFile{}, fmt.Errorf("%w: role %s: %v", ErrTimeout, role, err)
		}
		return types.GeneratedFile{}, fmt.Errorf("%w: role %s: %v", ErrUpstream, role, err)
	}

	var out struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return types.GeneratedFile{}, fmt.Errorf("%w: role %s: %v", ErrUpstream, role, err)
	}
	path := strings.TrimSpace(out.Path)
	if path == "" {
		path = SuggestedPath(role, plan)
	}
	if strings.TrimSpace(out.Content) == "" {
		return types.GeneratedFile{}, fmt.Errorf("%w: role %s returned empty content", ErrUpstream, role)
	}

	attempt := 1
	if prev, ok := priorByRole[role]; ok {
		attempt = prev.Attempt + 1
		// Keep the path stable across repair iterations so diagnostics keep
		// pointing at the same file.
		path = prev.Path
	}
	return types.GeneratedFile{Path: path, Content: out.Content, Role: role, Attempt: attempt}, nil
}

const filePrompt = `You are an expert full-stack developer generating one source file
of a new application. Respect the chosen stack, the exemplar excerpts, and the
files already generated; reference their symbols and routes consistently.
When diagnostics are provided, fix every listed problem in the failing content.

Return STRICT JSON ONLY:
{"path":"string","content":"string"}`

func passLabel(feedback *types.ValidationReport, priorByRole map[types.FileRole]types.GeneratedFile, role types.FileRole) string {
	if feedback == nil {
		return "initial generation pass"
	}
	if f, ok := priorByRole[role]; ok {
		return fmt.Sprintf("repair pass for %s: resolve the attached diagnostics", f.Path)
	}
	return "repair pass"
}

func snapshotFiles(done map[types.FileRole]types.GeneratedFile) []types.GeneratedFile {
	out := make([]types.GeneratedFile, 0, len(done))
	for _, role := range roleOrder {
		if f, ok := done[role]; ok {
			out = append(out, f)
		}
	}
	return out
}

type excerpt struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func fileExcerpts(files []types.GeneratedFile) []excerpt {
	out := make([]excerpt, 0, len(files))
	for _, f := range files {
		out = append(out, excerpt{Path: f.Path, Content: clip(f.Content)})
	}
	return out
}

// exemplarExcerpts picks, per exemplar, the file that best matches the role
// by path shape. Whole repositories never go into a prompt.
func exemplarExcerpts(role types.FileRole, exemplars []types.TemplateRecord) []excerpt {
	var out []excerpt
	for _, ex := range exemplars {
		path, content := pickExemplarFile(role, ex)
		if path == "" {
			continue
		}
		out = append(out, excerpt{Path: ex.ID + "/" + path, Content: clip(content)})
	}
	return out
}

var roleHints = map[types.FileRole][]string{
	types.RoleSchema:     {"model", "schema"},
	types.RoleDataAccess: {"crud", "store", "repository", "dao"},
	types.RoleAPI:        {"route", "api", "controller", "view"},
	types.RoleFrontend:   {"app.", "component", "page", "index.html"},
	types.RoleEntrypoint: {"main", "index.", "server"},
	types.RoleConfig:     {"docker", "compose", "config"},
	types.RoleDocs:       {"readme"},
}

func pickExemplarFile(role types.FileRole, ex types.TemplateRecord) (string, string) {
	hints := roleHints[role]
	paths := make([]string, 0, len(ex.Files))
	for path := range ex.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		lower := strings.ToLower(path)
		for _, h := range hints {
			if strings.Contains(lower, h) {
				return path, ex.Files[path]
			}
		}
	}
	return "", ""
}

func clip(s string) string {
	if len(s) > exemplarExcerptMax {
		return s[:exemplarExcerptMax]
	}
	return s
}

func (g *Generator) callTimeout() time.Duration {
	if g.CallTimeout > 0 {
		return g.CallTimeout
	}
	return defaultCallTimeout
}

func (g *Generator) chunkCap() int {
	if g.ChunkCap > 0 {
		return g.ChunkCap
	}
	return defaultChunkCap
}

func (g *Generator) parallel() int {
	if g.Parallel > 0 {
		return g.Parallel
	}
	return defaultParallel
}
