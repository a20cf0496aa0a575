package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"appforge/internal/embed"
	"appforge/internal/generate"
	"appforge/internal/ratelimit"
	"appforge/internal/stackplan"
	"appforge/internal/templateindex"
	"appforge/internal/types"
	"appforge/internal/validate"
)

var (
	// ErrQuotaExceeded means the rate gate rejected the request. No run
	// exists for a rejected request.
	ErrQuotaExceeded = errors.New("workflow: tier quota exceeded")

	// ErrRunNotFound means no run with the given id is known.
	ErrRunNotFound = errors.New("workflow: run not found")

	// ErrRunInProgress means a result was requested before the run reached a
	// terminal state.
	ErrRunInProgress = errors.New("workflow: run still in progress")
)

const (
	// DefaultRetryBudget caps repair iterations per run.
	DefaultRetryBudget = 5

	// DefaultRetrievalK is how many exemplar templates a run retrieves.
	DefaultRetrievalK = 5

	// DefaultCleanupDelay keeps a fetched terminal run around briefly so a
	// retried result request still succeeds.
	DefaultCleanupDelay = 10 * time.Minute
)

// Event is one state transition of a run, pushed to watch subscribers.
type Event struct {
	RunID     string            `json:"run_id"`
	State     types.RunState    `json:"state"`
	Iteration int               `json:"iteration"`
	Reason    types.AbortReason `json:"reason,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	At        time.Time         `json:"at"`
}

// ArtifactSink receives the accepted file set. Optional.
type ArtifactSink interface {
	SaveRun(ctx context.Context, runID string, files []types.GeneratedFile) error
}

// Engine drives each run through planning, generation, validation and the
// bounded repair loop. One Engine serves all runs.
type Engine struct {
	Index     *templateindex.Index
	Embedder  embed.Embedder
	Selector  *stackplan.Selector
	Generator *generate.Generator
	Validator *validate.Validator
	Gate      ratelimit.Gate
	Store     *RunStore
	Artifacts ArtifactSink

	RetryBudget  int
	RetrievalK   int
	CleanupDelay time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	subs    map[string][]chan Event
}

// New wires an engine from its collaborators with default budgets.
func New(ix *templateindex.Index, emb embed.Embedder, sel *stackplan.Selector, gen *generate.Generator, val *validate.Validator, gate ratelimit.Gate, store *RunStore) *Engine {
	return &Engine{
		Index:     ix,
		Embedder:  emb,
		Selector:  sel,
		Generator: gen,
		Validator: val,
		Gate:      gate,
		Store:     store,
	}
}

// StartRun admits the intent through the rate gate, creates the run and
// launches the state machine. A quota rejection creates no run at all.
func (e *Engine) StartRun(ctx context.Context, intent types.Intent) (string, error) {
	if e.Gate != nil {
		ok, err := e.Gate.CheckAndIncrement(ctx, intent.UserID, intent.Tier)
		if err != nil {
			return "", fmt.Errorf("workflow: rate gate: %w", err)
		}
		if !ok {
			return "", ErrQuotaExceeded
		}
	}

	now := time.Now().UTC()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	run := types.WorkflowRun{
		ID:        uuid.NewString(),
		Intent:    intent,
		State:     types.StatePlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Store.Put(ctx, run); err != nil {
		return "", err
	}

	// The run outlives the admitting request; only an explicit Cancel stops
	// it. In-flight model calls still finish or hit their own timeout.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	if e.cancels == nil {
		e.cancels = make(map[string]context.CancelFunc)
	}
	e.cancels[run.ID] = cancel
	e.mu.Unlock()

	e.emit(run, "")
	go e.execute(runCtx, run.ID)
	return run.ID, nil
}

// Cancel stops scheduling further work for the run. The run transitions to
// Aborted with reason canceled once the current step returns.
func (e *Engine) Cancel(runID string) {
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// Status returns the current snapshot of a run.
func (e *Engine) Status(runID string) (types.WorkflowRun, error) {
	run, ok := e.Store.Get(runID)
	if !ok {
		return types.WorkflowRun{}, ErrRunNotFound
	}
	return run, nil
}

// Result returns the terminal snapshot. An accepted run carries its file set,
// an aborted run its reason and last validation report. Fetching a result
// arms delayed cleanup of the snapshot.
func (e *Engine) Result(runID string) (types.WorkflowRun, error) {
	run, ok := e.Store.Get(runID)
	if !ok {
		return types.WorkflowRun{}, ErrRunNotFound
	}
	if !run.State.Terminal() {
		return types.WorkflowRun{}, ErrRunInProgress
	}
	e.Store.ScheduleCleanup(runID, e.cleanupDelay())
	return run, nil
}

// Subscribe streams state transitions for one run. The channel closes after
// the terminal event, so watchers can range over it. The returned stop func
// must be called when the watcher goes away early. A run already terminal
// replays its final state and closes immediately.
func (e *Engine) Subscribe(runID string) (<-chan Event, func(), error) {
	// The store read and the registration share e.mu with emit: a snapshot
	// read as non-terminal here cannot have its terminal emit slip past the
	// registered channel.
	e.mu.Lock()
	run, ok := e.Store.Get(runID)
	if !ok {
		e.mu.Unlock()
		return nil, nil, ErrRunNotFound
	}
	if run.State.Terminal() {
		e.mu.Unlock()
		ch := make(chan Event, 1)
		ch <- Event{RunID: runID, State: run.State, Iteration: run.Iteration, Reason: run.Reason, Detail: run.Detail, At: run.UpdatedAt}
		close(ch)
		return ch, func() {}, nil
	}

	ch := make(chan Event, 16)
	if e.subs == nil {
		e.subs = make(map[string][]chan Event)
	}
	e.subs[runID] = append(e.subs[runID], ch)
	e.mu.Unlock()

	stop := func() {
		e.mu.Lock()
		chans := e.subs[runID]
		for i, c := range chans {
			if c == ch {
				e.subs[runID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		e.mu.Unlock()
	}
	return ch, stop, nil
}

// ----------------------------------------------------------------------
// state machine
// ----------------------------------------------------------------------

func (e *Engine) execute(ctx context.Context, runID string) {
	defer e.release(runID)

	run, ok := e.Store.Get(runID)
	if !ok {
		return
	}
	intent := run.Intent

	// Planning: retrieve exemplars, select the stack.
	exemplars := e.retrieve(ctx, intent)
	plan, err := e.Selector.Select(ctx, intent, exemplars)
	if err != nil {
		if errors.Is(err, stackplan.ErrAmbiguousIntent) {
			e.abort(ctx, runID, types.ReasonAmbiguousIntent, err.Error())
		} else {
			e.abort(ctx, runID, types.ReasonUpstreamModelError, err.Error())
		}
		return
	}
	if !e.update(ctx, runID, func(r *types.WorkflowRun) {
		r.Plan = &plan
		r.State = types.StateGenerating
	}) {
		return
	}

	targets := generate.Roles()
	var prior []types.GeneratedFile
	var feedback *types.ValidationReport
	var prevFailing map[string][]string

	for {
		if ctx.Err() != nil {
			e.abort(ctx, runID, types.ReasonCanceled, "run canceled")
			return
		}

		// Generating
		files, err := e.Generator.Generate(ctx, intent.Description, plan, exemplars, targets, prior, feedback)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				e.abort(ctx, runID, types.ReasonCanceled, "run canceled")
			case errors.Is(err, generate.ErrTimeout):
				e.abort(ctx, runID, types.ReasonGenerationTimeout, err.Error())
			default:
				e.abort(ctx, runID, types.ReasonUpstreamModelError, err.Error())
			}
			return
		}
		if !e.update(ctx, runID, func(r *types.WorkflowRun) {
			r.Files = files
			r.State = types.StateValidating
		}) {
			return
		}

		// Validating
		report, err := e.Validator.Validate(ctx, files)
		if err != nil {
			// Only cancellation gets here; a partial report is never trusted.
			e.abort(ctx, runID, types.ReasonCanceled, "run canceled")
			return
		}
		if !e.update(ctx, runID, func(r *types.WorkflowRun) {
			r.Report = &report
		}) {
			return
		}

		if report.Pass {
			if ctx.Err() != nil {
				e.abort(ctx, runID, types.ReasonCanceled, "run canceled")
				return
			}
			e.accept(ctx, runID, files)
			return
		}

		run, _ = e.Store.Get(runID)
		if run.Iteration >= e.retryBudget() {
			e.abort(ctx, runID, types.ReasonValidationBudgetExhausted,
				fmt.Sprintf("still failing after %d repair iterations", run.Iteration))
			return
		}

		// Repairing: increment the iteration, then check for a file failing
		// with the identical diagnostic set as last pass.
		failing := failingKeys(report)
		var iteration int
		if !e.update(ctx, runID, func(r *types.WorkflowRun) {
			r.Iteration++
			r.State = types.StateRepairing
			iteration = r.Iteration
		}) {
			return
		}
		if path, repeated := repeatedFailure(prevFailing, failing); repeated {
			e.abort(ctx, runID, types.ReasonRepeatedFailureEscalation,
				fmt.Sprintf("%s failed with identical diagnostics in iterations %d and %d", path, iteration-1, iteration))
			return
		}
		prevFailing = failing

		targets = failingRoles(report, files)
		prior = files
		feedback = &report

		if !e.update(ctx, runID, func(r *types.WorkflowRun) {
			r.State = types.StateGenerating
		}) {
			return
		}
	}
}

// retrieve embeds the intent description and queries the template index.
// Retrieval is best-effort; a run proceeds without exemplars.
func (e *Engine) retrieve(ctx context.Context, intent types.Intent) []types.TemplateRecord {
	if e.Index == nil || e.Embedder == nil {
		return nil
	}
	vec, err := e.Embedder.Embed(ctx, intent.Description)
	if err != nil {
		log.Printf("workflow: embed intent: %v", err)
		return nil
	}
	filter := templateindex.Filter{}
	for _, facet := range []string{types.FacetBackend, types.FacetFrontend, types.FacetDatabase, types.FacetStyling} {
		if v, ok := intent.Hint(facet); ok {
			filter[facet] = v
		}
	}
	if len(filter) == 0 {
		filter = nil
	}
	recs, err := e.Index.Query(ctx, vec, e.retrievalK(), filter)
	if err != nil {
		if !errors.Is(err, templateindex.ErrNotFound) {
			log.Printf("workflow: template retrieval: %v", err)
		}
		// Hints may over-constrain the filter; retry unfiltered.
		if filter != nil {
			recs, err = e.Index.Query(ctx, vec, e.retrievalK(), nil)
			if err != nil {
				return nil
			}
			return recs
		}
		return nil
	}
	return recs
}

func (e *Engine) accept(ctx context.Context, runID string, files []types.GeneratedFile) {
	e.update(ctx, runID, func(r *types.WorkflowRun) {
		r.State = types.StateAccepted
	})
	if e.Artifacts != nil {
		if err := e.Artifacts.SaveRun(ctx, runID, files); err != nil {
			log.Printf("workflow: archive run %s: %v", runID, err)
		}
	}
}

func (e *Engine) abort(ctx context.Context, runID string, reason types.AbortReason, detail string) {
	e.update(ctx, runID, func(r *types.WorkflowRun) {
		r.State = types.StateAborted
		r.Reason = reason
		r.Detail = detail
	})
}

// update mutates the run snapshot and emits the transition. Returns false if
// the run has vanished or is already terminal.
func (e *Engine) update(ctx context.Context, runID string, fn func(*types.WorkflowRun)) bool {
	run, err := e.Store.Update(ctx, runID, func(r *types.WorkflowRun) error {
		fn(r)
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrTerminal) {
			log.Printf("workflow: update run %s: %v", runID, err)
		}
		return false
	}
	e.emit(run, run.Detail)
	return true
}

func (e *Engine) emit(run types.WorkflowRun, detail string) {
	ev := Event{
		RunID:     run.ID,
		State:     run.State,
		Iteration: run.Iteration,
		Reason:    run.Reason,
		Detail:    detail,
		At:        time.Now().UTC(),
	}
	terminal := run.State.Terminal()
	e.mu.Lock()
	chans := append([]chan Event(nil), e.subs[run.ID]...)
	if terminal {
		delete(e.subs, run.ID)
	}
	e.mu.Unlock()
	for _, ch := range chans {
		if !terminal {
			select {
			case ch <- ev:
			default: // slow watcher, drop
			}
			continue
		}
		// The terminal event must land even on a slow watcher: shed the
		// oldest buffered events until it fits, then close the channel so
		// range loops finish.
		sent := false
		for !sent {
			select {
			case ch <- ev:
				sent = true
			default:
				select {
				case <-ch:
				default:
				}
			}
		}
		close(ch)
	}
}

func (e *Engine) release(runID string) {
	e.mu.Lock()
	if cancel, ok := e.cancels[runID]; ok {
		cancel()
		delete(e.cancels, runID)
	}
	e.mu.Unlock()
}

func (e *Engine) retryBudget() int {
	if e.RetryBudget > 0 {
		return e.RetryBudget
	}
	return DefaultRetryBudget
}

func (e *Engine) retrievalK() int {
	if e.RetrievalK > 0 {
		return e.RetrievalK
	}
	return DefaultRetrievalK
}

func (e *Engine) cleanupDelay() time.Duration {
	if e.CleanupDelay > 0 {
		return e.CleanupDelay
	}
	return DefaultCleanupDelay
}

// failingKeys maps each failing path to its sorted error diagnostic keys.
func failingKeys(report types.ValidationReport) map[string][]string {
	out := make(map[string][]string)
	for _, p := range report.FailingPaths() {
		out[p] = report.ErrorKeysFor(p)
	}
	return out
}

// repeatedFailure reports whether any file failed in both consecutive
// reports with the identical diagnostic key set.
func repeatedFailure(prev, cur map[string][]string) (string, bool) {
	if prev == nil {
		return "", false
	}
	for path, keys := range cur {
		before, ok := prev[path]
		if !ok || len(before) != len(keys) || len(keys) == 0 {
			continue
		}
		same := true
		for i := range keys {
			if keys[i] != before[i] {
				same = false
				break
			}
		}
		if same {
			return path, true
		}
	}
	return "", false
}

// failingRoles maps the report's failing paths back to the roles to
// regenerate. Unknown paths are ignored.
func failingRoles(report types.ValidationReport, files []types.GeneratedFile) []types.FileRole {
	byPath := make(map[string]types.FileRole, len(files))
	for _, f := range files {
		byPath[f.Path] = f.Role
	}
	seen := make(map[types.FileRole]bool)
	var roles []types.FileRole
	for _, p := range report.FailingPaths() {
		role, ok := byPath[p]
		if !ok || seen[role] {
			continue
		}
		seen[role] = true
		roles = append(roles, role)
	}
	return roles
}
