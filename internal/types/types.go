package types

import (
	"time"
)

// Tier is the subscription tier attached to an Intent by the caller.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// Intent is the structured interpretation of the user's natural-language
// app description. Immutable once created; the gateway builds it and the
// engine only reads it.
type Intent struct {
	Description string            `json:"description"`
	StackHints  map[string]string `json:"stack_hints,omitempty"`
	UserID      string            `json:"user_id"`
	SessionID   string            `json:"session_id,omitempty"`
	Tier        Tier              `json:"tier"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Hint returns the explicit user hint for a stack facet, if any.
func (in Intent) Hint(facet string) (string, bool) {
	v, ok := in.StackHints[facet]
	return v, ok && v != ""
}

// Stack facet names used by hints, template tags and plans.
const (
	FacetBackend  = "backend"
	FacetFrontend = "frontend"
	FacetDatabase = "database"
	FacetStyling  = "styling"
)

// StackPlan is the chosen technology stack for a run. Created once by the
// selector and never re-decided mid-repair.
type StackPlan struct {
	Backend    string   `json:"backend"`
	Frontend   string   `json:"frontend"`
	Database   string   `json:"database"`
	Styling    string   `json:"styling"`
	Languages  []string `json:"languages,omitempty"`
	Rationale  string   `json:"rationale"`
	Confidence float64  `json:"confidence"`
}

// Facet returns the plan value for a stack facet name.
func (p StackPlan) Facet(name string) string {
	switch name {
	case FacetBackend:
		return p.Backend
	case FacetFrontend:
		return p.Frontend
	case FacetDatabase:
		return p.Database
	case FacetStyling:
		return p.Styling
	}
	return ""
}

// TemplateRecord is an approved reference repository held by the template
// index. Immutable after ingestion.
type TemplateRecord struct {
	ID          string            `json:"id"`
	Embedding   []float32         `json:"embedding"`
	Description string            `json:"description"`
	StackTags   map[string]string `json:"stack_tags"`
	Manifest    []string          `json:"manifest"`
	Files       map[string]string `json:"files,omitempty"`
	SourceURL   string            `json:"source_url"`
	ApprovedAt  time.Time         `json:"approved_at"`
}

// FileRole identifies a generated file's position in the stack topology.
type FileRole string

const (
	RoleSchema     FileRole = "schema"
	RoleDataAccess FileRole = "dataaccess"
	RoleAPI        FileRole = "api"
	RoleFrontend   FileRole = "frontend"
	RoleEntrypoint FileRole = "entrypoint"
	RoleConfig     FileRole = "config"
	RoleDocs       FileRole = "docs"
)

// GeneratedFile is one produced source file. Mutable only across repair
// iterations of the run that owns it.
type GeneratedFile struct {
	Path    string   `json:"path"`
	Content string   `json:"content"`
	Role    FileRole `json:"role"`
	Attempt int      `json:"attempt"`
}

// Severity of a validation diagnostic.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// Diagnostic is a single per-file finding from the validator.
type Diagnostic struct {
	Path     string   `json:"path"`
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Line     int      `json:"line,omitempty"`
}

// Key identifies a diagnostic for repeat-failure comparison across repair
// iterations: same file plus same rule id counts as the same diagnostic.
func (d Diagnostic) Key() string { return d.Path + "\x00" + d.Rule }

// ValidationReport aggregates one validation pass over the current file set.
// Recomputed every pass, never merged across runs.
type ValidationReport struct {
	Diagnostics []Diagnostic       `json:"diagnostics"`
	Scores      map[string]float64 `json:"scores"`
	Pass        bool               `json:"pass"`
	CreatedAt   time.Time          `json:"created_at"`
}

// FailingPaths returns the distinct paths carrying at least one
// error-severity diagnostic, in first-seen order.
func (r ValidationReport) FailingPaths() []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range r.Diagnostics {
		if d.Severity < SeverityError || seen[d.Path] {
			continue
		}
		seen[d.Path] = true
		out = append(out, d.Path)
	}
	return out
}

// ErrorKeysFor returns the sorted diagnostic keys (path+rule) of
// error-severity findings for one path.
func (r ValidationReport) ErrorKeysFor(path string) []string {
	var keys []string
	for _, d := range r.Diagnostics {
		if d.Path == path && d.Severity >= SeverityError {
			keys = append(keys, d.Key())
		}
	}
	sortStrings(keys)
	return keys
}

// DiagnosticsFor returns all diagnostics recorded against one path.
func (r ValidationReport) DiagnosticsFor(path string) []Diagnostic {
	var out []Diagnostic
	for _, d := range r.Diagnostics {
		if d.Path == path {
			out = append(out, d)
		}
	}
	return out
}

// insertion sort; diagnostic key lists are tiny.
func sortStrings(xs []string) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j] < xs[j-1]; j-- {
			xs[j], xs[j-1] = xs[j-1], xs[j]
		}
	}
}

// RunState is the orchestrator state of a WorkflowRun.
type RunState string

const (
	StatePlanning   RunState = "planning"
	StateGenerating RunState = "generating"
	StateValidating RunState = "validating"
	StateRepairing  RunState = "repairing"
	StateAccepted   RunState = "accepted"
	StateAborted    RunState = "aborted"
)

// Terminal reports whether no further transitions are permitted.
func (s RunState) Terminal() bool {
	return s == StateAccepted || s == StateAborted
}

// AbortReason is the structured reason attached to every terminal Aborted
// state. Never a bare failure.
type AbortReason string

const (
	ReasonNone                      AbortReason = ""
	ReasonQuotaExceeded             AbortReason = "quota_exceeded"
	ReasonAmbiguousIntent           AbortReason = "ambiguous_intent"
	ReasonUpstreamModelError        AbortReason = "upstream_model_error"
	ReasonGenerationTimeout         AbortReason = "generation_timeout"
	ReasonValidationBudgetExhausted AbortReason = "validation_budget_exhausted"
	ReasonRepeatedFailureEscalation AbortReason = "repeated_failure_escalation"
	ReasonCanceled                  AbortReason = "canceled"
)

// WorkflowRun is the aggregate for one user request. Owned by the engine
// until it reaches a terminal state; snapshots of it are what the run store
// persists.
type WorkflowRun struct {
	ID        string            `json:"id"`
	Intent    Intent            `json:"intent"`
	Plan      *StackPlan        `json:"plan,omitempty"`
	Files     []GeneratedFile   `json:"files,omitempty"`
	Report    *ValidationReport `json:"report,omitempty"`
	Iteration int               `json:"iteration"`
	State     RunState          `json:"state"`
	Reason    AbortReason       `json:"reason,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// FileByPath returns the run's file at path, if present.
func (r *WorkflowRun) FileByPath(path string) (GeneratedFile, bool) {
	for _, f := range r.Files {
		if f.Path == path {
			return f, true
		}
	}
	return GeneratedFile{}, false
}
