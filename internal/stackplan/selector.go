// Package stackplan decides the technology stack for a run. Explicit user
// hints always win; otherwise candidate templates vote, weighted by their
// similarity to the intent embedding, with an optional LLM assist for facets
// the vote leaves open.
package stackplan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"appforge/internal/embed"
	"appforge/internal/llm"
	"appforge/internal/types"
)

// ErrAmbiguousIntent is terminal: the caller must ask the user to clarify.
// Re-running selection on the same intent is deterministic, so the engine
// never retries it.
var ErrAmbiguousIntent = errors.New("stackplan: intent too ambiguous to choose a stack")

// DefaultThreshold is the minimum confidence for a plan without hints.
const DefaultThreshold = 0.5

// facets the selector must fill, in vote order.
var facets = []string{types.FacetBackend, types.FacetFrontend, types.FacetDatabase, types.FacetStyling}

// fallbackStack mirrors the stack used when neither votes nor the model
// produce a usable answer for a facet.
var fallbackStack = map[string]string{
	types.FacetBackend:  "FastAPI",
	types.FacetFrontend: "React",
	types.FacetDatabase: "PostgreSQL",
	types.FacetStyling:  "Tailwind CSS",
}

var backendLanguages = map[string]string{
	"FastAPI": "python",
	"Flask":   "python",
	"Django":  "python",
	"Express": "javascript",
	"NestJS":  "typescript",
	"Gin":     "go",
	"Rails":   "ruby",
}

type Selector struct {
	Embedder  embed.Embedder
	LLM       llm.Client // optional; nil disables the assist
	Threshold float64
}

func New(embedder embed.Embedder, cli llm.Client) *Selector {
	return &Selector{Embedder: embedder, LLM: cli, Threshold: DefaultThreshold}
}

// Select builds the StackPlan for the intent from the retrieved candidates.
// The candidate order is the index ranking; earlier candidates win vote ties.
func (s *Selector) Select(ctx context.Context, intent types.Intent, candidates []types.TemplateRecord) (types.StackPlan, error) {
	threshold := s.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	weights := s.candidateWeights(ctx, intent, candidates)

	var plan types.StackPlan
	var rationale []string
	var confSum float64
	confN := 0
	unresolved := make([]string, 0, len(facets))

	for _, facet := range facets {
		if v, ok := intent.Hint(facet); ok {
			setFacet(&plan, facet, v)
			rationale = append(rationale, fmt.Sprintf("%s=%s (hint)", facet, v))
			confSum++
			confN++
			continue
		}
		value, share := voteFacet(facet, candidates, weights)
		if value == "" {
			unresolved = append(unresolved, facet)
			continue
		}
		setFacet(&plan, facet, value)
		rationale = append(rationale, fmt.Sprintf("%s=%s (vote %.2f)", facet, value, share))
		confSum += share
		confN++
	}

	if len(unresolved) > 0 {
		assisted, modelConf := s.assist(ctx, intent)
		for _, facet := range unresolved {
			value := assisted[facet]
			source := "model"
			share := modelConf
			if value == "" {
				value = fallbackStack[facet]
				source = "fallback"
				share = 0.3
			}
			setFacet(&plan, facet, value)
			rationale = append(rationale, fmt.Sprintf("%s=%s (%s)", facet, value, source))
			confSum += share
			confN++
		}
	}

	if confN > 0 {
		plan.Confidence = confSum / float64(confN)
	}
	plan.Rationale = strings.Join(rationale, "; ")
	if lang, ok := backendLanguages[plan.Backend]; ok {
		plan.Languages = []string{lang, "javascript"}
	} else {
		plan.Languages = []string{"javascript"}
	}

	if plan.Confidence < threshold {
		return types.StackPlan{}, fmt.Errorf("%w: confidence %.2f below %.2f", ErrAmbiguousIntent, plan.Confidence, threshold)
	}
	return plan, nil
}

// candidateWeights scores each candidate by cosine similarity between the
// intent embedding and the candidate's stored embedding. When embedding
// fails (or no embedder is configured) every candidate weighs the same, so
// the index ranking alone decides.
func (s *Selector) candidateWeights(ctx context.Context, intent types.Intent, candidates []types.TemplateRecord) []float64 {
	weights := make([]float64, len(candidates))
	for i := range weights {
		weights[i] = 1
	}
	if s.Embedder == nil || len(candidates) == 0 {
		return weights
	}
	vec, err := s.Embedder.Embed(ctx, intent.Description)
	if err != nil {
		return weights
	}
	for i, c := range candidates {
		if sim, ok := cosine(vec, c.Embedding); ok && sim > 0 {
			weights[i] = sim
		}
	}
	return weights
}

// voteFacet tallies similarity-weighted votes for one facet. Returns the
// winning value and its share of the total vote; ties go to the value whose
// first supporter was retrieved earliest.
func voteFacet(facet string, candidates []types.TemplateRecord, weights []float64) (string, float64) {
	votes := make(map[string]float64)
	firstSeen := make(map[string]int)
	var total float64
	for i, c := range candidates {
		v := strings.TrimSpace(c.StackTags[facet])
		if v == "" {
			continue
		}
		if _, ok := firstSeen[v]; !ok {
			firstSeen[v] = i
		}
		votes[v] += weights[i]
		total += weights[i]
	}
	if total == 0 {
		return "", 0
	}
	var winner string
	for v := range votes {
		if winner == "" {
			winner = v
			continue
		}
		if votes[v] > votes[winner] {
			winner = v
		} else if votes[v] == votes[winner] && firstSeen[v] < firstSeen[winner] {
			winner = v
		}
	}
	return winner, votes[winner] / total
}

// assistShare is the weight of a model-filled facet when the model reports
// no usable confidence of its own.
const assistShare = 0.6

// assist asks the model for a stack JSON and returns the facet values plus
// the model's self-reported confidence, clamped to (0,1] with assistShare as
// the default. Any parse failure yields nil and the caller falls back to the
// fixed defaults.
func (s *Selector) assist(ctx context.Context, intent types.Intent) (map[string]string, float64) {
	if s.LLM == nil {
		return nil, assistShare
	}
	prompt := `You are a tech stack expert. Based on the requirements, recommend
the best technology stack for a web application.

Return STRICT JSON ONLY:
{"backend":"string","frontend":"string","database":"string","styling":"string","confidence":0.0}`
	raw, err := s.LLM.GenerateJSON(ctx, prompt, map[string]any{"requirements": intent.Description})
	if err != nil {
		return nil, assistShare
	}
	var out struct {
		Backend    string  `json:"backend"`
		Frontend   string  `json:"frontend"`
		Database   string  `json:"database"`
		Styling    string  `json:"styling"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, assistShare
	}
	conf := assistShare
	if out.Confidence > 0 && out.Confidence <= 1 {
		conf = out.Confidence
	}
	return map[string]string{
		types.FacetBackend:  strings.TrimSpace(out.Backend),
		types.FacetFrontend: strings.TrimSpace(out.Frontend),
		types.FacetDatabase: strings.TrimSpace(out.Database),
		types.FacetStyling:  strings.TrimSpace(out.Styling),
	}, conf
}

func setFacet(p *types.StackPlan, facet, value string) {
	switch facet {
	case types.FacetBackend:
		p.Backend = value
	case types.FacetFrontend:
		p.Frontend = value
	case types.FacetDatabase:
		p.Database = value
	case types.FacetStyling:
		p.Styling = value
	}
}

func cosine(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}
