package stackplan

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"appforge/internal/llm"
	"appforge/internal/types"
)

func candidate(id string, tags map[string]string) types.TemplateRecord {
	return types.TemplateRecord{ID: id, StackTags: tags, Embedding: []float32{1, 0}}
}

func fullTags(backend string) map[string]string {
	return map[string]string{
		types.FacetBackend:  backend,
		types.FacetFrontend: "React",
		types.FacetDatabase: "PostgreSQL",
		types.FacetStyling:  "Tailwind CSS",
	}
}

func TestSelectHintsAlwaysWin(t *testing.T) {
	s := New(nil, nil)
	intent := types.Intent{
		Description: "a blog",
		StackHints: map[string]string{
			types.FacetBackend:  "Django",
			types.FacetFrontend: "Vue",
			types.FacetDatabase: "SQLite",
			types.FacetStyling:  "Bootstrap",
		},
	}

	plan, err := s.Select(context.Background(), intent, []types.TemplateRecord{
		candidate("t1", fullTags("FastAPI")),
	})
	require.NoError(t, err)
	require.Equal(t, "Django", plan.Backend)
	require.Equal(t, "Vue", plan.Frontend)
	require.Equal(t, "SQLite", plan.Database)
	require.Equal(t, "Bootstrap", plan.Styling)
	require.InDelta(t, 1.0, plan.Confidence, 1e-9)
	require.Contains(t, plan.Languages, "python")
}

func TestSelectCandidatesVote(t *testing.T) {
	s := New(nil, nil)
	intent := types.Intent{Description: "a todo app"}

	plan, err := s.Select(context.Background(), intent, []types.TemplateRecord{
		candidate("t1", fullTags("FastAPI")),
		candidate("t2", fullTags("FastAPI")),
		candidate("t3", fullTags("Express")),
	})
	require.NoError(t, err)
	require.Equal(t, "FastAPI", plan.Backend)
	require.Equal(t, "React", plan.Frontend)
	require.Greater(t, plan.Confidence, 0.6)
}

func TestSelectVoteTieGoesToEarlierCandidate(t *testing.T) {
	s := New(nil, nil)
	intent := types.Intent{Description: "a todo app"}

	plan, err := s.Select(context.Background(), intent, []types.TemplateRecord{
		candidate("t1", fullTags("Express")),
		candidate("t2", fullTags("FastAPI")),
	})
	require.NoError(t, err)
	require.Equal(t, "Express", plan.Backend)
}

func TestSelectModelAssistWithoutCandidates(t *testing.T) {
	s := New(nil, llm.NewFakeClient())
	intent := types.Intent{Description: "a recipe sharing site"}

	plan, err := s.Select(context.Background(), intent, nil)
	require.NoError(t, err)
	require.Equal(t, "FastAPI", plan.Backend)
	require.Equal(t, "React", plan.Frontend)
	require.Equal(t, "PostgreSQL", plan.Database)
	require.Equal(t, "Tailwind CSS", plan.Styling)
	// The fake reports confidence 0.9; the plan must carry it, not a
	// hardcoded weight.
	require.InDelta(t, 0.9, plan.Confidence, 1e-9)
}

// unsureClient answers stack questions without a confidence figure.
type unsureClient struct{}

func (unsureClient) Name() string { return "unsure" }
func (unsureClient) Close() error { return nil }
func (unsureClient) GenerateJSON(context.Context, string, any) (json.RawMessage, error) {
	return json.RawMessage(`{"backend":"Flask","frontend":"Vue","database":"SQLite","styling":"Bootstrap"}`), nil
}

func TestSelectModelAssistDefaultsShareWithoutConfidence(t *testing.T) {
	s := New(nil, unsureClient{})
	intent := types.Intent{Description: "a recipe sharing site"}

	plan, err := s.Select(context.Background(), intent, nil)
	require.NoError(t, err)
	require.Equal(t, "Flask", plan.Backend)
	require.InDelta(t, 0.6, plan.Confidence, 1e-9)
}

func TestSelectAmbiguousWithoutAnySignal(t *testing.T) {
	s := New(nil, nil)
	intent := types.Intent{Description: "something"}

	_, err := s.Select(context.Background(), intent, nil)
	require.ErrorIs(t, err, ErrAmbiguousIntent)
}

func TestSelectPartialHintsFillFromVotes(t *testing.T) {
	s := New(nil, nil)
	intent := types.Intent{
		Description: "an inventory tracker",
		StackHints:  map[string]string{types.FacetBackend: "Gin"},
	}

	plan, err := s.Select(context.Background(), intent, []types.TemplateRecord{
		candidate("t1", fullTags("FastAPI")),
	})
	require.NoError(t, err)
	require.Equal(t, "Gin", plan.Backend)
	require.Equal(t, "React", plan.Frontend)
	require.Contains(t, plan.Languages, "go")
}
