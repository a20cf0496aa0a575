package templateindex

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"appforge/internal/types"
)

func rec(id string, embedding []float32, tags map[string]string, approved time.Time) types.TemplateRecord {
	return types.TemplateRecord{
		ID:          id,
		Embedding:   embedding,
		Description: "template " + id,
		StackTags:   tags,
		ApprovedAt:  approved,
	}
}

func TestQueryReturnsNearestFirst(t *testing.T) {
	ctx := context.Background()
	ix := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, ix.Ingest(ctx, rec("blog", []float32{1, 0, 0}, nil, base)))
	require.NoError(t, ix.Ingest(ctx, rec("shop", []float32{0, 1, 0}, nil, base)))
	require.NoError(t, ix.Ingest(ctx, rec("chat", []float32{0.7, 0.7, 0}, nil, base)))

	got, err := ix.Query(ctx, []float32{1, 0, 0}, 3, nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "blog", got[0].ID)
	require.Equal(t, "chat", got[1].ID)
	require.Equal(t, "shop", got[2].ID)
}

func TestQueryLimitsToK(t *testing.T) {
	ctx := context.Background()
	ix := New()
	base := time.Now().UTC()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, ix.Ingest(ctx, rec(id, []float32{1, float32(len(id))}, nil, base)))
	}

	got, err := ix.Query(ctx, []float32{1, 1}, 2, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestQueryTieBreaksOnApprovalThenID(t *testing.T) {
	ctx := context.Background()
	ix := New()
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(24 * time.Hour)

	// Identical embeddings, so similarity ties across all three.
	require.NoError(t, ix.Ingest(ctx, rec("b-old", []float32{1, 1}, nil, older)))
	require.NoError(t, ix.Ingest(ctx, rec("z-new", []float32{1, 1}, nil, newer)))
	require.NoError(t, ix.Ingest(ctx, rec("a-new", []float32{1, 1}, nil, newer)))

	got, err := ix.Query(ctx, []float32{1, 1}, 3, nil)
	require.NoError(t, err)
	require.Equal(t, []string{got[0].ID, got[1].ID, got[2].ID}, []string{"a-new", "z-new", "b-old"})
}

func TestQueryFilter(t *testing.T) {
	ctx := context.Background()
	ix := New()
	now := time.Now().UTC()
	require.NoError(t, ix.Ingest(ctx, rec("py", []float32{1, 0}, map[string]string{types.FacetBackend: "FastAPI"}, now)))
	require.NoError(t, ix.Ingest(ctx, rec("js", []float32{1, 0}, map[string]string{types.FacetBackend: "Express"}, now)))

	got, err := ix.Query(ctx, []float32{1, 0}, 5, Filter{types.FacetBackend: "FastAPI"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "py", got[0].ID)

	_, err = ix.Query(ctx, []float32{1, 0}, 5, Filter{types.FacetBackend: "Rails"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestQueryEmptyIndex(t *testing.T) {
	_, err := New().Query(context.Background(), []float32{1}, 5, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIngestRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	ix := New()
	now := time.Now().UTC()
	require.NoError(t, ix.Ingest(ctx, rec("dup", []float32{1}, nil, now)))

	err := ix.Ingest(ctx, rec("dup", []float32{1}, nil, now))
	require.ErrorIs(t, err, ErrDuplicateID)
	require.Equal(t, 1, ix.Len())
}

func TestIngestRequiresEmbedding(t *testing.T) {
	err := New().Ingest(context.Background(), rec("none", nil, nil, time.Now()))
	require.Error(t, err)
}

func TestIngestInvalidatesCachedQueries(t *testing.T) {
	ctx := context.Background()
	ix := New()
	now := time.Now().UTC()
	require.NoError(t, ix.Ingest(ctx, rec("first", []float32{1, 0}, nil, now)))

	got, err := ix.Query(ctx, []float32{1, 0}, 5, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// A freshly ingested record must show up in the same query.
	require.NoError(t, ix.Ingest(ctx, rec("second", []float32{1, 0}, nil, now.Add(time.Hour))))
	got, err = ix.Query(ctx, []float32{1, 0}, 5, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestQueryMismatchedDimensionsSkips(t *testing.T) {
	ctx := context.Background()
	ix := New()
	require.NoError(t, ix.Ingest(ctx, rec("threed", []float32{1, 0, 0}, nil, time.Now())))

	_, err := ix.Query(ctx, []float32{1, 0}, 5, nil)
	require.True(t, errors.Is(err, ErrNotFound))
}
