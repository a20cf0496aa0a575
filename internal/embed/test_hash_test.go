package embed

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	h := NewHashEmbedder(64)
	a, err := h.Embed(context.Background(), "a blog with comments")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, err := h.Embed(context.Background(), "a blog with comments")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 dims, got %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding is not deterministic at dim %d", i)
		}
	}
}

func TestHashEmbedderNormalized(t *testing.T) {
	h := NewHashEmbedder(0)
	vec, err := h.Embed(context.Background(), "inventory tracker with barcode scanning")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Fatalf("expected unit norm, got %f", norm)
	}
}

func TestHashEmbedderSimilarTextsOverlap(t *testing.T) {
	h := NewHashEmbedder(128)
	ctx := context.Background()
	a, _ := h.Embed(ctx, "a todo list app with reminders")
	b, _ := h.Embed(ctx, "a todo list app with tags")
	c, _ := h.Embed(ctx, "realtime multiplayer chess server")

	dot := func(x, y []float32) float64 {
		var s float64
		for i := range x {
			s += float64(x[i]) * float64(y[i])
		}
		return s
	}
	if dot(a, b) <= dot(a, c) {
		t.Fatalf("overlapping vocabulary should score higher: %f <= %f", dot(a, b), dot(a, c))
	}
}

func TestHashEmbedderEmptyText(t *testing.T) {
	h := NewHashEmbedder(16)
	if _, err := h.Embed(context.Background(), "   "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}
