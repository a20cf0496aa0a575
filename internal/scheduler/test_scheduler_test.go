package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// recorder runs chunks sequentially and records node completion order.
type recorder struct {
	mu    sync.Mutex
	order []int
}

func (r *recorder) runner(delay time.Duration) ChunkRunner {
	return func(_ context.Context, chunk []int) (<-chan struct{}, error) {
		ch := make(chan struct{})
		go func() {
			defer close(ch)
			for _, u := range chunk {
				if delay > 0 {
					time.Sleep(delay)
				}
				r.mu.Lock()
				r.order = append(r.order, u)
				r.mu.Unlock()
			}
		}()
		return ch, nil
	}
}

func (r *recorder) position(node int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, u := range r.order {
		if u == node {
			return i
		}
	}
	return -1
}

func unitWeight(int) int { return 1 }

func allTargets(n int) map[int]struct{} {
	t := make(map[int]struct{}, n)
	for i := 0; i < n; i++ {
		t[i] = struct{}{}
	}
	return t
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	// 0 -> 1 -> 2, 0 -> 3
	adj := [][]int{{1, 3}, {2}, {}, {}}
	rec := &recorder{}

	err := Run(context.Background(), Params{
		Adj:         adj,
		WeightOf:    unitWeight,
		Targets:     allTargets(4),
		CapPerChunk: 2,
		NParallel:   2,
		Run:         rec.runner(0),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rec.order) != 4 {
		t.Fatalf("expected 4 completions, got %v", rec.order)
	}
	if rec.position(0) > rec.position(1) || rec.position(1) > rec.position(2) {
		t.Fatalf("dependency order violated: %v", rec.order)
	}
	if rec.position(0) > rec.position(3) {
		t.Fatalf("dependency order violated: %v", rec.order)
	}
}

func TestRunSchedulesOnlyTargetAncestors(t *testing.T) {
	// 0 -> 1, node 2 is unrelated.
	adj := [][]int{{1}, {}, {}}
	rec := &recorder{}

	err := Run(context.Background(), Params{
		Adj:         adj,
		WeightOf:    unitWeight,
		Targets:     map[int]struct{}{1: {}},
		CapPerChunk: 4,
		NParallel:   1,
		Run:         rec.runner(0),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.position(2) != -1 {
		t.Fatalf("unrelated node was scheduled: %v", rec.order)
	}
	if rec.position(0) == -1 || rec.position(1) == -1 {
		t.Fatalf("target ancestors missing: %v", rec.order)
	}
}

func TestRunChainPacksIntoOneChunk(t *testing.T) {
	// Capacity fits the whole chain, so lookahead should launch one chunk.
	adj := [][]int{{1}, {2}, {}}
	var chunks [][]int
	var mu sync.Mutex

	err := Run(context.Background(), Params{
		Adj:         adj,
		WeightOf:    unitWeight,
		Targets:     allTargets(3),
		CapPerChunk: 3,
		NParallel:   1,
		Run: func(_ context.Context, chunk []int) (<-chan struct{}, error) {
			mu.Lock()
			chunks = append(chunks, append([]int(nil), chunk...))
			mu.Unlock()
			ch := make(chan struct{})
			close(ch)
			return ch, nil
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(chunks) != 1 || len(chunks[0]) != 3 {
		t.Fatalf("expected one chunk of 3, got %v", chunks)
	}
}

func TestRunRejectsCycle(t *testing.T) {
	adj := [][]int{{1}, {0}}
	err := Run(context.Background(), Params{
		Adj:         adj,
		WeightOf:    unitWeight,
		Targets:     allTargets(2),
		CapPerChunk: 2,
		NParallel:   1,
		Run:         (&recorder{}).runner(0),
	})
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestRunRejectsOversizedNode(t *testing.T) {
	adj := [][]int{{}}
	err := Run(context.Background(), Params{
		Adj:         adj,
		WeightOf:    func(int) int { return 10 },
		Targets:     allTargets(1),
		CapPerChunk: 5,
		NParallel:   1,
		Run:         (&recorder{}).runner(0),
	})
	if err == nil || !strings.Contains(err.Error(), "capacity") {
		t.Fatalf("expected capacity error, got %v", err)
	}
}

func TestRunContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	adj := [][]int{{1}, {}}

	err := Run(ctx, Params{
		Adj:         adj,
		WeightOf:    unitWeight,
		Targets:     allTargets(2),
		CapPerChunk: 1,
		NParallel:   1,
		Run: func(context.Context, []int) (<-chan struct{}, error) {
			cancel()
			return make(chan struct{}), nil // never completes
		},
	})
	if err == nil {
		t.Fatal("expected context error")
	}
}
