// Package scheduler runs a DAG of generation tasks as event-driven chunks:
// ready nodes are packed into weight-capped batches, batches run
// concurrently, and completions promote newly ready nodes. Files with
// dependency edges wait for their dependencies; independent files fan out.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// WeightFn returns the weight of a node by its integer ID (for generation,
// an estimate of the prompt size the node will incur).
type WeightFn func(nodeID int) int

// ChunkRunner executes a batch of node IDs and returns a channel that is
// closed when the batch has finished. The scheduler listens for the close
// (or context cancellation) to proceed.
type ChunkRunner func(ctx context.Context, chunk []int) (<-chan struct{}, error)

// Params configures one Run call.
//
//   - Adj: adjacency list where edge u->v means "u must finish before v".
//   - Targets: the nodes the caller needs; ancestors are scheduled too.
//   - CapPerChunk: maximum total weight per launched chunk.
//   - NParallel: maximum chunks in flight (<=0 treated as 1).
type Params struct {
	Adj         [][]int
	WeightOf    WeightFn
	Targets     map[int]struct{}
	CapPerChunk int
	NParallel   int
	Run         ChunkRunner
}

// Run executes the DAG until every target has completed. It errors on
// cycles, on nodes heavier than the chunk capacity, and on context
// cancellation; it never interrupts a chunk that is already in flight.
func Run(ctx context.Context, p Params) error {
	if p.Run == nil {
		return errors.New("scheduler: Run callback is nil")
	}
	if p.WeightOf == nil {
		return errors.New("scheduler: WeightOf is nil")
	}
	if p.Adj == nil {
		return errors.New("scheduler: Adj is nil")
	}
	if p.CapPerChunk <= 0 {
		return errors.New("scheduler: CapPerChunk must be > 0")
	}
	nParallel := p.NParallel
	if nParallel <= 0 {
		nParallel = 1
	}

	n := len(p.Adj)
	need := neededNodes(p.Adj, p.Targets)
	indeg := indegrees(p.Adj)
	desc, err := descendantCounts(p.Adj)
	if err != nil {
		return err
	}

	ready := make(map[int]struct{}, n)
	for u := 0; u < n; u++ {
		if indeg[u] == 0 {
			if _, ok := need[u]; ok {
				ready[u] = struct{}{}
			}
		}
	}
	completed := make(map[int]struct{}, n)

	completionCh := make(chan []int, n)
	inflight := 0

	tryLaunch := func() error {
		for inflight < nParallel {
			cands := make([]int, 0, len(ready))
			for u := range ready {
				if _, done := completed[u]; !done {
					cands = append(cands, u)
				}
			}
			if len(cands) == 0 {
				break
			}

			chunk := packChunk(cands, p.WeightOf, p.CapPerChunk, desc, p.Adj, indeg, need, completed)
			if len(chunk) == 0 {
				for _, u := range cands {
					if p.WeightOf(u) > p.CapPerChunk {
						return fmt.Errorf("scheduler: node %d exceeds chunk capacity", u)
					}
				}
				break
			}

			for _, u := range chunk {
				delete(ready, u)
			}

			doneCh, err := p.Run(ctx, chunk)
			if err != nil {
				return err
			}
			chunkCopy := append([]int(nil), chunk...)
			go func(cc []int, ch <-chan struct{}) {
				select {
				case <-ctx.Done():
					// main loop exits via ctx.Done
				case <-ch:
					completionCh <- cc
				}
			}(chunkCopy, doneCh)
			inflight++
		}
		return nil
	}

	if err := tryLaunch(); err != nil {
		return err
	}

	for !covers(completed, p.Targets) {
		if inflight == 0 {
			if err := tryLaunch(); err != nil {
				return err
			}
			if inflight == 0 {
				return errors.New("scheduler: deadlock, nothing inflight and nothing to launch")
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk := <-completionCh:
			inflight--
			for _, u := range chunk {
				if _, done := completed[u]; done {
					continue
				}
				completed[u] = struct{}{}
				for _, v := range p.Adj[u] {
					indeg[v]--
					if indeg[v] == 0 {
						if _, needV := need[v]; needV {
							if _, done := completed[v]; !done {
								ready[v] = struct{}{}
							}
						}
					}
				}
			}
			if err := tryLaunch(); err != nil {
				return err
			}
		}
	}

	return nil
}

func indegrees(adj [][]int) []int {
	indeg := make([]int, len(adj))
	for u := range adj {
		for _, v := range adj[u] {
			indeg[v]++
		}
	}
	return indeg
}

// neededNodes collects every ancestor of the targets, targets included.
func neededNodes(adj [][]int, targets map[int]struct{}) map[int]struct{} {
	rev := make([][]int, len(adj))
	for u := range adj {
		for _, v := range adj[u] {
			rev[v] = append(rev[v], u)
		}
	}
	need := make(map[int]struct{}, len(targets))
	queue := make([]int, 0, len(targets))
	for t := range targets {
		need[t] = struct{}{}
		queue = append(queue, t)
	}
	for i := 0; i < len(queue); i++ {
		for _, parent := range rev[queue[i]] {
			if _, ok := need[parent]; !ok {
				need[parent] = struct{}{}
				queue = append(queue, parent)
			}
		}
	}
	return need
}

// descendantCounts returns, per node, how many distinct nodes depend on it
// transitively. Errors if the graph has a cycle.
func descendantCounts(adj [][]int) ([]int, error) {
	n := len(adj)
	topo, err := toposort(adj)
	if err != nil {
		return nil, err
	}
	sets := make([]map[int]struct{}, n)
	for i := n - 1; i >= 0; i-- {
		v := topo[i]
		set := make(map[int]struct{})
		for _, u := range adj[v] {
			set[u] = struct{}{}
			for d := range sets[u] {
				set[d] = struct{}{}
			}
		}
		sets[v] = set
	}
	out := make([]int, n)
	for v := 0; v < n; v++ {
		out[v] = len(sets[v])
	}
	return out, nil
}

func toposort(adj [][]int) ([]int, error) {
	n := len(adj)
	indeg := indegrees(adj)
	queue := make([]int, 0, n)
	for u := 0; u < n; u++ {
		if indeg[u] == 0 {
			queue = append(queue, u)
		}
	}
	order := make([]int, 0, n)
	for i := 0; i < len(queue); i++ {
		u := queue[i]
		order = append(order, u)
		for _, v := range adj[u] {
			indeg[v]--
			if indeg[v] == 0 {
				queue = append(queue, v)
			}
		}
	}
	if len(order) != n {
		return nil, errors.New("scheduler: graph is not a DAG (cycle detected)")
	}
	return order, nil
}

// packChunk selects nodes under capacity, preferring nodes with more
// descendants (they unblock more work), then lighter weight, then lower id.
// A small lookahead lets a dependency chain land in one chunk: admitting a
// node tentatively relaxes its dependents' indegrees.
func packChunk(
	cands []int,
	weightOf WeightFn,
	capPerChunk int,
	desc []int,
	adj [][]int,
	indeg []int,
	need map[int]struct{},
	completed map[int]struct{},
) []int {
	simIndeg := append([]int(nil), indeg...)
	chunk := make([]int, 0, len(cands))
	total := 0

	ready := make(map[int]struct{}, len(cands))
	for _, u := range cands {
		ready[u] = struct{}{}
	}
	inChunk := make(map[int]struct{}, len(cands))

	for len(ready) > 0 {
		order := make([]int, 0, len(ready))
		for u := range ready {
			order = append(order, u)
		}
		sort.SliceStable(order, func(i, j int) bool {
			ui, uj := order[i], order[j]
			if desc[ui] != desc[uj] {
				return desc[ui] > desc[uj]
			}
			wi, wj := weightOf(ui), weightOf(uj)
			if wi != wj {
				return wi < wj
			}
			return ui < uj
		})

		added := false
		for _, u := range order {
			w := weightOf(u)
			if total+w > capPerChunk {
				continue
			}
			delete(ready, u)
			inChunk[u] = struct{}{}
			chunk = append(chunk, u)
			total += w
			added = true

			for _, v := range adj[u] {
				simIndeg[v]--
				if simIndeg[v] != 0 {
					continue
				}
				if _, done := completed[v]; done {
					continue
				}
				if _, ok := need[v]; !ok {
					continue
				}
				if _, ok := inChunk[v]; ok {
					continue
				}
				ready[v] = struct{}{}
			}
			break
		}
		if !added {
			break
		}
	}

	return chunk
}

func covers(completed map[int]struct{}, targets map[int]struct{}) bool {
	for t := range targets {
		if _, ok := completed[t]; !ok {
			return false
		}
	}
	return true
}
