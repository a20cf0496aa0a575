// Package templateindex holds the vector-similarity store of approved
// reference repositories. Reads are concurrent; writes serialize and purge
// the query cache.
package templateindex

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"appforge/internal/types"
)

// ErrNotFound is returned when no record satisfies the query filter. Callers
// must treat it as "no exemplar", not as a user-visible failure.
var ErrNotFound = errors.New("templateindex: no matching template")

// ErrDuplicateID rejects re-ingesting an existing record; records are
// immutable after ingestion.
var ErrDuplicateID = errors.New("templateindex: duplicate template id")

// Filter restricts query results to records whose stack tags carry the given
// values. An empty filter matches everything.
type Filter map[string]string

const queryCacheSize = 256

// Index is the in-process template store. An optional Postgres backend makes
// ingested records survive restarts; queries always run against memory.
type Index struct {
	mu      sync.RWMutex
	records []types.TemplateRecord
	byID    map[string]struct{}

	cache *lru.Cache[string, []types.TemplateRecord]

	store recordStore // nil without persistence
}

type recordStore interface {
	insert(ctx context.Context, rec types.TemplateRecord) error
	loadAll(ctx context.Context) ([]types.TemplateRecord, error)
}

// New creates an in-memory index.
func New() *Index {
	cache, err := lru.New[string, []types.TemplateRecord](queryCacheSize)
	if err != nil {
		panic(err) // only fails on non-positive size
	}
	return &Index{byID: make(map[string]struct{}), cache: cache}
}

// Ingest adds an approved record. The record must carry an id and an
// embedding; duplicate ids are rejected.
func (ix *Index) Ingest(ctx context.Context, rec types.TemplateRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("templateindex: record id is required")
	}
	if len(rec.Embedding) == 0 {
		return fmt.Errorf("templateindex: record %s has no embedding", rec.ID)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.byID[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	if ix.store != nil {
		if err := ix.store.insert(ctx, rec); err != nil {
			return err
		}
	}
	ix.records = append(ix.records, rec)
	ix.byID[rec.ID] = struct{}{}
	ix.cache.Purge()
	return nil
}

// Len returns the number of ingested records.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.records)
}

// Query returns up to k records nearest to the embedding by cosine
// similarity, nearest first. Ties break toward the most recent approval.
// Query never mutates the index.
func (ix *Index) Query(ctx context.Context, embedding []float32, k int, filter Filter) ([]types.TemplateRecord, error) {
	if k <= 0 {
		k = 5
	}
	key := cacheKey(embedding, k, filter)

	ix.mu.RLock()
	if hit, ok := ix.cache.Get(key); ok {
		ix.mu.RUnlock()
		return hit, nil
	}

	type scored struct {
		rec   types.TemplateRecord
		score float64
	}
	var matches []scored
	for _, rec := range ix.records {
		if !filterMatches(filter, rec.StackTags) {
			continue
		}
		s, ok := cosine(embedding, rec.Embedding)
		if !ok {
			continue
		}
		matches = append(matches, scored{rec: rec, score: s})
	}
	ix.mu.RUnlock()

	if len(matches) == 0 {
		return nil, ErrNotFound
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		if !matches[i].rec.ApprovedAt.Equal(matches[j].rec.ApprovedAt) {
			return matches[i].rec.ApprovedAt.After(matches[j].rec.ApprovedAt)
		}
		return matches[i].rec.ID < matches[j].rec.ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	out := make([]types.TemplateRecord, len(matches))
	for i, m := range matches {
		out[i] = m.rec
	}

	ix.mu.Lock()
	ix.cache.Add(key, out)
	ix.mu.Unlock()
	return out, nil
}

func filterMatches(filter Filter, tags map[string]string) bool {
	for k, want := range filter {
		if want == "" {
			continue
		}
		if tags[k] != want {
			return false
		}
	}
	return true
}

// cosine returns the cosine similarity of two equal-length vectors.
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

func cacheKey(embedding []float32, k int, filter Filter) string {
	h := fnv.New64a()
	var buf [4]byte
	for _, v := range embedding {
		bits := math.Float32bits(v)
		buf[0] = byte(bits)
		buf[1] = byte(bits >> 8)
		buf[2] = byte(bits >> 16)
		buf[3] = byte(bits >> 24)
		_, _ = h.Write(buf[:])
	}
	keys := make([]string, 0, len(filter))
	for fk := range filter {
		keys = append(keys, fk)
	}
	sort.Strings(keys)
	for _, fk := range keys {
		_, _ = h.Write([]byte(fk))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(filter[fk]))
		_, _ = h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16) + ":" + strconv.Itoa(k)
}
