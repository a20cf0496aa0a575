// Package ratelimit gates run admission: one counter per (user, rolling
// window), atomically checked-and-incremented before any work starts.
// Over-quota requests are rejected, never queued.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"appforge/internal/types"
)

// Limits maps a tier to its request quota per window.
type Limits map[types.Tier]int

// DefaultLimits mirrors the shipped tier quotas: free 5/day, pro 30/day.
var DefaultLimits = Limits{
	types.TierFree: 5,
	types.TierPro:  30,
}

// DefaultWindow is the rolling quota window.
const DefaultWindow = 24 * time.Hour

func (l Limits) For(tier types.Tier) int {
	if n, ok := l[tier]; ok {
		return n
	}
	return l[types.TierFree]
}

// Gate is the rate/tier store contract consulted before Planning.
type Gate interface {
	CheckAndIncrement(ctx context.Context, userID string, tier types.Tier) (bool, error)
}

// MemoryGate keeps per-user hit timestamps in memory. Reads and writes
// serialize on one mutex; the critical section is a slice scan.
type MemoryGate struct {
	mu     sync.Mutex
	window time.Duration
	limits Limits
	hits   map[string][]time.Time
	now    func() time.Time
}

func NewMemoryGate(window time.Duration, limits Limits) *MemoryGate {
	if window <= 0 {
		window = DefaultWindow
	}
	if limits == nil {
		limits = DefaultLimits
	}
	return &MemoryGate{
		window: window,
		limits: limits,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

func (g *MemoryGate) CheckAndIncrement(_ context.Context, userID string, tier types.Tier) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.window)
	kept := g.hits[userID][:0]
	for _, t := range g.hits[userID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= g.limits.For(tier) {
		g.hits[userID] = kept
		return false, nil
	}
	g.hits[userID] = append(kept, now)
	return true, nil
}
