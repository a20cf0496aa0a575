// Package publish pushes an accepted file set to a remote code host and
// fetches approved repositories for template ingestion.
package publish

import (
	"context"

	"appforge/internal/types"
)

// Publisher delivers the accepted files of a run to an external destination
// and returns a URL where they can be browsed.
type Publisher interface {
	Publish(ctx context.Context, name string, files []types.GeneratedFile) (string, error)
}

// Memory collects published file sets in process. Used in tests and when no
// code host is configured.
type Memory struct {
	Repos map[string][]types.GeneratedFile
}

func NewMemory() *Memory {
	return &Memory{Repos: make(map[string][]types.GeneratedFile)}
}

func (m *Memory) Publish(_ context.Context, name string, files []types.GeneratedFile) (string, error) {
	m.Repos[name] = append([]types.GeneratedFile(nil), files...)
	return "memory://" + name, nil
}
