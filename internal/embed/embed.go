// Package embed provides the embedding-service clients used by the template
// index and the stack selector.
package embed

import (
	"context"
	"errors"
)

// ErrEmptyText is returned when there is nothing to embed.
var ErrEmptyText = errors.New("embed: empty text")

// Embedder turns text into a vector. Implementations must be safe for
// concurrent use.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
}
