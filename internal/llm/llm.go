package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidJSON is returned when a model reply is not parseable JSON.
var ErrInvalidJSON = errors.New("llm: invalid JSON from model")

// Client is the completion-service contract the engine depends on.
// Implementations assemble a single request from prompt + input and ask the
// provider for a JSON object reply.
type Client interface {
	Name() string
	Close() error
	GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error)
}

// PermanentError marks an upstream failure that retrying cannot fix
// (e.g. context length exceeded). Middleware must not retry it.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps err as non-retryable.
func NewPermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in its
// chain.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Middleware decorates a Client.
type Middleware func(Client) Client

// Wrap applies middlewares so the first listed is outermost.
func Wrap(c Client, mws ...Middleware) Client {
	for i := len(mws) - 1; i >= 0; i-- {
		c = mws[i](c)
	}
	return c
}

// decodeObject unmarshals a raw model reply into out, normalizing parse
// failures to ErrInvalidJSON.
func decodeObject(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return nil
}
