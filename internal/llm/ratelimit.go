package llm

import (
	"context"
	"encoding/json"
	"time"
)

// RateLimit throttles calls to the underlying client to at most rps requests
// per second with a burst capacity. rps <= 0 disables throttling.
func RateLimit(rps float64, burst int) Middleware {
	return func(next Client) Client {
		return &throttled{next: next, rl: newRPSLimiter(rps, burst)}
	}
}

type throttled struct {
	next Client
	rl   *rpsLimiter
}

func (t *throttled) Name() string { return t.next.Name() }
func (t *throttled) Close() error {
	t.rl.Stop()
	return t.next.Close()
}

func (t *throttled) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	if err := t.rl.Acquire(ctx); err != nil {
		return nil, err
	}
	return t.next.GenerateJSON(ctx, prompt, input)
}

// rpsLimiter is a lightweight token-bucket limiter. A nil limiter is a
// no-op, which is how "disabled" is represented.
type rpsLimiter struct {
	tokens chan struct{}
	stopCh chan struct{}
}

func newRPSLimiter(rps float64, burst int) *rpsLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}

	l := &rpsLimiter{
		tokens: make(chan struct{}, burst),
		stopCh: make(chan struct{}),
	}

	// Pre-fill bucket to allow an initial burst.
	for i := 0; i < burst; i++ {
		l.tokens <- struct{}{}
	}

	period := time.Duration(float64(time.Second) / rps)
	if period <= 0 {
		period = time.Millisecond
	}
	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case l.tokens <- struct{}{}:
				default:
					// bucket full; drop token
				}
			case <-l.stopCh:
				return
			}
		}
	}()

	return l
}

// Acquire blocks until a token is available or the context is canceled.
func (l *rpsLimiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopCh:
		return context.Canceled
	case <-l.tokens:
		return nil
	}
}

// Stop terminates the limiter's refill goroutine.
func (l *rpsLimiter) Stop() {
	if l == nil {
		return
	}
	close(l.stopCh)
}
