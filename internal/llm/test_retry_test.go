package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// flaky fails a fixed number of times before succeeding.
type flaky struct {
	failures int
	calls    int
	err      error
}

func (f *flaky) Name() string { return "flaky" }
func (f *flaky) Close() error { return nil }
func (f *flaky) GenerateJSON(context.Context, string, any) (json.RawMessage, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	inner := &flaky{failures: 2, err: errors.New("temporarily overloaded")}
	cli := Wrap(inner, Retry(3, time.Millisecond))

	raw, err := cli.GenerateJSON(context.Background(), "p", nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(raw) != `{"ok":true}` {
		t.Fatalf("unexpected payload %s", raw)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	inner := &flaky{failures: 10, err: errors.New("still failing")}
	cli := Wrap(inner, Retry(2, time.Millisecond))

	if _, err := cli.GenerateJSON(context.Background(), "p", nil); err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if inner.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", inner.calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	inner := &flaky{failures: 10, err: NewPermanentError(errors.New("context too large"))}
	cli := Wrap(inner, Retry(3, time.Millisecond))

	_, err := cli.GenerateJSON(context.Background(), "p", nil)
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", inner.calls)
	}
}

func TestRetryHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inner := &flaky{failures: 10, err: errors.New("boom")}
	cli := Wrap(inner, Retry(5, time.Millisecond))

	_, err := cli.GenerateJSON(ctx, "p", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", inner.calls)
	}
}

func TestPermanentErrorUnwraps(t *testing.T) {
	base := errors.New("root cause")
	err := NewPermanentError(base)
	if !errors.Is(err, base) {
		t.Fatal("permanent error must wrap its cause")
	}
	if IsPermanent(errors.New("plain")) {
		t.Fatal("plain errors are not permanent")
	}
}

func TestFakeClientShapes(t *testing.T) {
	cli := NewFakeClient()

	raw, err := cli.GenerateJSON(context.Background(), "p", map[string]any{"requirements": "a blog"})
	if err != nil {
		t.Fatalf("plan call: %v", err)
	}
	var plan struct {
		Backend string `json:"backend"`
	}
	if err := json.Unmarshal(raw, &plan); err != nil || plan.Backend == "" {
		t.Fatalf("expected a stack plan, got %s (%v)", raw, err)
	}

	raw, err = cli.GenerateJSON(context.Background(), "p", map[string]any{
		"role":           "schema",
		"suggested_path": "app/models.py",
	})
	if err != nil {
		t.Fatalf("file call: %v", err)
	}
	var out struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Path != "app/models.py" || out.Content == "" {
		t.Fatalf("expected a file payload, got %s (%v)", raw, err)
	}
}
