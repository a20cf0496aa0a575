package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// FakeClient returns deterministic, minimal JSON payloads for offline runs
// and tests. It inspects the input shape to decide whether the caller wants
// a stack plan or a generated file.
type FakeClient struct{}

func NewFakeClient() *FakeClient { return &FakeClient{} }

func (f *FakeClient) Name() string { return "FakeLLM" }
func (f *FakeClient) Close() error { return nil }

func (f *FakeClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	b, _ := json.Marshal(input)
	var in map[string]any
	_ = json.Unmarshal(b, &in)

	if role, ok := in["role"].(string); ok && role != "" {
		path, _ := in["suggested_path"].(string)
		if path == "" {
			path = role + ".txt"
		}
		obj := map[string]any{
			"path":    path,
			"content": fakeContent(role, path, in),
		}
		out, _ := json.Marshal(obj)
		return out, nil
	}

	// Default: a stack plan reply.
	obj := map[string]any{
		"backend":    "FastAPI",
		"frontend":   "React",
		"database":   "PostgreSQL",
		"styling":    "Tailwind CSS",
		"rationale":  "fake selection",
		"confidence": 0.9,
	}
	out, _ := json.Marshal(obj)
	return out, nil
}

func fakeContent(role, path string, in map[string]any) string {
	desc, _ := in["requirements"].(string)
	var sb strings.Builder
	switch {
	case strings.HasSuffix(path, ".json"):
		return fmt.Sprintf("{\n  \"role\": %q,\n  \"generated_for\": %q\n}\n", role, desc)
	case strings.HasSuffix(path, ".md"):
		sb.WriteString("# Generated application\n\n")
		sb.WriteString(desc)
		sb.WriteString("\n")
	case strings.HasSuffix(path, ".py"):
		sb.WriteString("\"\"\"" + role + " module\"\"\"\n\n\ndef main():\n    pass\n")
	default:
		sb.WriteString("// " + role + "\n// " + desc + "\n")
	}
	return sb.String()
}
