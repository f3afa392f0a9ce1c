package redact

import (
	"context"
	"testing"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
	"github.com/oisp-project/oisp-sensor/internal/specbundle"
)

func newTestBundle(t *testing.T) *specbundle.Store {
	t.Helper()
	store, err := specbundle.NewStore(specbundle.Options{CacheDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestRedactorScrubsAPIKeyInAttr(t *testing.T) {
	r := New(nil)
	ev := &oisp.Event{Attrs: map[string]any{"note": "used key sk-abcdefghijklmnopqrstuvwxyz for this call"}}

	out, err := r.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Attrs["note"] == ev.Attrs["note"] {
		t.Fatal("expected the API key to be scrubbed")
	}
	if !out.Redacted("note") {
		t.Fatal("expected the touched attr key to be marked redacted")
	}
}

func TestRedactorIsIdempotent(t *testing.T) {
	r := New(nil)
	ev := &oisp.Event{Attrs: map[string]any{"note": "token Bearer abcd1234efgh"}}

	first, _ := r.Process(context.Background(), ev)
	firstVal := first.Attrs["note"]

	second, _ := r.Process(context.Background(), first)
	if second.Attrs["note"] != firstVal {
		t.Fatalf("expected a second pass to be a no-op, got %q vs %q", second.Attrs["note"], firstVal)
	}
}

func TestRedactorAppliesBundlePIIFieldsToRetainedBody(t *testing.T) {
	r := New(newTestBundle(t))
	ev := &oisp.Event{
		Attrs: map[string]any{
			"request_body": `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"my ssn is 123-45-6789"}]}`,
		},
		Data: oisp.AIRequestData{Provider: "openai"},
	}

	out, err := r.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	body := out.Attrs["request_body"].(string)
	if body == ev.Attrs["request_body"] {
		t.Fatal("expected message content to be redacted")
	}
	if !out.Redacted("request_body") {
		t.Fatal("expected request_body to be marked redacted")
	}
}

func TestRedactorScrubsToolCallArguments(t *testing.T) {
	r := New(nil)
	ev := &oisp.Event{
		Data: oisp.AIResponseData{
			ToolCalls: []oisp.ToolCall{{Name: "send_email", Arguments: `{"api_key":"sk-abcdefghijklmnopqrstuvwxyz"}`}},
		},
	}

	out, err := r.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	data := out.Data.(oisp.AIResponseData)
	if data.ToolCalls[0].Arguments == `{"api_key":"sk-abcdefghijklmnopqrstuvwxyz"}` {
		t.Fatal("expected the tool call argument secret to be scrubbed")
	}
	if !out.Redacted("tool_calls") {
		t.Fatal("expected tool_calls to be marked redacted")
	}
}
