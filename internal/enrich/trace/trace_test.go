package trace

import (
	"context"
	"testing"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
)

func TestBuilderGroupsByRequestID(t *testing.T) {
	b := NewBuilder()
	req := &oisp.Event{Data: oisp.AIRequestData{RequestID: "r1"}}
	resp := &oisp.Event{Data: oisp.AIResponseData{RequestID: "r1"}}

	if _, err := b.Process(context.Background(), req); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, err := b.Process(context.Background(), resp); err != nil {
		t.Fatalf("Process: %v", err)
	}

	id1 := req.Attrs["trace_id"]
	id2 := resp.Attrs["trace_id"]
	if id1 == "" || id1 != id2 {
		t.Fatalf("expected request and response to share a trace id, got %q and %q", id1, id2)
	}
}

func TestBuilderGroupsByProcessWhenNoRequestID(t *testing.T) {
	b := NewBuilder()
	exec := &oisp.Event{Process: oisp.Process{PID: 5}, Data: oisp.ProcessExecData{}}
	conn := &oisp.Event{Process: oisp.Process{PID: 5}, Data: oisp.NetworkConnectData{}}

	b.Process(context.Background(), exec)
	b.Process(context.Background(), conn)

	if exec.Attrs["trace_id"] != conn.Attrs["trace_id"] {
		t.Fatalf("expected events from the same pid to share a trace id, got %v and %v", exec.Attrs["trace_id"], conn.Attrs["trace_id"])
	}
}

func TestBuilderDoesNotOverwriteExistingTraceID(t *testing.T) {
	b := NewBuilder()
	ev := &oisp.Event{Data: oisp.AIRequestData{RequestID: "r1"}}
	ev.WithAttr("trace_id", "preset")

	if _, err := b.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if ev.Attrs["trace_id"] != "preset" {
		t.Fatalf("expected preset trace id to survive, got %v", ev.Attrs["trace_id"])
	}
}
