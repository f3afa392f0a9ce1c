package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
)

func dropEventTypePlugin(eventType string, priority int) Plugin {
	return PluginFunc{
		NameFunc:     "drop-" + eventType,
		PriorityFunc: priority,
		ProcessFunc: func(_ context.Context, ev *oisp.Event) (*oisp.Event, error) {
			if ev.EventType == eventType {
				return nil, nil
			}
			return ev, nil
		},
	}
}

func TestStageRunsPluginsInPriorityOrderAndForwards(t *testing.T) {
	var order []string
	first := PluginFunc{NameFunc: "a", PriorityFunc: 10, ProcessFunc: func(_ context.Context, ev *oisp.Event) (*oisp.Event, error) {
		order = append(order, "a")
		return ev, nil
	}}
	second := PluginFunc{NameFunc: "b", PriorityFunc: 1, ProcessFunc: func(_ context.Context, ev *oisp.Event) (*oisp.Event, error) {
		order = append(order, "b")
		return ev, nil
	}}

	in := newEventChannel(4, BlockProducer, nil)
	out := newEventChannel(4, BlockProducer, nil)
	stage := NewStage("test", in, out, []Plugin{first, second}, nil)

	ctx := context.Background()
	if err := stage.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	done := make(chan struct{})
	go func() { stage.Run(ctx); close(done) }()

	in.send(&oisp.Event{EventID: "1"})
	in.close()

	ev, ok := out.drain()
	if !ok || ev.EventID != "1" {
		t.Fatalf("expected event 1 to pass through, got %+v ok=%v", ev, ok)
	}
	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Fatalf("expected lower-priority plugin b to run before a, got %v", order)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stage did not shut down after its input was closed")
	}
	if stage.Stats().In != 1 || stage.Stats().Out != 1 {
		t.Fatalf("unexpected stats: %+v", stage.Stats())
	}
}

func TestStageDropsEventsAPluginFilters(t *testing.T) {
	in := newEventChannel(4, BlockProducer, nil)
	out := newEventChannel(4, BlockProducer, nil)
	stage := NewStage("filter", in, out, []Plugin{dropEventTypePlugin("noise", 0)}, nil)

	go stage.Run(context.Background())
	in.send(&oisp.Event{EventID: "1", EventType: "noise"})
	in.send(&oisp.Event{EventID: "2", EventType: "keep"})
	in.close()

	ev, ok := out.drain()
	if !ok || ev.EventID != "2" {
		t.Fatalf("expected only the kept event to survive, got %+v ok=%v", ev, ok)
	}
	if _, ok := out.drain(); ok {
		t.Fatal("expected the filtered event to never reach Out")
	}
}
