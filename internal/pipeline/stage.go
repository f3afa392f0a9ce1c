// Package pipeline orchestrates staged event processing with bounded
// memory: Capture -> Decode -> Enrich -> Act -> Export/Broadcast, each
// stage running on its own goroutine and talking to its neighbors through
// a bounded channel with a per-boundary backpressure policy.
package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
)

// Plugin is one unit of work inside a stage. Multiple plugins may run in
// the same stage; they are invoked sequentially per event, in ascending
// Priority order, so within-stage ordering is preserved.
type Plugin interface {
	// Name identifies the plugin in logs and stats.
	Name() string
	// Priority orders plugins within a stage; lower runs first.
	Priority() int
	// Init prepares the plugin before the stage starts pulling events.
	Init(ctx context.Context) error
	// Process transforms or inspects ev. A nil *oisp.Event return drops
	// the event from the stage's output without it being an error.
	Process(ctx context.Context, ev *oisp.Event) (*oisp.Event, error)
	// Shutdown releases resources; called once after the stage's input
	// channel is drained and closed.
	Shutdown(ctx context.Context) error
}

// PluginFunc lets callers build a Plugin from a handful of optional
// closures, mirroring the teacher's HookFunc aggregate-callback pattern.
type PluginFunc struct {
	NameFunc     string
	PriorityFunc int
	InitFunc     func(context.Context) error
	ProcessFunc  func(context.Context, *oisp.Event) (*oisp.Event, error)
	ShutdownFunc func(context.Context) error
}

func (p PluginFunc) Name() string  { return p.NameFunc }
func (p PluginFunc) Priority() int { return p.PriorityFunc }
func (p PluginFunc) Init(ctx context.Context) error {
	if p.InitFunc != nil {
		return p.InitFunc(ctx)
	}
	return nil
}
func (p PluginFunc) Process(ctx context.Context, ev *oisp.Event) (*oisp.Event, error) {
	if p.ProcessFunc != nil {
		return p.ProcessFunc(ctx, ev)
	}
	return ev, nil
}
func (p PluginFunc) Shutdown(ctx context.Context) error {
	if p.ShutdownFunc != nil {
		return p.ShutdownFunc(ctx)
	}
	return nil
}

// BackpressurePolicy governs what a bounded channel does when full.
type BackpressurePolicy int

const (
	// BlockProducer makes the sender wait for room. Used between internal
	// stages where losing an event silently would corrupt correlation
	// state downstream.
	BlockProducer BackpressurePolicy = iota
	// DropOldest evicts the head-of-line event to make room for the new
	// one. Used at the capture->decode boundary (the adapter must never
	// block on a full channel while holding kernel resources) and for
	// broadcast subscribers (a slow dashboard should lag, not stall
	// everyone else).
	DropOldest
)

// Counters are the atomically-updated stats every stage exposes; the
// health endpoint aggregates them across stages.
type Counters struct {
	In      atomic.Uint64
	Out     atomic.Uint64
	Dropped atomic.Uint64
	Errors  atomic.Uint64
}

// Snapshot is a point-in-time, non-atomic copy of Counters suitable for
// JSON serialization.
type Snapshot struct {
	In      uint64 `json:"in"`
	Out     uint64 `json:"out"`
	Dropped uint64 `json:"dropped"`
	Errors  uint64 `json:"errors"`
}

func (c *Counters) snapshot() Snapshot {
	return Snapshot{
		In:      c.In.Load(),
		Out:     c.Out.Load(),
		Dropped: c.Dropped.Load(),
		Errors:  c.Errors.Load(),
	}
}

// Snapshot is the exported form of snapshot, for callers outside the
// package (individual export sinks expose their own Counters this way).
func (c *Counters) Snapshot() Snapshot { return c.snapshot() }
