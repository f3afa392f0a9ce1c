// Package export delivers OispEvents to external sinks: an append-only
// JSONL file with size-based rotation, a websocket broadcast fan-out for
// live dashboards, batched network sinks (OTLP, Kafka, HTTP webhook), and
// an object-storage archival sink for rotated JSONL batches. Every sink is
// a pipeline.Plugin slotted into the terminal Export stage; each owns its
// own counters and never returns an error up to the stage, so one sink
// failing never stops its siblings from seeing the event (Stage.Run short
// circuits the plugin chain on the first error, which would otherwise
// starve every exporter after the one that failed).
package export

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
	"github.com/oisp-project/oisp-sensor/internal/pipeline"
)

// Sink is the shared export contract every concrete sink implements
// alongside pipeline.Plugin: single-event export, batch export, and a
// bounded-deadline flush of anything still buffered.
type Sink interface {
	Export(ctx context.Context, ev *oisp.Event) error
	ExportBatch(ctx context.Context, evs []*oisp.Event) error
	Flush(ctx context.Context) error
}

// NamedStats pairs a sink's display name with its point-in-time counters,
// for the health endpoint's per-exporter breakdown.
type NamedStats struct {
	Name  string            `json:"name"`
	Stats pipeline.Snapshot `json:"stats"`
}

// CollectStats snapshots every sink's counters, in the order given.
func CollectStats(sinks ...interface {
	Name() string
	Stats() pipeline.Snapshot
}) []NamedStats {
	out := make([]NamedStats, 0, len(sinks))
	for _, s := range sinks {
		out = append(out, NamedStats{Name: s.Name(), Stats: s.Stats()})
	}
	return out
}

func marshalLine(ev *oisp.Event) ([]byte, error) {
	line, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("export: marshal event %s: %w", ev.EventID, err)
	}
	return line, nil
}

func logFor(log *logrus.Logger) *logrus.Logger {
	if log != nil {
		return log
	}
	return logrus.StandardLogger()
}
