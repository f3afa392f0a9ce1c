package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
	"github.com/oisp-project/oisp-sensor/internal/pipeline"
)

// OTLPSink batches events and exports them as OpenTelemetry log records
// over OTLP/HTTP, the transport the pack's own otel-instrumented services
// (e.g. redbco-redb-open's anchor/webhook services) use for their own
// telemetry egress.
type OTLPSink struct {
	exporter sdklog.Exporter
	buffer   *batchBuffer
	counters pipeline.Counters
	log      *logrus.Logger
}

// OTLPOptions configures the OTLP/HTTP log exporter and batching knobs.
type OTLPOptions struct {
	Endpoint      string
	Insecure      bool
	URLPath       string
	BatchSize     int
	MaxBuffered   int
	FlushInterval time.Duration
	MaxAttempts   int
}

// NewOTLPSink constructs the exporter client; it does not connect until
// the first flush.
func NewOTLPSink(opts OTLPOptions, log *logrus.Logger) (*OTLPSink, error) {
	clientOpts := []otlploghttp.Option{otlploghttp.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		clientOpts = append(clientOpts, otlploghttp.WithInsecure())
	}
	if opts.URLPath != "" {
		clientOpts = append(clientOpts, otlploghttp.WithURLPath(opts.URLPath))
	}
	exporter, err := otlploghttp.New(context.Background(), clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("export: build otlp log exporter: %w", err)
	}
	s := &OTLPSink{exporter: exporter, log: logFor(log)}
	s.buffer = newBatchBuffer("otlp", opts.BatchSize, opts.MaxBuffered, opts.MaxAttempts, opts.FlushInterval, s.sendBatch, &s.counters, s.log)
	return s, nil
}

func (s *OTLPSink) Name() string  { return "export.otlp" }
func (s *OTLPSink) Priority() int { return 0 }

func (s *OTLPSink) Init(context.Context) error {
	s.buffer.start()
	return nil
}

func (s *OTLPSink) Shutdown(ctx context.Context) error {
	if err := s.buffer.stopAndFlush(ctx); err != nil {
		return err
	}
	return s.exporter.Shutdown(ctx)
}

func (s *OTLPSink) Process(ctx context.Context, ev *oisp.Event) (*oisp.Event, error) {
	s.counters.In.Add(1)
	s.buffer.add(ev)
	return ev, nil
}

func (s *OTLPSink) Export(_ context.Context, ev *oisp.Event) error {
	s.buffer.add(ev)
	return nil
}

func (s *OTLPSink) ExportBatch(_ context.Context, evs []*oisp.Event) error {
	for _, ev := range evs {
		s.buffer.add(ev)
	}
	return nil
}

func (s *OTLPSink) Flush(ctx context.Context) error {
	s.buffer.flush(ctx)
	return nil
}

func (s *OTLPSink) Stats() pipeline.Snapshot { return s.counters.Snapshot() }

func (s *OTLPSink) sendBatch(ctx context.Context, batch []*oisp.Event) error {
	records := make([]sdklog.Record, 0, len(batch))
	for _, ev := range batch {
		records = append(records, toLogRecord(ev))
	}
	return s.exporter.Export(ctx, records)
}

func toLogRecord(ev *oisp.Event) sdklog.Record {
	var rec sdklog.Record
	rec.SetTimestamp(ev.TS)
	rec.SetObservedTimestamp(ev.TS)
	rec.SetEventName(ev.EventType)
	if body, err := json.Marshal(ev); err == nil {
		rec.SetBody(otellog.StringValue(string(body)))
	}
	rec.AddAttributes(
		otellog.String("event_id", ev.EventID),
		otellog.Int("pid", ev.Process.PID),
		otellog.String("adapter", ev.Source.Adapter),
	)
	return rec
}
