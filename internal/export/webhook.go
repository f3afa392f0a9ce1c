package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
	"github.com/oisp-project/oisp-sensor/internal/pipeline"
)

// WebhookSink batches events and POSTs them as a JSON array to a single
// HTTP endpoint, matching the outbound client shape the core's own
// upstream provider calls use: a shared *http.Client with a fixed
// timeout, no connection-level retry (batchBuffer owns the retry/backoff
// policy at the batch level instead).
type WebhookSink struct {
	client   *http.Client
	url      string
	headers  map[string]string
	buffer   *batchBuffer
	counters pipeline.Counters
	log      *logrus.Logger
}

// WebhookOptions configures the endpoint, headers, and batching knobs.
type WebhookOptions struct {
	URL           string
	Headers       map[string]string
	Timeout       time.Duration
	BatchSize     int
	MaxBuffered   int
	FlushInterval time.Duration
	MaxAttempts   int
}

func NewWebhookSink(opts WebhookOptions, log *logrus.Logger) (*WebhookSink, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("export: webhook url is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &WebhookSink{
		client:  &http.Client{Timeout: timeout},
		url:     opts.URL,
		headers: opts.Headers,
		log:     logFor(log),
	}
	s.buffer = newBatchBuffer("webhook", opts.BatchSize, opts.MaxBuffered, opts.MaxAttempts, opts.FlushInterval, s.sendBatch, &s.counters, s.log)
	return s, nil
}

func (s *WebhookSink) Name() string  { return "export.webhook" }
func (s *WebhookSink) Priority() int { return 0 }

func (s *WebhookSink) Init(context.Context) error {
	s.buffer.start()
	return nil
}

func (s *WebhookSink) Shutdown(ctx context.Context) error {
	return s.buffer.stopAndFlush(ctx)
}

func (s *WebhookSink) Process(ctx context.Context, ev *oisp.Event) (*oisp.Event, error) {
	s.counters.In.Add(1)
	s.buffer.add(ev)
	return ev, nil
}

func (s *WebhookSink) Export(_ context.Context, ev *oisp.Event) error {
	s.buffer.add(ev)
	return nil
}

func (s *WebhookSink) ExportBatch(_ context.Context, evs []*oisp.Event) error {
	for _, ev := range evs {
		s.buffer.add(ev)
	}
	return nil
}

func (s *WebhookSink) Flush(ctx context.Context) error {
	s.buffer.flush(ctx)
	return nil
}

func (s *WebhookSink) Stats() pipeline.Snapshot { return s.counters.Snapshot() }

func (s *WebhookSink) sendBatch(ctx context.Context, batch []*oisp.Event) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("export: marshal webhook batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("export: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("export: webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("export: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
