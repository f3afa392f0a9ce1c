// Package demo implements a synthetic capture adapter: instead of
// attaching to real TLS traffic, it fabricates plausible HTTP request/
// response byte pairs and feeds them through the exact same
// capture.RawCaptureEvent channel a real adapter would, so `demo` and
// `record` share every downstream stage unmodified.
package demo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oisp-project/oisp-sensor/internal/capture"
)

// DefaultInterval is how often a synthetic request/response pair is
// emitted when Interval is left unset.
const DefaultInterval = 2 * time.Second

// Adapter generates synthetic OpenAI-shaped chat completion traffic on a
// fixed interval.
type Adapter struct {
	Interval time.Duration

	stop    chan struct{}
	wg      sync.WaitGroup
	emitted atomic.Uint64
}

// New builds a demo adapter emitting one request/response pair every
// interval (DefaultInterval if interval <= 0).
func New(interval time.Duration) *Adapter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Adapter{Interval: interval}
}

func (a *Adapter) Name() string { return "demo" }

// Start begins emitting synthetic traffic into sink. It returns
// immediately; generation continues on a background goroutine until Stop
// or ctx is cancelled.
func (a *Adapter) Start(ctx context.Context, sink chan<- capture.RawCaptureEvent, _ capture.Options) error {
	a.stop = make(chan struct{})
	a.wg.Add(1)
	go a.run(ctx, sink)
	return nil
}

func (a *Adapter) Stop(context.Context) error {
	if a.stop != nil {
		close(a.stop)
	}
	a.wg.Wait()
	return nil
}

func (a *Adapter) Stats() capture.Stats {
	return capture.Stats{EventsEmitted: a.emitted.Load()}
}

func (a *Adapter) run(ctx context.Context, sink chan<- capture.RawCaptureEvent) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.Interval)
	defer ticker.Stop()
	var seq int
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			seq++
			a.emitPair(sink, seq)
		}
	}
}

// emitPair sends one synthetic request then its matching response,
// sharing a (pid, tid) connection key so the decoder's correlator pairs
// them exactly as it would a real exchange.
func (a *Adapter) emitPair(sink chan<- capture.RawCaptureEvent, seq int) {
	pid := 10000 + seq%50
	now := time.Now().UnixNano()

	reqBody := fmt.Sprintf(`{"model":"gpt-5.2","messages":[{"role":"user","content":"synthetic request %d"}]}`, seq)
	req := fmt.Sprintf("POST /v1/chat/completions HTTP/1.1\r\nHost: api.openai.com\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s",
		len(reqBody), reqBody)

	respBody := fmt.Sprintf(`{"id":"chatcmpl-demo-%d","object":"chat.completion","model":"gpt-5.2","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"synthetic response %d"}}],"usage":{"prompt_tokens":12,"completion_tokens":8,"total_tokens":20}}`,
		seq, seq)
	resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s",
		len(respBody), respBody)

	a.send(sink, capture.KindSslWrite, pid, now, req)
	a.send(sink, capture.KindSslRead, pid, now+1, resp)
}

func (a *Adapter) send(sink chan<- capture.RawCaptureEvent, kind capture.Kind, pid int, tsNanos int64, payload string) {
	ev := capture.RawCaptureEvent{
		ID:      fmt.Sprintf("demo-%d-%s", tsNanos, kind),
		TSNanos: tsNanos,
		Kind:    kind,
		PID:     pid,
		TID:     pid,
		Payload: []byte(payload),
		Meta:    capture.Metadata{Comm: "demo", RemoteHost: "api.openai.com", RemotePort: 443},
	}
	select {
	case sink <- ev:
		a.emitted.Add(1)
	default:
	}
}
