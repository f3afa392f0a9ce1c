package export

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
	"github.com/oisp-project/oisp-sensor/internal/pipeline"
)

// batchBuffer is the shared accumulate-then-flush machinery behind every
// network sink (OTLP, Kafka, webhook): events pile up until batchSize or
// flushInterval triggers a send; a failing send retries with exponential
// backoff up to maxAttempts before the batch is counted as dropped. The
// buffer itself is bounded at maxBuffered events; once full, the oldest
// buffered event is evicted to make room for the newest.
type batchBuffer struct {
	name          string
	batchSize     int
	maxBuffered   int
	flushInterval time.Duration
	maxAttempts   int
	baseBackoff   time.Duration
	send          func(ctx context.Context, batch []*oisp.Event) error
	counters      *pipeline.Counters
	log           *logrus.Logger

	mu   sync.Mutex
	buf  []*oisp.Event
	stop chan struct{}
	wg   sync.WaitGroup
}

func newBatchBuffer(name string, batchSize, maxBuffered, maxAttempts int, flushInterval time.Duration, send func(context.Context, []*oisp.Event) error, counters *pipeline.Counters, log *logrus.Logger) *batchBuffer {
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxBuffered <= 0 {
		maxBuffered = batchSize * 10
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &batchBuffer{
		name:          name,
		batchSize:     batchSize,
		maxBuffered:   maxBuffered,
		flushInterval: flushInterval,
		maxAttempts:   maxAttempts,
		baseBackoff:   200 * time.Millisecond,
		send:          send,
		counters:      counters,
		log:           logFor(log),
		stop:          make(chan struct{}),
	}
}

func (b *batchBuffer) start() {
	b.wg.Add(1)
	go b.run()
}

func (b *batchBuffer) run() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.flush(context.Background())
		}
	}
}

// add appends ev, evicting the oldest buffered event on overflow, and
// triggers an immediate flush once batchSize is reached.
func (b *batchBuffer) add(ev *oisp.Event) {
	b.mu.Lock()
	if len(b.buf) >= b.maxBuffered {
		b.buf = b.buf[1:]
		b.counters.Dropped.Add(1)
	}
	b.buf = append(b.buf, ev)
	full := len(b.buf) >= b.batchSize
	b.mu.Unlock()
	if full {
		b.flush(context.Background())
	}
}

// flush drains whatever is buffered and attempts to send it, retrying
// with exponential backoff. A batch that exhausts every attempt is
// counted as dropped in full, never partially.
func (b *batchBuffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.buf
	b.buf = nil
	b.mu.Unlock()

	backoff := b.baseBackoff
	var lastErr error
	attempted := 0
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		attempted = attempt
		if err := b.send(ctx, batch); err != nil {
			lastErr = err
			if attempt == b.maxAttempts {
				break
			}
			select {
			case <-time.After(backoff):
				backoff *= 2
				continue
			case <-ctx.Done():
				lastErr = ctx.Err()
			}
		} else {
			b.counters.Out.Add(uint64(len(batch)))
			return
		}
		break
	}
	b.counters.Errors.Add(1)
	b.counters.Dropped.Add(uint64(len(batch)))
	b.log.WithError(lastErr).WithField("sink", b.name).Warnf("export: dropped batch of %d events after %d attempts", len(batch), attempted)
}

// stopAndFlush stops the interval ticker and flushes whatever remains,
// bounded by ctx's deadline.
func (b *batchBuffer) stopAndFlush(ctx context.Context) error {
	close(b.stop)
	b.wg.Wait()
	b.flush(ctx)
	return nil
}
