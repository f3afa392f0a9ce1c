package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
	"github.com/oisp-project/oisp-sensor/internal/pipeline"
)

func TestBatchBufferFlushesOnBatchSize(t *testing.T) {
	var mu sync.Mutex
	var sent [][]*oisp.Event
	var counters pipeline.Counters
	b := newBatchBuffer("test", 2, 10, 1, time.Hour, func(_ context.Context, batch []*oisp.Event) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, batch)
		return nil
	}, &counters, nil)

	b.add(&oisp.Event{EventID: "1"})
	b.add(&oisp.Event{EventID: "2"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 1, "expected one batch once batchSize is reached")
	require.Len(t, sent[0], 2)
	require.EqualValues(t, 2, counters.Out.Load())
}

func TestBatchBufferRetriesThenSucceeds(t *testing.T) {
	var attempts int
	var counters pipeline.Counters
	b := newBatchBuffer("test", 1, 10, 3, time.Hour, func(_ context.Context, batch []*oisp.Event) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient failure")
		}
		return nil
	}, &counters, nil)
	b.baseBackoff = time.Millisecond

	b.add(&oisp.Event{EventID: "1"})

	require.Equal(t, 2, attempts, "expected exactly 2 attempts before success")
	require.EqualValues(t, 1, counters.Out.Load())
	require.EqualValues(t, 0, counters.Errors.Load(), "a batch that eventually succeeds records no error")
}

func TestBatchBufferDropsBatchAfterExhaustingAttempts(t *testing.T) {
	var counters pipeline.Counters
	b := newBatchBuffer("test", 1, 10, 2, time.Hour, func(context.Context, []*oisp.Event) error {
		return errors.New("permanent failure")
	}, &counters, nil)
	b.baseBackoff = time.Millisecond

	b.add(&oisp.Event{EventID: "1"})

	require.EqualValues(t, 1, counters.Errors.Load(), "expected one dropped-batch error")
	require.EqualValues(t, 1, counters.Dropped.Load(), "expected the whole batch counted as dropped")
	require.EqualValues(t, 0, counters.Out.Load())
}

func TestBatchBufferOverflowDropsOldest(t *testing.T) {
	var counters pipeline.Counters
	b := newBatchBuffer("test", 100, 2, 1, time.Hour, func(context.Context, []*oisp.Event) error {
		return nil
	}, &counters, nil)

	b.add(&oisp.Event{EventID: "1"})
	b.add(&oisp.Event{EventID: "2"})
	b.add(&oisp.Event{EventID: "3"})

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.buf, 2, "expected buffer capped at 2")
	require.Equal(t, "2", b.buf[0].EventID)
	require.Equal(t, "3", b.buf[1].EventID)
	require.EqualValues(t, 1, counters.Dropped.Load(), "expected one overflow drop counted")
}
