package pipeline

import (
	"testing"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
)

func TestEventChannelDropOldestEvictsHeadOfLine(t *testing.T) {
	var counters Counters
	c := newEventChannel(2, DropOldest, &counters)

	first := &oisp.Event{EventID: "1"}
	second := &oisp.Event{EventID: "2"}
	third := &oisp.Event{EventID: "3"}

	if !c.send(first) || !c.send(second) {
		t.Fatal("expected both sends to succeed within capacity")
	}
	if !c.send(third) {
		t.Fatal("expected DropOldest to make room rather than fail the send")
	}
	if counters.Dropped.Load() != 1 {
		t.Fatalf("expected exactly one dropped event, got %d", counters.Dropped.Load())
	}

	ev, ok := c.drain()
	if !ok || ev.EventID != "2" {
		t.Fatalf("expected the oldest surviving event to be %q, got %+v (ok=%v)", "2", ev, ok)
	}
}

func TestEventChannelCloseDrainsRemaining(t *testing.T) {
	c := newEventChannel(4, BlockProducer, nil)
	c.send(&oisp.Event{EventID: "1"})
	c.send(&oisp.Event{EventID: "2"})
	c.close()

	if c.send(&oisp.Event{EventID: "3"}) {
		t.Fatal("expected send to report failure once the channel is closed")
	}

	seen := 0
	for {
		_, ok := c.drain()
		if !ok {
			break
		}
		seen++
	}
	if seen != 2 {
		t.Fatalf("expected exactly the 2 events buffered before close to drain, got %d", seen)
	}
}
