package decode

import (
	"testing"
	"time"
)

func TestCorrelatorOpenResolveRoundTrip(t *testing.T) {
	c := newCorrelator(0)
	c.open("k1", &pendingRequest{requestID: "r1", startedAt: time.Now()})

	if _, ok := c.resolve("nope"); ok {
		t.Fatal("expected miss for unknown key")
	}
	p, ok := c.resolve("k1")
	if !ok || p.requestID != "r1" {
		t.Fatalf("got %+v, %v", p, ok)
	}
	if _, ok := c.resolve("k1"); ok {
		t.Fatal("expected resolve to remove the entry")
	}
}

func TestCorrelatorSweepExpiredNonStreaming(t *testing.T) {
	c := newCorrelator(0)
	start := time.Now()
	c.open("k1", &pendingRequest{requestID: "r1", startedAt: start})

	if expired := c.sweepExpired(start); len(expired) != 0 {
		t.Fatalf("expected nothing expired immediately, got %v", expired)
	}
	expired := c.sweepExpired(start.Add(nonStreamingTimeout + time.Second))
	if len(expired) != 1 || expired["k1"].requestID != "r1" {
		t.Fatalf("expected k1 to expire, got %v", expired)
	}
	if _, ok := c.resolve("k1"); ok {
		t.Fatal("expected expired entry to be removed from pending")
	}
}

func TestCorrelatorMarkStreamingExtendsDeadline(t *testing.T) {
	c := newCorrelator(5 * time.Second)
	start := time.Now()
	c.open("k1", &pendingRequest{requestID: "r1", startedAt: start})

	// Past the non-streaming deadline but the response turned out to be
	// streaming, so markStreaming should push the deadline out again.
	later := start.Add(nonStreamingTimeout + time.Second)
	c.markStreaming("k1", later)

	if expired := c.sweepExpired(later); len(expired) != 0 {
		t.Fatalf("expected k1 to survive past markStreaming, got %v", expired)
	}
}

func TestCorrelatorStreamingWindowClampedToMax(t *testing.T) {
	c := newCorrelator(10 * time.Hour)
	if c.streamingWindow != maxStreamingTimeout {
		t.Fatalf("expected clamp to %v, got %v", maxStreamingTimeout, c.streamingWindow)
	}
}
