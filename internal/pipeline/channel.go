package pipeline

import (
	"sync"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
)

// DefaultChannelDepth is the default bounded capacity of every inter-stage
// channel.
const DefaultChannelDepth = 10000

// eventChannel wraps a bounded chan *oisp.Event with a backpressure
// policy. Shutdown is signaled through done rather than by closing ch
// directly, so a producer's in-flight send can never race a close of the
// channel it is sending on; the consumer drains whatever is left in ch
// once done fires.
type eventChannel struct {
	policy    BackpressurePolicy
	ch        chan *oisp.Event
	done      chan struct{}
	closeOnce sync.Once
	dropMu    sync.Mutex
	counters  *Counters
}

func newEventChannel(depth int, policy BackpressurePolicy, counters *Counters) *eventChannel {
	if depth <= 0 {
		depth = DefaultChannelDepth
	}
	return &eventChannel{
		policy:   policy,
		ch:       make(chan *oisp.Event, depth),
		done:     make(chan struct{}),
		counters: counters,
	}
}

// send enqueues ev, applying the channel's backpressure policy when full.
// It reports false once the channel has been closed for producers.
func (c *eventChannel) send(ev *oisp.Event) bool {
	// A closed done always wins a select against a merely-ready ch, so
	// check it alone first: once closed, every later send deterministically
	// fails instead of racing whichever case the runtime happens to pick.
	select {
	case <-c.done:
		return false
	default:
	}

	switch c.policy {
	case DropOldest:
		c.dropMu.Lock()
		defer c.dropMu.Unlock()
		for {
			select {
			case c.ch <- ev:
				return true
			case <-c.done:
				return false
			default:
			}
			select {
			case <-c.ch:
				if c.counters != nil {
					c.counters.Dropped.Add(1)
				}
			default:
				// A concurrent drain already made room; loop and retry the send.
			}
		}
	default: // BlockProducer
		select {
		case c.ch <- ev:
			return true
		case <-c.done:
			return false
		}
	}
}

// close signals producers to stop. Safe to call more than once.
func (c *eventChannel) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// drain receives the next event, or reports ok=false once done has fired
// and ch has no buffered events left. The caller loops on drain until it
// returns ok=false to fully flush the channel during shutdown.
func (c *eventChannel) drain() (*oisp.Event, bool) {
	select {
	case ev := <-c.ch:
		return ev, true
	case <-c.done:
		select {
		case ev := <-c.ch:
			return ev, true
		default:
			return nil, false
		}
	}
}
