package pipeline

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oisp-project/oisp-sensor/internal/capture"
	"github.com/oisp-project/oisp-sensor/internal/decode"
	"github.com/oisp-project/oisp-sensor/internal/oisp"
	"github.com/oisp-project/oisp-sensor/internal/specbundle"
)

// rawEventChannel is the capture->decode boundary. It only ever runs with
// DropOldest: the capture adapter must never block on a full channel
// while it may be holding kernel resources (a ring buffer slot, a
// redirected socket).
type rawEventChannel struct {
	ch       chan capture.RawCaptureEvent
	done     chan struct{}
	once     sync.Once
	dropMu   sync.Mutex
	counters *Counters
}

func newRawEventChannel(depth int, counters *Counters) *rawEventChannel {
	if depth <= 0 {
		depth = DefaultChannelDepth
	}
	return &rawEventChannel{ch: make(chan capture.RawCaptureEvent, depth), done: make(chan struct{}), counters: counters}
}

func (c *rawEventChannel) send(ev capture.RawCaptureEvent) bool {
	select {
	case <-c.done:
		return false
	default:
	}
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
		}
	}
}

func (c *rawEventChannel) close() { c.once.Do(func() { close(c.done) }) }

func (c *rawEventChannel) drain() (capture.RawCaptureEvent, bool) {
	select {
	case ev := <-c.ch:
		return ev, true
	case <-c.done:
		select {
		case ev := <-c.ch:
			return ev, true
		default:
			return capture.RawCaptureEvent{}, false
		}
	}
}

// DecodeShardCount is the default number of decoder workers events are
// sharded across. The decoder is single-threaded per shard to keep its
// reassembly buffers consistent; per-connection order is preserved
// because hash(pid, tidOrFD) always routes the same connection to the
// same shard.
const DecodeShardCount = 8

// decodeShard owns one decode.Decoder and its own bounded inbound queue.
// Its queue uses BlockProducer: once inside the decode stage this is
// internal-stage traffic, and losing an event here (rather than at the
// capture boundary) would desynchronize reassembly state.
type decodeShard struct {
	decoder *decode.Decoder
	queue   chan capture.RawCaptureEvent
}

// DecodeStage shards capture events across DecodeShardCount decode.Decoder
// workers and forwards every resulting OispEvent downstream.
type DecodeStage struct {
	in       *rawEventChannel
	out      *eventChannel
	shards   []*decodeShard
	Counters Counters
	log      *logrus.Logger
	sweep    time.Duration
	wg       sync.WaitGroup
	state    atomic.Int32
}

// NewDecodeStage builds a decode stage with n shards (DecodeShardCount if
// n <= 0), each wrapping its own decode.Decoder against bundle.
func NewDecodeStage(n int, bundle *specbundle.Store, decoderOpts decode.Options, in *rawEventChannel, out *eventChannel, sweepInterval time.Duration, log *logrus.Logger) *DecodeStage {
	if n <= 0 {
		n = DecodeShardCount
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	shards := make([]*decodeShard, n)
	for i := range shards {
		shards[i] = &decodeShard{
			decoder: decode.New(bundle, decoderOpts),
			queue:   make(chan capture.RawCaptureEvent, DefaultChannelDepth/n+1),
		}
	}
	return &DecodeStage{in: in, out: out, shards: shards, log: log, sweep: sweepInterval}
}

func shardIndex(ev capture.RawCaptureEvent, n int) int {
	k := ev.Key()
	h := fnv.New32a()
	h.Write([]byte{byte(k.PID), byte(k.PID >> 8), byte(k.PID >> 16), byte(k.PID >> 24)})
	h.Write([]byte{byte(k.TidOrFD), byte(k.TidOrFD >> 8), byte(k.TidOrFD >> 16), byte(k.TidOrFD >> 24)})
	return int(h.Sum32()) % n
}

// Run starts the dispatcher and every shard worker, and blocks until the
// input channel is closed and fully drained. Call it in its own
// goroutine.
func (s *DecodeStage) Run(ctx context.Context) {
	s.state.Store(int32(StateRunning))
	defer s.state.Store(int32(StateStopped))
	s.wg.Add(2 + len(s.shards))
	for _, shard := range s.shards {
		go s.runShard(ctx, shard)
	}
	go s.runSweeper(ctx)
	s.runDispatch(ctx)
	for _, shard := range s.shards {
		close(shard.queue)
	}
	s.wg.Wait()
	if s.out != nil {
		s.out.close()
	}
}

func (s *DecodeStage) runDispatch(ctx context.Context) {
	defer s.wg.Done()
	for {
		ev, ok := s.in.drain()
		if !ok {
			return
		}
		s.Counters.In.Add(1)
		shard := s.shards[shardIndex(ev, len(s.shards))]
		select {
		case shard.queue <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (s *DecodeStage) runShard(ctx context.Context, shard *decodeShard) {
	defer s.wg.Done()
	for ev := range shard.queue {
		if !shard.decoder.CanDecode(ev) {
			continue
		}
		for _, out := range shard.decoder.Feed(ev) {
			s.forward(out)
		}
	}
}

func (s *DecodeStage) runSweeper(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, shard := range s.shards {
				for _, out := range shard.decoder.Sweep(now) {
					s.forward(out)
				}
			}
		}
	}
}

func (s *DecodeStage) forward(ev *oisp.Event) {
	if ev == nil {
		return
	}
	if s.out != nil && s.out.send(ev) {
		s.Counters.Out.Add(1)
	} else if s.out != nil {
		s.Counters.Dropped.Add(1)
	}
}

// Stats returns a point-in-time snapshot of the decode stage's counters.
func (s *DecodeStage) Stats() Snapshot {
	return s.Counters.snapshot()
}

// State reports the decode stage's current run state.
func (s *DecodeStage) State() State {
	return State(s.state.Load())
}

// LastError always returns "": decode errors are per-connection (handled
// by resetting that connection's reassembly state) and never recorded as
// a stage-level fault.
func (s *DecodeStage) LastError() string { return "" }
