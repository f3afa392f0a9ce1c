package export

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
	"github.com/oisp-project/oisp-sensor/internal/oispid"
	"github.com/oisp-project/oisp-sensor/internal/pipeline"
)

const (
	broadcastWriteTimeout      = 10 * time.Second
	broadcastHeartbeatInterval = 30 * time.Second
	broadcastQueueDepth        = 64
)

// BroadcastSink fans OispEvents out to any number of websocket
// subscribers, generalizing the teacher's wsrelay.Manager (one
// request/response session per provider connection) into a pub/sub
// broadcaster: every connected dashboard gets every event matching its
// handshake-declared type filter. Each subscriber has a bounded queue;
// a slow reader lag-drops (oldest event evicted, lag counter bumped)
// instead of stalling the fan-out for everyone else.
type BroadcastSink struct {
	upgrader websocket.Upgrader
	subs     sync.Map // id -> *broadcastSubscriber
	counters pipeline.Counters
	log      *logrus.Logger
}

type broadcastSubscriber struct {
	id        string
	conn      *websocket.Conn
	filter    map[string]struct{}
	queue     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	lag       pipeline.Counters // Dropped is the lag counter
}

// NewBroadcastSink builds a websocket fan-out exporter. It does not bind a
// listener itself; wire Handler() into an HTTP mux.
func NewBroadcastSink(log *logrus.Logger) *BroadcastSink {
	return &BroadcastSink{
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		log:      logFor(log),
	}
}

func (b *BroadcastSink) Name() string  { return "export.broadcast" }
func (b *BroadcastSink) Priority() int { return 0 }

func (b *BroadcastSink) Init(context.Context) error { return nil }
func (b *BroadcastSink) Shutdown(ctx context.Context) error {
	b.subs.Range(func(_, value any) bool {
		value.(*broadcastSubscriber).close()
		return true
	})
	return nil
}

// Handler exposes the websocket upgrade endpoint. Subscribers declare an
// optional comma-separated event-type filter via ?types=ai.request,ai.response.
func (b *BroadcastSink) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.log.WithError(err).Warn("export: broadcast upgrade failed")
			return
		}
		sub := &broadcastSubscriber{
			id:     oispid.New(),
			conn:   conn,
			filter: parseTypeFilter(r.URL.Query().Get("types")),
			queue:  make(chan []byte, broadcastQueueDepth),
			closed: make(chan struct{}),
		}
		b.subs.Store(sub.id, sub)
		go b.runWriter(sub)
		go b.runReader(sub)
	})
}

func parseTypeFilter(raw string) map[string]struct{} {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out[part] = struct{}{}
		}
	}
	return out
}

func (b *BroadcastSink) runWriter(sub *broadcastSubscriber) {
	ticker := time.NewTicker(broadcastHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sub.closed:
			return
		case payload, ok := <-sub.queue:
			if !ok {
				return
			}
			_ = sub.conn.SetWriteDeadline(time.Now().Add(broadcastWriteTimeout))
			if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				b.removeSubscriber(sub)
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(broadcastWriteTimeout))
			if err := sub.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(broadcastWriteTimeout)); err != nil {
				b.removeSubscriber(sub)
				return
			}
		}
	}
}

// runReader only drains inbound frames to detect disconnects; this sink is
// one-directional (dashboards consume, they don't publish).
func (b *BroadcastSink) runReader(sub *broadcastSubscriber) {
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			b.removeSubscriber(sub)
			return
		}
	}
}

func (b *BroadcastSink) removeSubscriber(sub *broadcastSubscriber) {
	if _, loaded := b.subs.LoadAndDelete(sub.id); loaded {
		sub.close()
	}
}

func (sub *broadcastSubscriber) close() {
	sub.closeOnce.Do(func() {
		close(sub.closed)
		_ = sub.conn.Close()
	})
}

// Process fans ev out to every matching subscriber; it never blocks and
// never drops ev from the pipeline, only from individual lagging sockets.
func (b *BroadcastSink) Process(ctx context.Context, ev *oisp.Event) (*oisp.Event, error) {
	b.counters.In.Add(1)
	if err := b.Export(ctx, ev); err != nil {
		b.counters.Errors.Add(1)
	} else {
		b.counters.Out.Add(1)
	}
	return ev, nil
}

func (b *BroadcastSink) Export(_ context.Context, ev *oisp.Event) error {
	line, err := marshalLine(ev)
	if err != nil {
		return err
	}
	b.subs.Range(func(_, value any) bool {
		sub := value.(*broadcastSubscriber)
		if sub.filter != nil {
			if _, ok := sub.filter[ev.EventType]; !ok {
				return true
			}
		}
		select {
		case sub.queue <- line:
		default:
			select {
			case <-sub.queue:
				sub.lag.Dropped.Add(1)
			default:
			}
			select {
			case sub.queue <- line:
			default:
			}
		}
		return true
	})
	return nil
}

func (b *BroadcastSink) ExportBatch(ctx context.Context, evs []*oisp.Event) error {
	for _, ev := range evs {
		if err := b.Export(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Flush is a no-op: fan-out is synchronous per subscriber queue.
func (b *BroadcastSink) Flush(context.Context) error { return nil }

func (b *BroadcastSink) Stats() pipeline.Snapshot { return b.counters.Snapshot() }

// SubscriberLag reports per-subscriber drop counts, keyed by connection id,
// for the health endpoint's broadcast detail.
func (b *BroadcastSink) SubscriberLag() map[string]uint64 {
	out := make(map[string]uint64)
	b.subs.Range(func(key, value any) bool {
		out[key.(string)] = value.(*broadcastSubscriber).lag.Dropped.Load()
		return true
	})
	return out
}
