// Package trace optionally groups OispEvents that share a request id or
// process lineage into a trace, exposed to consumers as attrs["trace_id"].
// It's pure enrichment: dropping this stage never changes what an event
// means, only how easily a UI can group related ones.
package trace

import (
	"context"
	"strconv"
	"time"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
	"github.com/oisp-project/oisp-sensor/internal/oispid"
	"github.com/oisp-project/oisp-sensor/internal/ttlcache"
)

const (
	defaultCacheCapacity = 8192
	defaultCacheTTL      = 10 * time.Minute
)

// Builder assigns a stable trace_id to every event it sees, grouped
// first by request id (the strong correlation key ai.request/response/
// streaming_chunk/tool_call events already carry) and, absent one, by
// process id (so process.exec/exit/network.connect/file.open events
// from the same process line up under one trace).
type Builder struct {
	byRequest *ttlcache.Cache[string]
	byPID     *ttlcache.Cache[string]
	newID     func() string
}

// NewBuilder constructs a Builder with its own bounded, TTL-expiring
// trace id caches.
func NewBuilder() *Builder {
	return &Builder{
		byRequest: ttlcache.New[string](defaultCacheCapacity, defaultCacheTTL),
		byPID:     ttlcache.New[string](defaultCacheCapacity, defaultCacheTTL),
		newID:     oispid.New,
	}
}

func (b *Builder) Name() string  { return "trace" }
func (b *Builder) Priority() int { return 100 }

func (b *Builder) Init(ctx context.Context) error     { return nil }
func (b *Builder) Shutdown(ctx context.Context) error { return nil }

// Process tags ev with attrs["trace_id"], minting a new id the first
// time a given request id or pid is seen and reusing it for every
// subsequent event sharing that key.
func (b *Builder) Process(_ context.Context, ev *oisp.Event) (*oisp.Event, error) {
	if ev == nil {
		return ev, nil
	}
	if ev.Attrs != nil {
		if _, ok := ev.Attrs["trace_id"]; ok {
			return ev, nil
		}
	}

	if reqID, ok := requestID(ev); ok && reqID != "" {
		ev.WithAttr("trace_id", b.idFor(b.byRequest, reqID))
		return ev, nil
	}
	if ev.Process.PID != 0 {
		ev.WithAttr("trace_id", b.idFor(b.byPID, strconv.Itoa(ev.Process.PID)))
	}
	return ev, nil
}

func (b *Builder) idFor(cache *ttlcache.Cache[string], key string) string {
	if id, ok := cache.Get(key); ok {
		return id
	}
	id := b.newID()
	cache.Put(key, id)
	return id
}

// requestID extracts the request id carried by the AI-call event variants
// that share one; other event kinds (process/network/file) have none.
func requestID(ev *oisp.Event) (string, bool) {
	switch d := ev.Data.(type) {
	case oisp.AIRequestData:
		return d.RequestID, true
	case oisp.AIResponseData:
		return d.RequestID, true
	case oisp.AIStreamingChunkData:
		return d.RequestID, true
	case oisp.AgentToolCallData:
		return d.RequestID, true
	default:
		return "", false
	}
}
