// Package health serves the sensor's local introspection HTTP surface:
// GET /healthz, reporting every pipeline stage's run state and counters
// plus each configured export sink's own stats, and (when the websocket
// broadcast sink is enabled) the live event subscription endpoint.
package health

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/oisp-project/oisp-sensor/internal/export"
	"github.com/oisp-project/oisp-sensor/internal/logging"
	"github.com/oisp-project/oisp-sensor/internal/pipeline"
)

// DefaultAddr is used when no listen address is configured.
const DefaultAddr = "127.0.0.1:9090"

// StatSink is the minimal shape health needs from a configured export
// sink; it matches export.CollectStats's own anonymous interface so any
// concrete sink in internal/export satisfies both without adaptation.
// Exported (rather than the anonymous interface callers would otherwise
// have to spell out at every call site) so cmd/oisp-sensor and
// internal/cli can build []health.StatSink directly from their sink
// slices.
type StatSink interface {
	Name() string
	Stats() pipeline.Snapshot
}

// StageReporter is the minimal shape health needs from the pipeline
// runtime. *pipeline.Runtime satisfies it; tests can supply a fake.
type StageReporter interface {
	StageHealth() []pipeline.StageHealth
}

// Response is the full /healthz payload.
type Response struct {
	Status    string                 `json:"status"`
	Stages    []pipeline.StageHealth `json:"stages"`
	Exporters []export.NamedStats    `json:"exporters"`
}

// Server owns the gin engine and the underlying http.Server lifecycle,
// mirroring the teacher's own background-HTTP-server start/stop pattern
// (listen in a goroutine, bounded-timeout Shutdown).
type Server struct {
	mu     sync.Mutex
	server *http.Server
	addr   string

	runtime StageReporter
	sinks   []StatSink
}

// NewServer builds a Server that reports runtime's stage health and every
// sink's stats. If broadcastHandler is non-nil, it is mounted at
// /ws so dashboard subscribers can reach the broadcast sink without a
// separate listener.
func NewServer(addr string, runtime StageReporter, sinks []StatSink, broadcastHandler http.Handler) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{addr: addr, runtime: runtime, sinks: sinks}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusRecovery(), logging.GinLogrusLogger())
	engine.GET("/healthz", s.handleHealthz)
	if broadcastHandler != nil {
		engine.GET("/ws", gin.WrapH(broadcastHandler))
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background. It returns immediately; a
// failed listen is logged, not returned, matching the teacher's
// fire-and-forget background server pattern.
func (s *Server) Start() {
	log.WithField("addr", s.addr).Info("health: starting server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).WithField("addr", s.addr).Error("health: server failed")
		}
	}()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	resp := Response{
		Status:    "ok",
		Stages:    s.runtime.StageHealth(),
		Exporters: export.CollectStats(toAnySlice(s.sinks)...),
	}
	for _, stage := range resp.Stages {
		if stage.LastError != "" {
			resp.Status = "degraded"
			break
		}
	}
	c.JSON(http.StatusOK, resp)
}

// toAnySlice adapts a []StatSink to the variadic anonymous-interface
// parameter export.CollectStats expects; Go does not allow passing a
// []StatSink directly where []interface{ Name() string; Stats() ... } is
// expected even though every element already satisfies it.
func toAnySlice(sinks []StatSink) []interface {
	Name() string
	Stats() pipeline.Snapshot
} {
	out := make([]interface {
		Name() string
		Stats() pipeline.Snapshot
	}, len(sinks))
	for i, s := range sinks {
		out[i] = s
	}
	return out
}
