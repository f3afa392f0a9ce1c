package netext

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/oisp-project/oisp-sensor/internal/capture"
)

func socketPath() string {
	return filepath.Join(os.TempDir(), "oisp-sensor-netext.sock")
}

func listenSocket() (net.Listener, error) {
	path := socketPath()
	_ = os.Remove(path)
	return net.Listen("unix", path)
}

const (
	dialBackoffInitial = 100 * time.Millisecond
	dialBackoffMax     = 10 * time.Second
)

// dialSocketWithBackoff connects to the main sensor's Unix domain socket,
// retrying with exponential backoff (capped at dialBackoffMax) until it
// succeeds or ctx is done, matching the "reconnected with exponential
// backoff on disconnect" requirement for the extension/sensor split.
func dialSocketWithBackoff(ctx context.Context) (net.Conn, error) {
	delay := dialBackoffInitial
	for {
		conn, err := net.Dial("unix", socketPath())
		if err == nil {
			return conn, nil
		}
		log.WithError(err).Debug("netext: socket dial failed, backing off")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > dialBackoffMax {
			delay = dialBackoffMax
		}
	}
}

// reconnectingEncoder wraps the Unix socket connection to the main sensor
// process, transparently redialing with backoff whenever a write fails so
// the flow handler never has to know the socket dropped.
type reconnectingEncoder struct {
	ctx  context.Context
	mu   sync.Mutex
	conn net.Conn
	enc  *capture.Encoder
}

func newReconnectingEncoder(ctx context.Context) (*reconnectingEncoder, error) {
	conn, err := dialSocketWithBackoff(ctx)
	if err != nil {
		return nil, err
	}
	return &reconnectingEncoder{ctx: ctx, conn: conn, enc: capture.NewEncoder(conn)}, nil
}

func (r *reconnectingEncoder) Encode(ev capture.RawCaptureEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(ev); err != nil {
		log.WithError(err).Warn("netext: socket write failed, reconnecting")
		conn, derr := dialSocketWithBackoff(r.ctx)
		if derr != nil {
			return derr
		}
		r.conn.Close()
		r.conn = conn
		r.enc = capture.NewEncoder(conn)
		return r.enc.Encode(ev)
	}
	return nil
}

func (r *reconnectingEncoder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn.Close()
}
