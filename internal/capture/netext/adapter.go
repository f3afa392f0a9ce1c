package netext

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/oisp-project/oisp-sensor/internal/capture"
	"github.com/oisp-project/oisp-sensor/internal/oisperr"
	"github.com/oisp-project/oisp-sensor/internal/tlsca"
)

// Adapter is the macOS capture adapter: a pf-redirected flow source paired
// with a MITM/pass-through flow handler, talking to the rest of the sensor
// over a Unix domain socket.
type Adapter struct {
	ca     *tlsca.CA
	lookup DomainLookup

	source  *pfFlowSource
	handler *flowHandler
	sockLn  net.Listener
	enc     *reconnectingEncoder

	cancel context.CancelFunc

	bytesCaptured atomic.Uint64
	eventsEmitted atomic.Uint64
	ringDrops     atomic.Uint64
}

// New constructs an unattached macOS adapter. lookup reports whether a
// destination host is known to the spec bundle and whether full MITM is
// approved for it, gating which flows get retained and how.
func New(ca *tlsca.CA, lookup DomainLookup) *Adapter {
	return &Adapter{ca: ca, lookup: lookup}
}

// Name implements capture.Adapter.
func (a *Adapter) Name() string { return "macos-netext" }

// Start implements capture.Adapter.
func (a *Adapter) Start(ctx context.Context, sink chan<- capture.RawCaptureEvent, opts capture.Options) error {
	payloadCap := opts.SSLPayloadCap
	if payloadCap <= 0 {
		payloadCap = capture.DefaultSSLPayloadCap
	}

	sockLn, err := listenSocket()
	if err != nil {
		return oisperr.Capability("netext-socket", fmt.Errorf("listen on netext socket: %w", err))
	}
	a.sockLn = sockLn

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	go a.readSocket(runCtx, sockLn, sink)

	enc, err := newReconnectingEncoder(runCtx)
	if err != nil {
		cancel()
		sockLn.Close()
		return oisperr.Capability("netext-socket", fmt.Errorf("dial netext socket: %w", err))
	}
	a.enc = enc

	a.handler = newFlowHandler(a.ca, payloadCap, enc)

	listenAddr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	a.source = newFlowSource(a.lookup, listenAddr)

	flows := make(chan Flow, 64)
	go func() {
		for f := range flows {
			go a.handler.handle(f)
		}
	}()

	if err := a.source.Start(runCtx, flows); err != nil {
		cancel()
		sockLn.Close()
		enc.Close()
		return oisperr.Capability("netext-pf", err)
	}

	return nil
}

// readSocket is the main-sensor side of the Unix domain socket IPC: it
// accepts the flow handler's connection and decodes RawCaptureEvents off
// it into sink.
func (a *Adapter) readSocket(ctx context.Context, ln net.Listener, sink chan<- capture.RawCaptureEvent) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		a.drain(ctx, conn, sink)
	}
}

func (a *Adapter) drain(ctx context.Context, conn net.Conn, sink chan<- capture.RawCaptureEvent) {
	defer conn.Close()
	dec := capture.NewDecoder(conn)
	for {
		ev, err := dec.Next()
		if err != nil {
			return
		}
		a.bytesCaptured.Add(uint64(len(ev.Payload)))
		a.eventsEmitted.Add(1)
		select {
		case sink <- ev:
		case <-ctx.Done():
			return
		default:
			a.ringDrops.Add(1)
		}
	}
}

// Stop implements capture.Adapter. It closes the flow source, encoder and
// socket listener and returns; it does not wait for the socket reader
// goroutine to finish draining.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.source != nil {
		a.source.Stop()
	}
	if a.enc != nil {
		a.enc.Close()
	}
	if a.sockLn != nil {
		a.sockLn.Close()
	}

	done := make(chan struct{})
	go func() { close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
	}
	return nil
}

// Stats implements capture.Adapter.
func (a *Adapter) Stats() capture.Stats {
	return capture.Stats{
		BytesCaptured: a.bytesCaptured.Load(),
		EventsEmitted: a.eventsEmitted.Load(),
		RingDrops:     a.ringDrops.Load(),
	}
}

var _ capture.Adapter = (*Adapter)(nil)
