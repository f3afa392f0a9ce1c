// Package windivert implements the Windows capture adapter: a WinDivert
// packet redirector paired with a local TLS-terminating MITM listener,
// talking over a NAT table and an IPC framing shared with a named pipe.
package windivert

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

// Adapter is the Windows WinDivert + MITM capture adapter.
type Adapter struct {
	ca     *tlsca.CA
	lookup DomainLookup

	nat        *natTable
	listener   *mitmListener
	redirector redirector
	ln         net.Listener
	pipeLn     net.Listener
	pipeConn   net.Conn

	cancel context.CancelFunc

	bytesCaptured atomic.Uint64
	eventsEmitted atomic.Uint64
	ringDrops     atomic.Uint64
}

// New constructs an unattached Windows adapter. lookup reports whether a
// destination host is known to the provider spec bundle, gating which
// connections get redirected into the MITM listener.
func New(ca *tlsca.CA, lookup DomainLookup) *Adapter {
	return &Adapter{ca: ca, lookup: lookup, nat: newNATTable()}
}

// Name implements capture.Adapter.
func (a *Adapter) Name() string { return "windows-windivert" }

// Start implements capture.Adapter.
func (a *Adapter) Start(ctx context.Context, sink chan<- capture.RawCaptureEvent, opts capture.Options) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return oisperr.Capability("mitm-listener", fmt.Errorf("bind loopback listener: %w", err))
	}
	a.ln = ln

	payloadCap := opts.SSLPayloadCap
	if payloadCap <= 0 {
		payloadCap = capture.DefaultSSLPayloadCap
	}

	pipeLn, err := listenPipe()
	if err != nil {
		ln.Close()
		return oisperr.Capability("named-pipe", fmt.Errorf("listen on capture pipe: %w", err))
	}
	a.pipeLn = pipeLn

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	go a.readPipe(runCtx, pipeLn, sink)

	pipeConn, err := dialPipe()
	if err != nil {
		cancel()
		ln.Close()
		pipeLn.Close()
		return oisperr.Capability("named-pipe", fmt.Errorf("dial capture pipe: %w", err))
	}
	a.pipeConn = pipeConn
	encoder := capture.NewEncoder(pipeConn)

	a.listener = newMITMListener(a.ca, a.nat, payloadCap, encoder)
	go a.listener.serve(runCtx, ln)

	a.redirector = newRedirector(a.nat, a.lookup, ln.Addr().(*net.TCPAddr))
	if err := a.redirector.Start(runCtx); err != nil {
		cancel()
		ln.Close()
		pipeLn.Close()
		pipeConn.Close()
		return err
	}

	return nil
}

// readPipe is the unprivileged sensor side of the named-pipe IPC: it
// accepts the privileged MITM listener's connection and decodes
// RawCaptureEvents off it into sink.
func (a *Adapter) readPipe(ctx context.Context, ln net.Listener, sink chan<- capture.RawCaptureEvent) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
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

// Stop implements capture.Adapter. It closes the redirector, listeners and
// pipe and returns; it does not wait for the pipe reader goroutine to
// finish draining.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.redirector != nil {
		a.redirector.Stop()
	}
	if a.ln != nil {
		a.ln.Close()
	}
	if a.pipeConn != nil {
		a.pipeConn.Close()
	}
	if a.pipeLn != nil {
		a.pipeLn.Close()
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
		RingDrops:     a.ringDrops.Load() + a.nat.evictions(),
	}
}

var _ capture.Adapter = (*Adapter)(nil)
