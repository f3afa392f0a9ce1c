package windivert

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	utls "github.com/refraction-networking/utls"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/oisp-project/oisp-sensor/internal/capture"
	"github.com/oisp-project/oisp-sensor/internal/oisperr"
	"github.com/oisp-project/oisp-sensor/internal/tlsca"
)

// mitmListener accepts the loopback connections the redirector sends it,
// completes a server-side TLS handshake using a CA-minted leaf, opens an
// outbound TLS connection to the real destination, and relays plaintext
// in both directions while emitting a RawCaptureEvent per relayed chunk.
type mitmListener struct {
	ca       *tlsca.CA
	nat      *natTable
	payload  int
	enc      *capture.Encoder
	encMu    sync.Mutex
	attempts atomic.Uint64
	failures atomic.Uint64
}

func newMITMListener(ca *tlsca.CA, nat *natTable, payloadCap int, enc *capture.Encoder) *mitmListener {
	return &mitmListener{ca: ca, nat: nat, payload: payloadCap, enc: enc}
}

func (m *mitmListener) serve(ctx context.Context, ln net.Listener) {
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
				log.WithError(err).Warn("windivert: mitm accept failed")
				continue
			}
		}
		go m.handle(ctx, conn)
	}
}

func (m *mitmListener) handle(ctx context.Context, client net.Conn) {
	defer client.Close()
	m.attempts.Add(1)

	srcPort := client.RemoteAddr().(*net.TCPAddr).Port
	entry, ok := m.nat.lookup(srcPort)
	if !ok {
		m.failures.Add(1)
		return
	}

	tlsConn := tls.Server(client, &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := hello.ServerName
			if host == "" {
				host = entry.OriginalDstIP
			}
			cert, err := m.ca.LeafFor(host)
			if err != nil {
				return nil, err
			}
			return &cert, nil
		},
	})
	if err := tlsConn.Handshake(); err != nil {
		// Client pinning or an unexpected protocol: fall back to an
		// opaque byte relay, emitting no plaintext for this connection.
		m.nat.markOpaque(srcPort)
		m.relayOpaque(client, entry)
		return
	}

	upstream, err := m.dialUpstream(entry)
	if err != nil {
		m.failures.Add(1)
		oisperr.Attach(fmt.Sprintf("%s:%d", entry.OriginalDstIP, entry.OriginalDstPort), err)
		return
	}
	defer upstream.Close()

	var g errgroup.Group
	g.Go(func() error {
		m.relay(tlsConn, upstream, entry.PID, capture.KindSslWrite, entry)
		return nil
	})
	g.Go(func() error {
		m.relay(upstream, tlsConn, entry.PID, capture.KindSslRead, entry)
		return nil
	})
	g.Wait()
}

// dialUpstream opens the real outbound TLS connection using utls so the
// ClientHello fingerprint looks like a normal browser/runtime stack
// instead of crypto/tls's distinctive default.
func (m *mitmListener) dialUpstream(entry natEntry) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", entry.OriginalDstIP, entry.OriginalDstPort)
	raw, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", addr, err)
	}
	uConn := utls.UClient(raw, &utls.Config{ServerName: entry.OriginalDstIP}, utls.HelloChrome_Auto)
	if err := uConn.Handshake(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("utls handshake %s: %w", addr, err)
	}
	return uConn, nil
}

func (m *mitmListener) relay(dst io.Writer, src io.Reader, pid int, kind capture.Kind, entry natEntry) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			m.emit(pid, kind, buf[:n], entry)
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (m *mitmListener) relayOpaque(client net.Conn, entry natEntry) {
	upstream, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", entry.OriginalDstIP, entry.OriginalDstPort), 10*time.Second)
	if err != nil {
		return
	}
	defer upstream.Close()
	var g errgroup.Group
	g.Go(func() error { _, err := io.Copy(upstream, client); return err })
	g.Go(func() error { _, err := io.Copy(client, upstream); return err })
	if err := g.Wait(); err != nil {
		log.WithError(err).Debug("windivert: opaque relay closed")
	}
}

func (m *mitmListener) emit(pid int, kind capture.Kind, data []byte, entry natEntry) {
	truncated := false
	if m.payload > 0 && len(data) > m.payload {
		data = data[:m.payload]
		truncated = true
	}
	payload := make([]byte, len(data))
	copy(payload, data)

	ev := capture.RawCaptureEvent{
		ID:        uuid.NewString(),
		TSNanos:   time.Now().UnixNano(),
		Kind:      kind,
		PID:       pid,
		Payload:   payload,
		Truncated: truncated,
		Meta: capture.Metadata{
			RemoteHost: entry.OriginalDstIP,
			RemotePort: entry.OriginalDstPort,
		},
	}
	m.encMu.Lock()
	defer m.encMu.Unlock()
	if err := m.enc.Encode(ev); err != nil {
		log.WithError(err).Warn("windivert: pipe encode failed")
	}
}
