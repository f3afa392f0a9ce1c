package netext

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	utls "github.com/refraction-networking/utls"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/oisp-project/oisp-sensor/internal/capture"
	"github.com/oisp-project/oisp-sensor/internal/tlsca"
)

// flowHandler terminates or bridges one retained flow depending on its
// mode, emitting RawCaptureEvents through enc (the reconnecting Unix
// socket to the main sensor) as it goes.
type flowHandler struct {
	ca      *tlsca.CA
	payload int
	enc     *reconnectingEncoder

	attempts uint64
	failures uint64
}

func newFlowHandler(ca *tlsca.CA, payloadCap int, enc *reconnectingEncoder) *flowHandler {
	return &flowHandler{ca: ca, payload: payloadCap, enc: enc}
}

func (h *flowHandler) handle(f Flow) {
	defer f.Conn.Close()
	h.attempts++

	switch f.Mode {
	case ModeFullMITM:
		h.handleMITM(f)
	default:
		h.handlePassThrough(f)
	}
}

// handleMITM terminates TLS on f.Conn using a CA-minted leaf for the SNI,
// opens an outbound TLS connection to the real destination, and relays
// plaintext with capture, exactly as the Windows MITM listener does for a
// redirected connection.
func (h *flowHandler) handleMITM(f Flow) {
	tlsConn := tls.Server(f.Conn, &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := hello.ServerName
			if host == "" {
				host = f.DstHost
			}
			cert, err := h.ca.LeafFor(host)
			if err != nil {
				return nil, err
			}
			return &cert, nil
		},
	})
	if err := tlsConn.Handshake(); err != nil {
		// Client pinning or an unexpected protocol: fall back to a
		// transparent relay for this flow, same as the pass-through mode.
		h.handlePassThrough(f)
		return
	}

	addr := fmt.Sprintf("%s:%d", f.DstHost, f.DstPort)
	raw, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		h.failures++
		return
	}
	uConn := utls.UClient(raw, &utls.Config{ServerName: f.DstHost}, utls.HelloChrome_Auto)
	if err := uConn.Handshake(); err != nil {
		raw.Close()
		h.failures++
		return
	}
	defer uConn.Close()

	var g errgroup.Group
	g.Go(func() error {
		h.relay(tlsConn, uConn, f, capture.KindSslWrite)
		return nil
	})
	g.Go(func() error {
		h.relay(uConn, tlsConn, f, capture.KindSslRead)
		return nil
	})
	g.Wait()
}

// handlePassThrough opens a direct TLS connection to the real server using
// system trust and bridges raw bytes without decrypting: produces no
// plaintext, only connection metadata via the caller's attribution.
func (h *flowHandler) handlePassThrough(f Flow) {
	addr := fmt.Sprintf("%s:%d", f.DstHost, f.DstPort)
	upstream, err := tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", addr, &tls.Config{ServerName: f.DstHost})
	if err != nil {
		h.failures++
		return
	}
	defer upstream.Close()
	h.bridge(upstream, f)
}

func (h *flowHandler) bridge(upstream net.Conn, f Flow) {
	var g errgroup.Group
	g.Go(func() error { _, err := io.Copy(upstream, f.Conn); return err })
	g.Go(func() error { _, err := io.Copy(f.Conn, upstream); return err })
	if err := g.Wait(); err != nil {
		log.WithError(err).Debug("netext: pass-through relay closed")
	}
}

func (h *flowHandler) relay(dst io.Writer, src io.Reader, f Flow, kind capture.Kind) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			h.emit(f, kind, buf[:n])
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (h *flowHandler) emit(f Flow, kind capture.Kind, data []byte) {
	truncated := false
	if h.payload > 0 && len(data) > h.payload {
		data = data[:h.payload]
		truncated = true
	}
	payload := make([]byte, len(data))
	copy(payload, data)

	ev := capture.RawCaptureEvent{
		ID:        uuid.NewString(),
		TSNanos:   time.Now().UnixNano(),
		Kind:      kind,
		PID:       f.Attrib.PID,
		Payload:   payload,
		Truncated: truncated,
		Meta: capture.Metadata{
			PPID:       f.Attrib.PPID,
			Exe:        f.Attrib.Exe,
			RemoteHost: f.DstHost,
			RemotePort: f.DstPort,
		},
	}
	if err := h.enc.Encode(ev); err != nil {
		log.WithError(err).Warn("netext: socket encode failed")
	}
}
