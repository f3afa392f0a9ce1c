package netext

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/oisp-project/oisp-sensor/internal/capture"
)

func newTestHandler(t *testing.T, payloadCap int) (*flowHandler, <-chan capture.RawCaptureEvent) {
	t.Helper()
	ln, err := listenSocket()
	if err != nil {
		t.Fatalf("listenSocket: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	out := make(chan capture.RawCaptureEvent, 8)
	go func() {
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
			out <- ev
		}
	}()

	enc, err := newReconnectingEncoder(ctx)
	if err != nil {
		t.Fatalf("newReconnectingEncoder: %v", err)
	}
	t.Cleanup(func() { enc.Close() })

	return newFlowHandler(nil, payloadCap, enc), out
}

func TestEmitTruncatesOversizedPayload(t *testing.T) {
	h, out := newTestHandler(t, 4)
	h.emit(Flow{DstHost: "example.com", DstPort: 443}, capture.KindSslRead, []byte("abcdefgh"))

	select {
	case ev := <-out:
		if !ev.Truncated || string(ev.Payload) != "abcd" {
			t.Fatalf("got %+v, want truncated 4-byte payload", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEmitCarriesAttribution(t *testing.T) {
	h, out := newTestHandler(t, 0)
	f := Flow{
		DstHost: "example.com",
		DstPort: 443,
		Attrib:  FlowAttribution{PID: 7, PPID: 1, Exe: "curl"},
	}
	h.emit(f, capture.KindSslWrite, []byte("hi"))

	select {
	case ev := <-out:
		if ev.PID != 7 || ev.Meta.PPID != 1 || ev.Meta.Exe != "curl" || ev.Meta.RemoteHost != "example.com" {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBridgeCopiesBothDirections(t *testing.T) {
	clientSide, flowConn := net.Pipe()
	upstreamSide, upstreamConn := net.Pipe()
	defer clientSide.Close()
	defer upstreamSide.Close()

	h := &flowHandler{}
	done := make(chan struct{})
	go func() {
		h.bridge(upstreamConn, Flow{Conn: flowConn})
		close(done)
	}()

	go func() {
		buf := make([]byte, 5)
		n, _ := upstreamSide.Read(buf)
		upstreamSide.Write(buf[:n])
	}()

	if _, err := clientSide.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := clientSide.Read(buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q, want ping", buf)
	}

	clientSide.Close()
	flowConn.Close()
	upstreamConn.Close()
	upstreamSide.Close()
	<-done
}
