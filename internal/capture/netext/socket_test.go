package netext

import (
	"context"
	"testing"
	"time"

	"github.com/oisp-project/oisp-sensor/internal/capture"
)

func TestReconnectingEncoderSendsOverSocket(t *testing.T) {
	ln, err := listenSocket()
	if err != nil {
		t.Fatalf("listenSocket: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	received := make(chan capture.RawCaptureEvent, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		dec := capture.NewDecoder(conn)
		ev, err := dec.Next()
		if err != nil {
			return
		}
		received <- ev
	}()

	enc, err := newReconnectingEncoder(ctx)
	if err != nil {
		t.Fatalf("newReconnectingEncoder: %v", err)
	}
	defer enc.Close()

	want := capture.RawCaptureEvent{Kind: capture.KindSslRead, PID: 42, Payload: []byte("hello")}
	if err := enc.Encode(want); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	select {
	case got := <-received:
		if got.PID != want.PID || string(got.Payload) != string(want.Payload) {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestDialSocketWithBackoffRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := dialSocketWithBackoff(ctx); err == nil {
		t.Fatal("expected error for cancelled context with nothing listening")
	}
}
