package pipeline

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/oisp-project/oisp-sensor/internal/capture"
	"github.com/oisp-project/oisp-sensor/internal/constant"
	"github.com/oisp-project/oisp-sensor/internal/decode"
	"github.com/oisp-project/oisp-sensor/internal/oisp"
	"github.com/oisp-project/oisp-sensor/internal/specbundle"
)

func newTestBundle(t *testing.T) *specbundle.Store {
	t.Helper()
	store, err := specbundle.NewStore(specbundle.Options{CacheDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestShardIndexIsStablePerConnection(t *testing.T) {
	ev1 := capture.RawCaptureEvent{PID: 42, TID: 7}
	ev2 := capture.RawCaptureEvent{PID: 42, TID: 7}
	if shardIndex(ev1, 8) != shardIndex(ev2, 8) {
		t.Fatal("expected identical (pid, tid) to hash to the same shard every time")
	}
}

func TestDecodeStageEmitsRequestAndResponseEvents(t *testing.T) {
	rawCh := newRawEventChannel(16, nil)
	out := newEventChannel(16, BlockProducer, nil)
	stage := NewDecodeStage(2, newTestBundle(t), decode.Options{
		Host:        oisp.Host{Hostname: "h", OS: "linux", Arch: "amd64"},
		AdapterName: "test-adapter",
	}, rawCh, out, 50*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { stage.Run(ctx); close(done) }()

	reqBody := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`
	req := "POST /v1/chat/completions HTTP/1.1\r\n" +
		"Host: api.openai.com\r\n" +
		"Content-Length: " + strconv.Itoa(len(reqBody)) + "\r\n\r\n" + reqBody
	rawCh.send(capture.RawCaptureEvent{Kind: capture.KindSslWrite, PID: 1, TID: 100, Payload: []byte(req)})

	respBody := `{"choices":[{"finish_reason":"stop","message":{}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`
	resp := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: application/json\r\n" +
		"Content-Length: " + strconv.Itoa(len(respBody)) + "\r\n\r\n" + respBody
	rawCh.send(capture.RawCaptureEvent{Kind: capture.KindSslRead, PID: 1, TID: 100, Payload: []byte(resp)})

	var reqEv, respEv *oisp.Event
	deadline := time.After(2 * time.Second)
	for reqEv == nil || respEv == nil {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for both events (req=%v resp=%v)", reqEv, respEv)
		default:
		}
		ev, ok := out.drain()
		if !ok {
			continue
		}
		switch ev.EventType {
		case constant.EventTypeAIRequest:
			reqEv = ev
		case constant.EventTypeAIResponse:
			respEv = ev
		}
	}

	rawCh.close()
	cancel()
	<-done

	if stage.Stats().In == 0 || stage.Stats().Out == 0 {
		t.Fatalf("expected non-zero in/out counters, got %+v", stage.Stats())
	}
}
