package decode

import (
	"strconv"
	"testing"
	"time"

	"github.com/oisp-project/oisp-sensor/internal/capture"
	"github.com/oisp-project/oisp-sensor/internal/constant"
	"github.com/oisp-project/oisp-sensor/internal/oisp"
	"github.com/oisp-project/oisp-sensor/internal/specbundle"
)

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	store, err := specbundle.NewStore(specbundle.Options{CacheDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return New(store, Options{
		Host:        oisp.Host{Hostname: "test-host", OS: "linux", Arch: "amd64"},
		AdapterName: "test-adapter",
	})
}

func rawEvent(kind capture.Kind, pid, tid int, payload string) capture.RawCaptureEvent {
	return capture.RawCaptureEvent{
		TSNanos: time.Now().UnixNano(),
		Kind:    kind,
		PID:     pid,
		TID:     tid,
		Payload: []byte(payload),
	}
}

func findEvent(events []*oisp.Event, eventType string) *oisp.Event {
	for _, e := range events {
		if e.EventType == eventType {
			return e
		}
	}
	return nil
}

func TestDecoderNonStreamingRequestResponse(t *testing.T) {
	d := newTestDecoder(t)

	reqBody := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"Hi"}]}`
	req := "POST /v1/chat/completions HTTP/1.1\r\n" +
		"Host: api.openai.com\r\n" +
		"Content-Type: application/json\r\n" +
		"Content-Length: " + strconv.Itoa(len(reqBody)) + "\r\n\r\n" + reqBody

	out := d.Feed(rawEvent(capture.KindSslWrite, 1, 100, req))
	reqEv := findEvent(out, constant.EventTypeAIRequest)
	if reqEv == nil {
		t.Fatalf("expected ai.request event, got %#v", out)
	}
	data := reqEv.Data.(oisp.AIRequestData)
	if data.Provider != "openai" || data.Model != "gpt-4o-mini" || data.MessagesCount != 1 {
		t.Fatalf("unexpected request data: %+v", data)
	}

	respBody := `{"choices":[{"finish_reason":"stop","message":{}}],"usage":{"prompt_tokens":1,"completion_tokens":3,"total_tokens":4}}`
	resp := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: application/json\r\n" +
		"Content-Length: " + strconv.Itoa(len(respBody)) + "\r\n\r\n" + respBody

	out = d.Feed(rawEvent(capture.KindSslRead, 1, 100, resp))
	respEv := findEvent(out, constant.EventTypeAIResponse)
	if respEv == nil {
		t.Fatalf("expected ai.response event, got %#v", out)
	}
	rdata := respEv.Data.(oisp.AIResponseData)
	if rdata.RequestID != data.RequestID {
		t.Fatalf("response request id %q != request id %q", rdata.RequestID, data.RequestID)
	}
	if !rdata.Success || rdata.FinishReason != "stop" {
		t.Fatalf("unexpected response data: %+v", rdata)
	}
}

func TestDecoderStreamingResponseEmitsChunksThenResponse(t *testing.T) {
	d := newTestDecoder(t)

	reqBody := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"Hi"}],"stream":true}`
	req := "POST /v1/chat/completions HTTP/1.1\r\n" +
		"Host: api.openai.com\r\n" +
		"Content-Length: " + strconv.Itoa(len(reqBody)) + "\r\n\r\n" + reqBody
	out := d.Feed(rawEvent(capture.KindSslWrite, 2, 200, req))
	reqData := findEvent(out, constant.EventTypeAIRequest).Data.(oisp.AIRequestData)

	headers := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: text/event-stream\r\n\r\n"
	out = d.Feed(rawEvent(capture.KindSslRead, 2, 200, headers))
	if len(out) != 0 {
		t.Fatalf("expected no events from headers alone, got %#v", out)
	}

	chunk1 := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n"
	out = d.Feed(rawEvent(capture.KindSslRead, 2, 200, chunk1))
	if findEvent(out, constant.EventTypeAIStreamingChunk) == nil {
		t.Fatalf("expected streaming chunk event, got %#v", out)
	}

	chunk2 := "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: [DONE]\n\n"
	out = d.Feed(rawEvent(capture.KindSslRead, 2, 200, chunk2))
	final := findEvent(out, constant.EventTypeAIResponse)
	if final == nil {
		t.Fatalf("expected terminal ai.response, got %#v", out)
	}
	fdata := final.Data.(oisp.AIResponseData)
	if fdata.RequestID != reqData.RequestID || fdata.FinishReason != "stop" || !fdata.Streaming {
		t.Fatalf("unexpected terminal response: %+v", fdata)
	}
}

func TestDecoderSweepEmitsTimeoutResponse(t *testing.T) {
	d := newTestDecoder(t)
	reqBody := `{"model":"gpt-4o-mini","messages":[]}`
	req := "POST /v1/chat/completions HTTP/1.1\r\n" +
		"Host: api.openai.com\r\n" +
		"Content-Length: " + strconv.Itoa(len(reqBody)) + "\r\n\r\n" + reqBody
	d.Feed(rawEvent(capture.KindSslWrite, 3, 300, req))

	out := d.Sweep(time.Now().Add(2 * nonStreamingTimeout))
	ev := findEvent(out, constant.EventTypeAIResponse)
	if ev == nil {
		t.Fatalf("expected synthetic timeout response, got %#v", out)
	}
	data := ev.Data.(oisp.AIResponseData)
	if data.FinishReason != constant.FinishReasonTimeout || data.Success {
		t.Fatalf("unexpected timeout response: %+v", data)
	}
}

func TestDecoderCanDecodeRejectsNonHTTP(t *testing.T) {
	d := newTestDecoder(t)
	ev := rawEvent(capture.KindSslWrite, 4, 400, "\x16\x03\x01binary-tls-handshake")
	if d.CanDecode(ev) {
		t.Fatal("expected non-HTTP payload to be rejected")
	}
}
