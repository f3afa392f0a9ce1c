package decode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/oisp-project/oisp-sensor/internal/capture"
	"github.com/oisp-project/oisp-sensor/internal/constant"
	"github.com/oisp-project/oisp-sensor/internal/oisp"
	"github.com/oisp-project/oisp-sensor/internal/oispid"
	"github.com/oisp-project/oisp-sensor/internal/specbundle"
)

// Options configures a Decoder.
type Options struct {
	Host               oisp.Host
	AdapterName        string
	AdapterVersion     string
	ReassemblyCapBytes int
	StreamingTimeout   time.Duration
	// RetainRawBody attaches the raw (capped) request/response JSON body
	// to the emitted event's attrs, for the redact stage to scrub
	// bundle-declared PII field paths out of before export. Off by
	// default: most deployments only want the structured fields already
	// on AIRequestData/AIResponseData, not a copy of the body itself.
	RetainRawBody bool
	Log           *logrus.Logger
}

// rawBodyAttrCap bounds how much of a retained raw body attr can hold,
// independent of the decoder's general reassembly/body caps.
const rawBodyAttrCap = 4096

func capRawBody(body []byte) string {
	if len(body) > rawBodyAttrCap {
		body = body[:rawBodyAttrCap]
	}
	return string(body)
}

// Decoder turns one adapter's RawCaptureEvent stream into semantic OISP
// events: HTTP/1.x and HTTP/2 parsing, SSE aggregation, provider
// detection via the spec bundle, and request/response correlation.
type Decoder struct {
	opts   Options
	bundle *specbundle.Store
	reassm *reassemblyTable
	conns  *connTable
	corr   *correlator
	log    *logrus.Logger

	streamingMu   sync.Mutex
	streamingKeys map[string]bool
}

// New builds a Decoder reading provider detection/extraction rules from
// bundle's current snapshot on every call (so a background bundle refresh
// takes effect without restarting the decoder).
func New(bundle *specbundle.Store, opts Options) *Decoder {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Decoder{
		opts:          opts,
		bundle:        bundle,
		reassm:        newReassemblyTable(opts.ReassemblyCapBytes),
		conns:         newConnTable(),
		corr:          newCorrelator(opts.StreamingTimeout),
		log:           opts.Log,
		streamingKeys: make(map[string]bool),
	}
}

// CanDecode reports whether ev plausibly carries HTTP bytes worth
// reassembling: a cheap prefix check, not a full parse, so non-HTTP
// traffic on the same process is skipped without spending a buffer on it.
func (d *Decoder) CanDecode(ev capture.RawCaptureEvent) bool {
	if ev.Kind != capture.KindSslRead && ev.Kind != capture.KindSslWrite {
		return false
	}
	if d.isStreaming(streamKeyFor(ev).String()) {
		return true
	}
	p := bytes.TrimLeft(ev.Payload, " \t\r\n")
	switch {
	case len(p) == 0:
		return false
	case looksLikeHTTPRequestLine(p):
		return true
	case bytes.HasPrefix(p, []byte("HTTP/")):
		return true
	case bytes.HasPrefix(p, []byte(http2ClientPreface)):
		return true
	case looksLikeHTTP2FrameHeader(p):
		return true
	default:
		return false
	}
}

const http2ClientPreface = "PRI * HTTP/2.0"

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("DELETE "),
	[]byte("PATCH "), []byte("HEAD "), []byte("OPTIONS "),
}

func looksLikeHTTPRequestLine(p []byte) bool {
	for _, m := range httpMethods {
		if bytes.HasPrefix(p, m) {
			return true
		}
	}
	return false
}

// looksLikeHTTP2FrameHeader is a weak heuristic for mid-stream HTTP/2
// traffic arriving after the preface (already consumed by an earlier
// event): a 9-byte frame header whose type byte is one this decoder
// handles.
func looksLikeHTTP2FrameHeader(p []byte) bool {
	if len(p) < 9 {
		return false
	}
	switch p[3] {
	case 0x1, 0x0: // HEADERS, DATA
		return true
	default:
		return false
	}
}

// Feed processes one RawCaptureEvent, returning zero or more semantic
// events. Reassembly and parse errors produce a decoder.error diagnostic
// event rather than a Go error, so a malformed stream on one connection
// never stops decoding for the rest.
func (d *Decoder) Feed(ev capture.RawCaptureEvent) []*oisp.Event {
	key := streamKeyFor(ev)
	buffered, err := d.reassm.append(key.String(), ev.Payload)
	if err != nil {
		d.reassm.reset(key.String())
		d.setStreaming(key.String(), false)
		return []*oisp.Event{d.errorEvent(ev, key.String(), "reassembly_overflow", err)}
	}

	var out []*oisp.Event
	for len(buffered) > 0 {
		consumed, events, perr := d.parseOnce(ev, key, buffered)
		if perr != nil {
			d.reassm.reset(key.String())
			out = append(out, d.errorEvent(ev, key.String(), "parse_error", perr))
			return out
		}
		if consumed == 0 {
			break
		}
		d.reassm.consume(key.String(), consumed)
		buffered = buffered[consumed:]
		out = append(out, events...)
	}
	return out
}

// Sweep evicts pending requests past their correlation deadline, emitting
// a synthetic timeout ai.response for each.
func (d *Decoder) Sweep(now time.Time) []*oisp.Event {
	expired := d.corr.sweepExpired(now)
	out := make([]*oisp.Event, 0, len(expired))
	for _, p := range expired {
		out = append(out, d.timeoutResponse(p, now))
	}
	return out
}

func (d *Decoder) isStreaming(key string) bool {
	d.streamingMu.Lock()
	defer d.streamingMu.Unlock()
	return d.streamingKeys[key]
}

func (d *Decoder) setStreaming(key string, v bool) {
	d.streamingMu.Lock()
	defer d.streamingMu.Unlock()
	if v {
		d.streamingKeys[key] = true
	} else {
		delete(d.streamingKeys, key)
	}
}

func (d *Decoder) parseOnce(ev capture.RawCaptureEvent, key StreamKey, buffered []byte) (int, []*oisp.Event, error) {
	if d.isStreaming(key.String()) {
		consumed, events := d.feedStreamingBytes(ev, key, buffered)
		return consumed, events, nil
	}
	trimmed := bytes.TrimLeft(buffered, " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte(http2ClientPreface)) {
		if len(buffered) < len(http2ClientPreface)+8 {
			return 0, nil, nil
		}
		return len(http2ClientPreface) + 8, nil, nil // consume the preface, no event
	}
	if looksLikeHTTP2FrameHeader(buffered) {
		return d.parseHTTP2Once(ev, key, buffered)
	}
	return d.parseHTTP1Once(ev, key, buffered)
}

func (d *Decoder) parseHTTP1Once(ev capture.RawCaptureEvent, key StreamKey, buffered []byte) (int, []*oisp.Event, error) {
	isRequest := key.Direction == DirectionRequest
	msg, consumed, err := parseHTTP1(buffered, isRequest)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, nil // not enough bytes yet
		}
		return 0, nil, err
	}
	if msg.Streaming && !isRequest {
		// Headers parsed; everything after them is raw SSE body that the
		// next Feed calls for this key will route straight to
		// feedStreamingBytes instead of re-attempting an HTTP parse.
		d.beginStreamingResponse(key)
		return consumed, nil, nil
	}
	if isRequest {
		return consumed, d.onRequest(ev, key, msg), nil
	}
	return consumed, d.onResponse(ev, key, msg), nil
}

func (d *Decoder) parseHTTP2Once(ev capture.RawCaptureEvent, key StreamKey, buffered []byte) (int, []*oisp.Event, error) {
	connKey := fmt.Sprintf("%d:%d", ev.PID, ev.Key().TidOrFD)
	conn := d.conns.get(connKey)
	frames, consumed, err := parseHTTP2Frames(buffered, conn)
	if err != nil {
		return 0, nil, nil // not enough bytes for a full frame yet
	}
	var out []*oisp.Event
	for _, f := range frames {
		streamKey := key
		streamKey.StreamID = f.StreamID
		if f.Headers != nil {
			out = append(out, d.onHTTP2Headers(ev, streamKey, f)...)
		}
	}
	return consumed, out, nil
}

func (d *Decoder) onHTTP2Headers(ev capture.RawCaptureEvent, key StreamKey, f http2Frame) []*oisp.Event {
	if key.Direction == DirectionRequest {
		msg := &http1Message{
			IsRequest: true,
			Method:    f.Headers[":method"],
			Path:      f.Headers[":path"],
			Host:      f.Headers[":authority"],
			Header:    headerFromMap(f.Headers),
		}
		return d.onRequest(ev, key, msg)
	}
	status, _ := strconv.Atoi(f.Headers[":status"])
	msg := &http1Message{IsRequest: false, Status: status, Header: headerFromMap(f.Headers)}
	return d.onResponse(ev, key, msg)
}

func headerFromMap(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

func (d *Decoder) onRequest(ev capture.RawCaptureEvent, key StreamKey, msg *http1Message) []*oisp.Event {
	snap := d.bundle.Snapshot()
	provider := detectProvider(snap, msg)
	rule := matchEndpointRule(snap, provider, msg)

	requestID := oispid.New()
	model := ""
	requestType := ""
	messagesCount := 0
	toolsCount := 0
	if len(msg.Body) > 0 && gjson.ValidBytes(msg.Body) {
		body := gjson.ParseBytes(msg.Body)
		if rule != nil {
			if path, ok := rule.Extract["model"]; ok {
				model = body.Get(path).String()
			}
			if path, ok := rule.Extract["request_type"]; ok {
				requestType = body.Get(path).String()
			}
			if path, ok := rule.Extract["messages_count"]; ok {
				messagesCount = int(body.Get(path).Int())
			}
		}
		if messagesCount == 0 {
			if arr := body.Get("messages"); arr.IsArray() {
				messagesCount = len(arr.Array())
			}
		}
		if arr := body.Get("tools"); arr.IsArray() {
			toolsCount = len(arr.Array())
		}
	}

	d.corr.open(key.correlationKey(), &pendingRequest{
		requestID: requestID,
		provider:  provider,
		model:     model,
		streaming: msg.Streaming,
		startedAt: time.Now(),
	})

	out := d.newEvent(ev, constant.EventTypeAIRequest, oisp.AIRequestData{
		RequestID:     requestID,
		Provider:      provider,
		Model:         model,
		RequestType:   requestType,
		Method:        msg.Method,
		Path:          msg.Path,
		Host:          msg.Host,
		MessagesCount: messagesCount,
		ToolsCount:    toolsCount,
		BodyBytes:     len(msg.Body),
		Truncated:     ev.Truncated,
		Streaming:     msg.Streaming,
	})
	if d.opts.RetainRawBody && len(msg.Body) > 0 {
		out.WithAttr("request_body", capRawBody(msg.Body))
	}
	return []*oisp.Event{out}
}

func (d *Decoder) onResponse(ev capture.RawCaptureEvent, key StreamKey, msg *http1Message) []*oisp.Event {
	p, ok := d.corr.resolve(key.correlationKey())
	if !ok {
		return nil // response with no matching pending request; drop silently
	}
	snap := d.bundle.Snapshot()
	rule := matchEndpointRule(snap, p.provider, nil)

	var usage *oisp.Usage
	var toolCalls []oisp.ToolCall
	finishReason := ""
	if len(msg.Body) > 0 && gjson.ValidBytes(msg.Body) {
		body := gjson.ParseBytes(msg.Body)
		if rule != nil {
			usage = extractUsage(rule, body)
			if path, ok := rule.Extract["finish_reason"]; ok {
				finishReason = body.Get(path).String()
			}
		}
		toolCalls = extractToolCalls(body)
	}

	out := d.newEvent(ev, constant.EventTypeAIResponse, oisp.AIResponseData{
		RequestID:    p.requestID,
		Provider:     p.provider,
		Model:        p.model,
		Success:      msg.Status == 0 || (msg.Status >= 200 && msg.Status < 300),
		FinishReason: finishReason,
		Usage:        usage,
		ToolCalls:    toolCalls,
		DurationMS:   time.Since(p.startedAt).Milliseconds(),
		Streaming:    false,
	})
	if d.opts.RetainRawBody && len(msg.Body) > 0 {
		out.WithAttr("response_body", capRawBody(msg.Body))
	}
	return []*oisp.Event{out}
}

// beginStreamingResponse marks key as carrying raw SSE body from here on
// and primes the pending request's aggregator.
func (d *Decoder) beginStreamingResponse(key StreamKey) {
	p, ok := d.corr.peek(key.correlationKey())
	if !ok {
		return
	}
	d.corr.markStreaming(key.correlationKey(), time.Now())
	if p.agg == nil {
		p.agg = newStreamAggregator(p.provider)
	}
	d.setStreaming(key.String(), true)
}

// feedStreamingBytes parses as many complete SSE frames as are buffered,
// updating the pending request's aggregator and emitting one
// ai.streaming_chunk per frame with a non-empty delta. Once the
// aggregator observes a terminal marker, it resolves the pending request
// and emits the terminal ai.response.
func (d *Decoder) feedStreamingBytes(ev capture.RawCaptureEvent, key StreamKey, buffered []byte) (int, []*oisp.Event) {
	p, ok := d.corr.peek(key.correlationKey())
	if !ok || p.agg == nil {
		d.setStreaming(key.String(), false)
		return len(buffered), nil
	}
	frames, consumed := splitSSEFrames(buffered)
	if consumed == 0 {
		return 0, nil
	}
	var out []*oisp.Event
	for _, f := range frames {
		p.agg.feed(f)
		if f.Data == "" || f.Data == "[DONE]" {
			continue
		}
		p.seq++
		out = append(out, d.newEvent(ev, constant.EventTypeAIStreamingChunk, oisp.AIStreamingChunkData{
			RequestID:  p.requestID,
			Provider:   p.provider,
			Sequence:   p.seq,
			DeltaBytes: len(f.Data),
			ToolDelta:  len(p.agg.toolCalls) > 0,
		}))
	}
	if p.agg.done {
		d.setStreaming(key.String(), false)
		if final, ok := d.corr.resolve(key.correlationKey()); ok {
			out = append(out, d.finalStreamingResponse(ev, final))
		}
	}
	return consumed, out
}

func (d *Decoder) finalStreamingResponse(ev capture.RawCaptureEvent, p *pendingRequest) *oisp.Event {
	text := p.agg.text()
	usage := &oisp.Usage{CompletionTokens: tokenCount(text)}
	var toolCalls []oisp.ToolCall
	for idx, t := range p.agg.toolCalls {
		toolCalls = append(toolCalls, oisp.ToolCall{Index: idx, ID: t.id, Name: t.name, Arguments: t.args.String()})
	}
	finish := p.agg.finishReason
	if finish == "" {
		finish = constant.FinishReasonStop
	}
	return d.newEvent(ev, constant.EventTypeAIResponse, oisp.AIResponseData{
		RequestID:    p.requestID,
		Provider:     p.provider,
		Model:        p.model,
		Success:      true,
		FinishReason: finish,
		Usage:        usage,
		ToolCalls:    toolCalls,
		DurationMS:   time.Since(p.startedAt).Milliseconds(),
		Streaming:    true,
	})
}

func (d *Decoder) timeoutResponse(p *pendingRequest, now time.Time) *oisp.Event {
	ev := oisp.New(constant.EventTypeAIResponse, d.opts.Host, oisp.Process{}, oisp.Source{
		Adapter:    d.opts.AdapterName,
		Version:    d.opts.AdapterVersion,
		Confidence: constant.ConfidenceFull,
	})
	ev.Data = oisp.AIResponseData{
		RequestID:    p.requestID,
		Provider:     p.provider,
		Model:        p.model,
		Success:      false,
		FinishReason: constant.FinishReasonTimeout,
		DurationMS:   now.Sub(p.startedAt).Milliseconds(),
		Streaming:    p.streaming,
	}
	return ev
}

func (d *Decoder) errorEvent(ev capture.RawCaptureEvent, key, reason string, err error) *oisp.Event {
	d.log.WithFields(logrus.Fields{"key": key, "reason": reason}).Warn("decode: ", err)
	return d.newEvent(ev, constant.EventTypeDecoderError, oisp.DecoderErrorData{
		Key:    key,
		Reason: reason + ": " + err.Error(),
		BufLen: len(ev.Payload),
	})
}

func (d *Decoder) newEvent(ev capture.RawCaptureEvent, eventType string, data any) *oisp.Event {
	e := oisp.New(eventType, d.opts.Host, oisp.Process{
		PID:  ev.PID,
		PPID: ev.Meta.PPID,
		Comm: ev.Meta.Comm,
		Exe:  ev.Meta.Exe,
		UID:  ev.Meta.UID,
	}, oisp.Source{
		Adapter:    d.opts.AdapterName,
		Version:    d.opts.AdapterVersion,
		Confidence: constant.ConfidenceFull,
	})
	e.Data = data
	return e
}

func streamKeyFor(ev capture.RawCaptureEvent) StreamKey {
	dir := DirectionRequest
	if ev.Kind == capture.KindSslRead {
		dir = DirectionResponse
	}
	return StreamKey{PID: ev.PID, TidOrFD: ev.Key().TidOrFD, Direction: dir}
}

func detectProvider(snap *specbundle.Snapshot, msg *http1Message) string {
	if msg.Host != "" {
		if id := snap.DetectProvider(msg.Host, msg.Body); id != constant.ProviderUnknown {
			return id
		}
	}
	return snap.DetectProvider("", msg.Body)
}

func matchEndpointRule(snap *specbundle.Snapshot, providerID string, msg *http1Message) *specbundle.EndpointRule {
	rules := snap.EndpointRules(providerID)
	if len(rules) == 0 {
		return nil
	}
	if msg == nil {
		return &rules[0]
	}
	for i := range rules {
		if rules[i].Method != "" && rules[i].Method != msg.Method {
			continue
		}
		if rules[i].PathPattern != "" && msg.Path != "" && !pathMatches(rules[i].PathPattern, msg.Path) {
			continue
		}
		return &rules[i]
	}
	return &rules[0]
}

func pathMatches(pattern, path string) bool {
	return pattern == path || bytes.Contains([]byte(path), []byte(pattern))
}

func extractUsage(rule *specbundle.EndpointRule, body gjson.Result) *oisp.Usage {
	u := &oisp.Usage{}
	hasUsage := false
	if path, ok := rule.Extract["prompt_tokens"]; ok {
		u.PromptTokens = int(body.Get(path).Int())
		hasUsage = true
	}
	if path, ok := rule.Extract["completion_tokens"]; ok {
		u.CompletionTokens = int(body.Get(path).Int())
		hasUsage = true
	}
	if path, ok := rule.Extract["total_tokens"]; ok {
		u.TotalTokens = int(body.Get(path).Int())
	} else {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	if !hasUsage {
		return nil
	}
	return u
}

func extractToolCalls(body gjson.Result) []oisp.ToolCall {
	var calls []oisp.ToolCall
	body.Get("choices.0.message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		calls = append(calls, oisp.ToolCall{
			ID:        tc.Get("id").String(),
			Name:      tc.Get("function.name").String(),
			Arguments: tc.Get("function.arguments").String(),
		})
		return true
	})
	body.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() != "tool_use" {
			return true
		}
		calls = append(calls, oisp.ToolCall{
			ID:        block.Get("id").String(),
			Name:      block.Get("name").String(),
			Arguments: block.Get("input").Raw,
		})
		return true
	})
	return calls
}
