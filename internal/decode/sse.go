package decode

import (
	"bufio"
	"bytes"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

// sseFrame is one "event: .../data: ..." block off an SSE stream.
type sseFrame struct {
	Event string
	Data  string
}

// splitSSEFrames parses complete frames (terminated by a blank line) out of
// the front of data, returning consumed bytes so the remainder stays
// buffered for the next chunk.
func splitSSEFrames(data []byte) ([]sseFrame, int) {
	var frames []sseFrame
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		cur       sseFrame
		dataLines []string
		any       bool
	)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if any {
				cur.Data = strings.Join(dataLines, "\n")
				frames = append(frames, cur)
			}
			cur = sseFrame{}
			dataLines = nil
			any = false
			continue
		}
		any = true
		switch {
		case strings.HasPrefix(line, "event:"):
			cur.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		default:
			// id:, retry:, comments (":") — not needed downstream.
		}
	}
	// Anything after the last blank line is an incomplete trailing frame;
	// lastBlankLineEnd reports only bytes through the last completed one.
	return frames, lastBlankLineEnd(data)
}

// lastBlankLineEnd returns the byte offset just past the last "\n\n" (or
// "\r\n\r\n") boundary in data, i.e. the end of the last complete frame.
func lastBlankLineEnd(data []byte) int {
	if i := bytes.LastIndex(data, []byte("\n\n")); i >= 0 {
		return i + 2
	}
	if i := bytes.LastIndex(data, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	return 0
}

var (
	tokenCodecOnce sync.Once
	tokenCodec     tokenizer.Codec
)

func tokenCount(s string) int {
	tokenCodecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			tokenCodec = c
		}
	})
	if tokenCodec != nil {
		if ids, _, err := tokenCodec.Encode(s); err == nil {
			return len(ids)
		}
	}
	// Fallback estimate when the codec failed to load: ~4 bytes/token,
	// the commonly cited rule of thumb for English text under cl100k.
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

// streamAggregator accumulates the deltas of one in-flight streaming
// response across its SSE frames, per provider-specific JSON paths.
type streamAggregator struct {
	provider     string
	textParts    []string
	toolCalls    map[int]*toolCallAccum
	finishReason string
	done         bool
}

type toolCallAccum struct {
	id, name string
	args     strings.Builder
}

func newStreamAggregator(provider string) *streamAggregator {
	return &streamAggregator{provider: provider, toolCalls: make(map[int]*toolCallAccum)}
}

// feed applies one SSE frame's JSON payload to the aggregator. Terminal
// markers ("[DONE]" for OpenAI-shaped streams, an explicit stop event for
// Anthropic-shaped streams) set done.
func (a *streamAggregator) feed(frame sseFrame) {
	data := strings.TrimSpace(frame.Data)
	if data == "" {
		return
	}
	if data == "[DONE]" {
		a.done = true
		return
	}
	if !gjson.Valid(data) {
		return
	}
	root := gjson.Parse(data)

	if frame.Event == "message_stop" {
		a.done = true
	}
	if delta := root.Get("delta.text"); delta.Exists() {
		a.textParts = append(a.textParts, delta.String())
	}
	if delta := root.Get("choices.0.delta.content"); delta.Exists() {
		a.textParts = append(a.textParts, delta.String())
	}
	if fr := root.Get("choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
		a.finishReason = fr.String()
	}
	if fr := root.Get("delta.stop_reason"); fr.Exists() && fr.String() != "" {
		a.finishReason = fr.String()
	}

	root.Get("choices.0.delta.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		idx := int(tc.Get("index").Int())
		t, ok := a.toolCalls[idx]
		if !ok {
			t = &toolCallAccum{}
			a.toolCalls[idx] = t
		}
		if id := tc.Get("id"); id.Exists() {
			t.id = id.String()
		}
		if name := tc.Get("function.name"); name.Exists() {
			t.name = name.String()
		}
		if args := tc.Get("function.arguments"); args.Exists() {
			t.args.WriteString(args.String())
		}
		return true
	})
	if block := root.Get("content_block"); block.Exists() && block.Get("type").String() == "tool_use" {
		idx := int(root.Get("index").Int())
		a.toolCalls[idx] = &toolCallAccum{id: block.Get("id").String(), name: block.Get("name").String()}
	}
	if partial := root.Get("delta.partial_json"); partial.Exists() {
		idx := int(root.Get("index").Int())
		t, ok := a.toolCalls[idx]
		if !ok {
			t = &toolCallAccum{}
			a.toolCalls[idx] = t
		}
		t.args.WriteString(partial.String())
	}
}

func (a *streamAggregator) text() string {
	return strings.Join(a.textParts, "")
}
