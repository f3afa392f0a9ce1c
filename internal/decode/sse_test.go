package decode

import "testing"

func TestSplitSSEFramesCompleteAndPartial(t *testing.T) {
	data := []byte("event: content_block_delta\ndata: {\"delta\":{\"text\":\"Hi\"}}\n\n" +
		"data: partial-next-fra")
	frames, consumed := splitSSEFrames(data)
	if len(frames) != 1 {
		t.Fatalf("expected 1 complete frame, got %d", len(frames))
	}
	if frames[0].Event != "content_block_delta" {
		t.Fatalf("unexpected event: %q", frames[0].Event)
	}
	if consumed != len(data)-len("data: partial-next-fra") {
		t.Fatalf("expected consumed to stop before the partial frame, got %d", consumed)
	}
}

func TestStreamAggregatorOpenAIToolCall(t *testing.T) {
	agg := newStreamAggregator("openai")
	agg.feed(sseFrame{Data: `{"choices":[{"delta":{"content":"Sure, "}}]}`})
	agg.feed(sseFrame{Data: `{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_weather","arguments":"{\"city\":"}}]}}]}`})
	agg.feed(sseFrame{Data: `{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"NYC\"}"}}]},"finish_reason":"tool_calls"}]}`})
	agg.feed(sseFrame{Data: "[DONE]"})

	if !agg.done {
		t.Fatal("expected [DONE] to mark the aggregator done")
	}
	if agg.text() != "Sure, " {
		t.Fatalf("unexpected aggregated text: %q", agg.text())
	}
	tc, ok := agg.toolCalls[0]
	if !ok || tc.name != "get_weather" {
		t.Fatalf("unexpected tool call: %+v", tc)
	}
}

func TestStreamAggregatorAnthropicMessageStop(t *testing.T) {
	agg := newStreamAggregator("anthropic")
	agg.feed(sseFrame{Event: "content_block_delta", Data: `{"delta":{"text":"Hello"}}`})
	agg.feed(sseFrame{Event: "message_stop", Data: `{}`})

	if !agg.done {
		t.Fatal("expected message_stop to mark the aggregator done")
	}
	if agg.text() != "Hello" {
		t.Fatalf("unexpected text: %q", agg.text())
	}
}

func TestTokenCountNonNegativeForEmptyString(t *testing.T) {
	if n := tokenCount(""); n != 0 {
		t.Fatalf("expected 0 tokens for empty string, got %d", n)
	}
	if n := tokenCount("hello world"); n <= 0 {
		t.Fatalf("expected positive token count, got %d", n)
	}
}
