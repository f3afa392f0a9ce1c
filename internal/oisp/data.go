package oisp

// AIRequestData is the Data payload for an ai.request event.
type AIRequestData struct {
	RequestID     string `json:"request_id"`
	Provider      string `json:"provider"`
	Model         string `json:"model,omitempty"`
	RequestType   string `json:"request_type,omitempty"` // "completion", "chat", "embedding", ...
	Method        string `json:"method"`
	Path          string `json:"path"`
	Host          string `json:"host"`
	MessagesCount int    `json:"messages_count,omitempty"`
	ToolsCount    int    `json:"tools_count,omitempty"`
	BodyBytes     int    `json:"body_bytes"`
	Truncated     bool   `json:"truncated,omitempty"`
	Streaming     bool   `json:"streaming"`
}

// Usage mirrors the common token-usage shape most providers report.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// ToolCall describes one tool/function invocation surfaced by a provider.
type ToolCall struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// AIResponseData is the Data payload for an ai.response event.
type AIResponseData struct {
	RequestID    string     `json:"request_id"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model,omitempty"`
	Success      bool       `json:"success"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	DurationMS   int64      `json:"duration_ms,omitempty"`
	Streaming    bool       `json:"streaming"`
}

// AIStreamingChunkData is the Data payload for an ai.streaming_chunk event.
type AIStreamingChunkData struct {
	RequestID  string `json:"request_id"`
	Provider   string `json:"provider"`
	Sequence   int    `json:"sequence"`
	DeltaBytes int    `json:"delta_bytes"`
	ToolDelta  bool   `json:"tool_delta,omitempty"`
}

// AgentToolCallData is the Data payload for an agent.tool_call event,
// emitted alongside the terminal ai.response when a tool call is detected.
type AgentToolCallData struct {
	RequestID string `json:"request_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ProcessExecData is the Data payload for a process.exec event.
type ProcessExecData struct {
	Argv []string `json:"argv,omitempty"`
}

// ProcessExitData is the Data payload for a process.exit event.
type ProcessExitData struct {
	ExitCode int `json:"exit_code"`
}

// NetworkConnectData is the Data payload for a network.connect event.
type NetworkConnectData struct {
	RemoteHost string `json:"remote_host"`
	RemotePort int    `json:"remote_port"`
	Opaque     bool   `json:"opaque,omitempty"`
}

// FileOpenData is the Data payload for a file.open event.
type FileOpenData struct {
	Path string `json:"path"`
	Flag string `json:"flag,omitempty"`
}

// DecoderErrorData is the Data payload for a decoder.error diagnostic
// event, emitted on reassembly overflow or parse failure.
type DecoderErrorData struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
	BufLen int    `json:"buf_len"`
}
