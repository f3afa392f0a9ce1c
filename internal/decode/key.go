// Package decode turns the raw, interleaved byte streams every capture
// adapter produces into semantic ai.request/ai.response/ai.streaming_chunk
// OISP events: HTTP/1.x and HTTP/2 parsing, SSE/streaming-JSON
// aggregation, and request/response correlation with timeout eviction.
package decode

import "fmt"

// Direction distinguishes a connection's two byte streams.
type Direction string

const (
	DirectionRequest  Direction = "request"  // SslWrite, client -> server
	DirectionResponse Direction = "response" // SslRead, server -> client
)

// StreamKey demultiplexes interleaved byte streams down to one ordered
// sequence each. StreamID extends the key for HTTP/2, where many logical
// exchanges share one connection.
type StreamKey struct {
	PID       int
	TidOrFD   int
	Direction Direction
	StreamID  uint32 // 0 for HTTP/1.x
}

func (k StreamKey) String() string {
	return fmt.Sprintf("%d:%d:%s:%d", k.PID, k.TidOrFD, k.Direction, k.StreamID)
}

// correlationKey is the key used to pair a request with its response: it
// drops Direction since a request and its response share everything else.
func (k StreamKey) correlationKey() string {
	return fmt.Sprintf("%d:%d:%d", k.PID, k.TidOrFD, k.StreamID)
}
