package decode

import (
	"bytes"
	"fmt"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// http2Conn holds the per-connection HPACK decoding state spec.md §4.4
// requires ("HPACK decoding state is per-connection"). It holds no framer;
// parseHTTP2Frames builds a fresh one over the bytes it is given.
type http2Conn struct {
	mu      sync.Mutex
	decoder *hpack.Decoder
}

// connTable tracks one http2Conn per (pid, tid/fd) pair, independent of
// stream id, since HPACK's dynamic table is shared across all streams on
// a connection.
type connTable struct {
	mu    sync.Mutex
	conns map[string]*http2Conn
}

func newConnTable() *connTable {
	return &connTable{conns: make(map[string]*http2Conn)}
}

func (t *connTable) get(connKey string) *http2Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[connKey]
	if !ok {
		c = &http2Conn{}
		c.decoder = hpack.NewDecoder(4096, nil)
		t.conns[connKey] = c
	}
	return c
}

func (t *connTable) drop(connKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, connKey)
}

// http2Frame is the subset of a parsed HEADERS/DATA frame this decoder
// cares about.
type http2Frame struct {
	StreamID  uint32
	Headers   map[string]string
	Data      []byte
	EndStream bool
}

// parseHTTP2Frames reads as many complete frames as are buffered,
// returning them plus the number of bytes consumed. Setting the framer's
// ReadMetaHeaders to the connection's HPACK decoder makes it coalesce
// HEADERS+CONTINUATION itself and hand back decoded fields directly, the
// same mechanism net/http2's server uses. Frame types besides
// HEADERS/DATA are consumed and discarded; a partial frame at the tail of
// data is left unconsumed for the next read.
func parseHTTP2Frames(data []byte, conn *http2Conn) ([]http2Frame, int, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	r := bytes.NewReader(data)
	total := r.Len()
	framer := http2.NewFramer(nil, r)
	framer.ReadMetaHeaders = conn.decoder

	var (
		frames   []http2Frame
		consumed int
	)
	for {
		fr, err := framer.ReadFrame()
		if err != nil {
			break
		}
		switch f := fr.(type) {
		case *http2.MetaHeadersFrame:
			hdrs := make(map[string]string, len(f.Fields))
			for _, field := range f.Fields {
				hdrs[field.Name] = field.Value
			}
			frames = append(frames, http2Frame{StreamID: f.StreamID, Headers: hdrs, EndStream: f.StreamEnded()})
		case *http2.DataFrame:
			frames = append(frames, http2Frame{StreamID: f.StreamID, Data: append([]byte(nil), f.Data()...), EndStream: f.StreamEnded()})
		}
		consumed = total - r.Len()
	}
	if len(frames) == 0 && consumed == 0 {
		return nil, 0, fmt.Errorf("http2: no complete frame buffered")
	}
	return frames, consumed, nil
}
