package decode

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// http1Message is the provider-agnostic shape both a parsed request and a
// parsed response reduce to.
type http1Message struct {
	IsRequest bool
	Method    string
	Path      string
	Host      string
	Status    int
	Header    http.Header
	Body      []byte
	Streaming bool // Content-Type: text/event-stream
}

// parseHTTP1 attempts to parse one complete HTTP/1.x message (request or
// response) from the front of data. It returns the number of bytes
// consumed so the caller can leave any pipelined remainder in the buffer.
// Returning (nil, 0, err) with err == io.ErrUnexpectedEOF means "not
// enough bytes yet, try again once more arrive" rather than a real parse
// failure; spec.md §4.4 treats genuine parse errors as resync points.
func parseHTTP1(data []byte, isRequest bool) (*http1Message, int, error) {
	r := bufio.NewReader(bytes.NewReader(data))
	before := len(data)

	var (
		header             http.Header
		status             int
		method, path, host string
		body               []byte
	)

	if isRequest {
		req, err := http.ReadRequest(r)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, 0, io.ErrUnexpectedEOF
			}
			return nil, 0, fmt.Errorf("parse http1 request: %w", err)
		}
		method, path, host = req.Method, req.URL.Path, req.Host
		header = req.Header
		b, berr := readBodyBounded(req.Body, req.ContentLength, header)
		if berr != nil {
			return nil, 0, berr
		}
		body = b
	} else {
		resp, err := http.ReadResponse(r, nil)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, 0, io.ErrUnexpectedEOF
			}
			return nil, 0, fmt.Errorf("parse http1 response: %w", err)
		}
		status = resp.StatusCode
		header = resp.Header
		if isStreamingContentType(header.Get("Content-Type")) {
			// Deliberately don't touch resp.Body: it wraps r lazily, and
			// Close would drain it (net/http's transfer.go does this for
			// connection reuse). Leaving it alone keeps the raw body
			// bytes in the reassembly buffer for splitSSEFrames to
			// consume frame by frame as more of the stream arrives.
		} else {
			b, berr := readBodyBounded(resp.Body, resp.ContentLength, header)
			if berr != nil {
				return nil, 0, berr
			}
			body = b
		}
	}

	consumed := before - r.Buffered()
	msg := &http1Message{
		IsRequest: isRequest,
		Method:    method,
		Path:      path,
		Host:      host,
		Status:    status,
		Header:    header,
		Body:      body,
		Streaming: isStreamingContentType(header.Get("Content-Type")),
	}
	return msg, consumed, nil
}

// readBodyBounded reads the declared body: chunked or content-length
// encoded bodies are handled transparently by http.Request/Response's
// Body reader; a streaming (SSE) body with no content-length is read up
// to the chunk currently buffered, not to completion, since the stream
// hasn't ended yet.
func readBodyBounded(body io.ReadCloser, contentLength int64, header http.Header) ([]byte, error) {
	defer body.Close()
	if isStreamingContentType(header.Get("Content-Type")) {
		b, err := io.ReadAll(body)
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, err
		}
		return b, nil
	}
	if contentLength < 0 {
		// chunked or unknown length: read what's available, treating
		// EOF as "no more chunks parsed from the buffered bytes yet".
		b, err := io.ReadAll(body)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return nil, err
		}
		return decodeContentEncoding(header, b)
	}
	buf := make([]byte, contentLength)
	if _, err := io.ReadFull(body, buf); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return decodeContentEncoding(header, buf)
}

func isStreamingContentType(ct string) bool {
	return bytes.Contains([]byte(ct), []byte("text/event-stream"))
}

// decodeContentEncoding undoes a provider's Content-Encoding, the same
// gzip/br/zstd trio a response logger has to handle to read a body that an
// AI API compressed before gjson/body-attr inspection ever sees it. An
// unrecognized or absent encoding, or a body that fails to decompress, is
// passed through unchanged: a raw compressed blob is still a better fallback
// than dropping the event.
func decodeContentEncoding(header http.Header, body []byte) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	switch strings.ToLower(header.Get("Content-Encoding")) {
	case "gzip":
		if out, err := decodeGzip(body); err == nil {
			return out, nil
		}
	case "br":
		if out, err := decodeBrotli(body); err == nil {
			return out, nil
		}
	case "zstd":
		if out, err := decodeZstd(body); err == nil {
			return out, nil
		}
	}
	return body, nil
}

func decodeGzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func decodeBrotli(data []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
}

func decodeZstd(data []byte) ([]byte, error) {
	d, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer d.Close()
	return io.ReadAll(d)
}
