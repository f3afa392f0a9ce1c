// Package oispid generates the time-sortable event identifiers used across
// the capture, decode, and export stages.
package oispid

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a new 26-character ULID string, monotonic within a single
// process for identical millisecond timestamps.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewAt returns a ULID whose timestamp part is t (e.g. a RawCaptureEvent's
// original clock). The random part comes from the shared entropy source,
// so two calls with the same t return different ids.
func NewAt(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Valid reports whether s parses as a well-formed ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
