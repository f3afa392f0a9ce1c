// Package capture defines the cross-platform contract every platform
// capture adapter (Linux eBPF, Windows WinDivert+MITM, macOS Network
// Extension+MITM) implements, and the RawCaptureEvent they all produce.
package capture

import (
	"context"
	"time"
)

// Kind discriminates the RawCaptureEvent variants.
type Kind string

const (
	KindSslRead        Kind = "SslRead"
	KindSslWrite       Kind = "SslWrite"
	KindProcessExec    Kind = "ProcessExec"
	KindProcessExit    Kind = "ProcessExit"
	KindNetworkConnect Kind = "NetworkConnect"
	KindFileOpen       Kind = "FileOpen"
)

// Default per-event payload caps.
const (
	DefaultSSLPayloadCap      = 16 * 1024
	DefaultMetadataPayloadCap = 4 * 1024
)

// Metadata carries the optional process/network context attached to a
// RawCaptureEvent.
type Metadata struct {
	Comm       string
	Exe        string
	UID        int
	PPID       int
	FD         int
	RemoteHost string
	RemotePort int
}

// ConnectionKey demultiplexes interleaved SSL calls from the same process.
// TidOrFD is a thread id on Linux. The Windows and macOS MITM adapters set
// neither a thread id nor an fd, so their events key as (pid, 0).
type ConnectionKey struct {
	PID     int
	TidOrFD int
}

// RawCaptureEvent is the uniform product of every capture adapter.
type RawCaptureEvent struct {
	ID        string
	TSNanos   int64
	Kind      Kind
	PID       int
	TID       int
	Payload   []byte
	Truncated bool
	Meta      Metadata
}

// Key returns the ConnectionKey this event belongs to, preferring the
// thread id and falling back to Meta.FD when TID is zero.
func (e RawCaptureEvent) Key() ConnectionKey {
	tidOrFD := e.TID
	if tidOrFD == 0 {
		tidOrFD = e.Meta.FD
	}
	return ConnectionKey{PID: e.PID, TidOrFD: tidOrFD}
}

// Stats reports the counters every adapter must expose.
type Stats struct {
	BytesCaptured  uint64
	EventsEmitted  uint64
	RingDrops      uint64
	AttachFailures uint64
}

// ProcessFilter optionally restricts capture to a set of pids and/or comm
// prefixes. An empty filter means "all processes".
type ProcessFilter struct {
	PIDs  map[int]struct{}
	Comms []string
}

// Empty reports whether the filter matches everything.
func (f ProcessFilter) Empty() bool {
	return len(f.PIDs) == 0 && len(f.Comms) == 0
}

// Options configures an Adapter's Start call.
type Options struct {
	LibraryPaths    []string
	Filter          ProcessFilter
	SSLPayloadCap   int
	WatchdogTimeout time.Duration
}

// Adapter is the uniform lifecycle every platform capture adapter
// implements: start, stop, stats.
type Adapter interface {
	// Start attaches the adapter's probes/filters/extension and begins
	// emitting RawCaptureEvents into sink. It returns once attachment
	// is confirmed or with a classified *oisperr.Error on failure.
	Start(ctx context.Context, sink chan<- RawCaptureEvent, opts Options) error

	// Stop detaches probes/filters and waits for in-flight events to
	// drain, up to an internal timeout.
	Stop(ctx context.Context) error

	// Stats reports current counters.
	Stats() Stats

	// Name identifies the adapter for OispEvent.Source.Adapter.
	Name() string
}
