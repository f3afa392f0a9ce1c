// Package oisperr defines the sensor's error taxonomy. The capture
// adapters and the CA return these typed errors, so callers (such as the
// CLI choosing its exit code) can branch on the Kind field instead of
// string-matching; other packages return ordinary wrapped errors.
package oisperr

import "fmt"

// Kind is the error taxonomy discriminator.
type Kind string

const (
	KindCapability         Kind = "capability"
	KindAttach             Kind = "attach"
	KindParse              Kind = "parse"
	KindCorrelationTimeout Kind = "correlation_timeout"
	KindExport             Kind = "export"
	KindBackpressureDrop   Kind = "backpressure_drop"
	KindCA                 Kind = "ca"
)

// Error is a typed error carrying a taxonomy Kind plus an optional target
// (a library path, a stage name, a sink name) describing what failed.
type Error struct {
	Kind   Kind
	Target string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Target != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Target, e.Err)
		}
		return fmt.Sprintf("%s[%s]", e.Kind, e.Target)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New builds a new typed Error.
func New(kind Kind, target string, err error) *Error {
	return &Error{Kind: kind, Target: target, Err: err}
}

// Capability reports a host-level prerequisite failure: missing BTF,
// kernel too old, no elevation, no NE approval. Fatal to the affected
// adapter.
func Capability(target string, err error) *Error { return New(KindCapability, target, err) }

// Attach reports a single probe/filter failing to install. Per-target;
// the adapter continues with other targets.
func Attach(target string, err error) *Error { return New(KindAttach, target, err) }

// Parse reports malformed HTTP or a broken streaming frame. Local: reset
// the affected stream, emit a diagnostic event.
func Parse(target string, err error) *Error { return New(KindParse, target, err) }

// CorrelationTimeout reports a request whose response never arrived within
// the policy window.
func CorrelationTimeout(requestID string) *Error {
	return New(KindCorrelationTimeout, requestID, nil)
}

// Export reports a single sink operation failing.
func Export(sink string, err error) *Error { return New(KindExport, sink, err) }

// BackpressureDrop reports a channel-full drop at a bounded boundary.
func BackpressureDrop(boundary string) *Error {
	return New(KindBackpressureDrop, boundary, nil)
}

// CA reports a certificate generation or trust-store failure. Affects
// only the current MITM connection.
func CA(hostname string, err error) *Error { return New(KindCA, hostname, err) }

// UnsupportedLibrary is the specific AttachError the Linux adapter reports
// for TLS libraries it cannot hook: rustls, BoringSSL, GnuTLS, Go's
// crypto/tls.
func UnsupportedLibrary(libPath string) *Error {
	return New(KindAttach, libPath, fmt.Errorf("unsupported TLS library ABI"))
}
