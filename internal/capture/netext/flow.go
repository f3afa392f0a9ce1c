// Package netext implements the macOS capture adapter: a transparent-proxy
// flow handler pairing pf's rdr-pass redirection with a loopback MITM
// listener, communicating RawCaptureEvents to the rest of the sensor over a
// Unix domain socket using the same wire framing the Windows adapter uses.
package netext

import (
	"net"
)

// FlowMode selects how a retained flow is handled.
type FlowMode int

const (
	// ModePassThrough bridges raw (still-encrypted) bytes between the
	// flow and a direct TLS connection opened with system trust. No
	// plaintext is produced; only connection metadata is captured.
	ModePassThrough FlowMode = iota
	// ModeFullMITM terminates TLS locally using a CA-minted leaf and
	// relays plaintext, capturing it.
	ModeFullMITM
)

func (m FlowMode) String() string {
	switch m {
	case ModePassThrough:
		return "pass-through"
	case ModeFullMITM:
		return "full-mitm"
	default:
		return "unknown"
	}
}

// FlowAttribution is the pid/exe/ppid a flow's originating application
// resolves to, looked up from the flow's audit token.
type FlowAttribution struct {
	PID  int
	PPID int
	Exe  string
}

// Flow describes one retained TCP flow handed to the adapter: a new
// connection whose destination matched the spec bundle, with a mode chosen
// by the caller based on whether full MITM is approved for that host.
type Flow struct {
	Conn    net.Conn
	DstHost string
	DstPort int
	Mode    FlowMode
	Attrib  FlowAttribution
}

// DomainLookup reports whether a destination host is known to the spec
// bundle and, if so, whether full MITM is approved for it. A host unknown
// to the bundle is never retained by the flow source.
type DomainLookup func(host string) (retain bool, mitm bool)
