//go:build windows

package windivert

import (
	"net"

	"github.com/Microsoft/go-winio"
)

const pipeName = `\\.\pipe\oisp-sensor-capture`

// listenPipe opens the named pipe the redirector (privileged) writes
// RawCaptureEvents into and the unprivileged sensor process reads from.
func listenPipe() (net.Listener, error) {
	return winio.ListenPipe(pipeName, nil)
}

func dialPipe() (net.Conn, error) {
	return winio.DialPipe(pipeName, nil)
}
