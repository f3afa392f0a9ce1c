//go:build !windows

package windivert

import (
	"context"
	"fmt"
	"net"

	"github.com/oisp-project/oisp-sensor/internal/oisperr"
)

// noopRedirector lets this package build and its IPC/listener logic be
// tested on non-Windows hosts; Start always fails since WinDivert is
// Windows-only.
type noopRedirector struct{}

func newRedirector(nat *natTable, lookup DomainLookup, listenAddr *net.TCPAddr) redirector {
	return &noopRedirector{}
}

func (r *noopRedirector) Start(ctx context.Context) error {
	return oisperr.Capability("os", fmt.Errorf("windivert redirector requires windows, build tag mismatch"))
}

func (r *noopRedirector) Stop() error { return nil }
