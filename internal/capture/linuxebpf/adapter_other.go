//go:build !linux

package linuxebpf

import (
	"context"
	"fmt"

	"github.com/oisp-project/oisp-sensor/internal/capture"
	"github.com/oisp-project/oisp-sensor/internal/oisperr"
)

// Adapter is the non-Linux stand-in. It exists so the sensor can be built
// on any GOOS and fail loudly at Start rather than at compile time.
type Adapter struct{}

// New returns a stub adapter.
func New() *Adapter { return &Adapter{} }

// Name implements capture.Adapter.
func (a *Adapter) Name() string { return "linux-ebpf" }

// Start implements capture.Adapter.
func (a *Adapter) Start(ctx context.Context, sink chan<- capture.RawCaptureEvent, opts capture.Options) error {
	return oisperr.Capability("os", fmt.Errorf("linux-ebpf adapter requires linux, build tag mismatch"))
}

// Stop implements capture.Adapter.
func (a *Adapter) Stop(ctx context.Context) error { return nil }

// Stats implements capture.Adapter.
func (a *Adapter) Stats() capture.Stats { return capture.Stats{} }

var _ capture.Adapter = (*Adapter)(nil)
