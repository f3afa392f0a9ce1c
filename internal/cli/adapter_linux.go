//go:build linux

package cli

import (
	"github.com/oisp-project/oisp-sensor/internal/capture"
	"github.com/oisp-project/oisp-sensor/internal/capture/linuxebpf"
	"github.com/oisp-project/oisp-sensor/internal/specbundle"
	"github.com/oisp-project/oisp-sensor/internal/tlsca"
)

// defaultAdapter returns the Linux eBPF capture adapter. ca and bundle
// are unused here (no MITM listener on this platform) but kept in the
// signature so record's wiring stays identical across platforms.
func defaultAdapter(ca *tlsca.CA, bundle *specbundle.Store) (capture.Adapter, error) {
	return linuxebpf.New(), nil
}
