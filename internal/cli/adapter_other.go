//go:build !linux && !windows && !darwin

package cli

import (
	"fmt"

	"github.com/oisp-project/oisp-sensor/internal/capture"
	"github.com/oisp-project/oisp-sensor/internal/oisperr"
	"github.com/oisp-project/oisp-sensor/internal/specbundle"
	"github.com/oisp-project/oisp-sensor/internal/tlsca"
)

func defaultAdapter(ca *tlsca.CA, bundle *specbundle.Store) (capture.Adapter, error) {
	return nil, oisperr.Capability("os", fmt.Errorf("no capture adapter for this platform"))
}
