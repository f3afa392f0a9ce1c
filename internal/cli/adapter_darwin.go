//go:build darwin

package cli

import (
	"fmt"

	"github.com/oisp-project/oisp-sensor/internal/capture"
	"github.com/oisp-project/oisp-sensor/internal/capture/netext"
	"github.com/oisp-project/oisp-sensor/internal/specbundle"
	"github.com/oisp-project/oisp-sensor/internal/tlsca"
)

// defaultAdapter returns the macOS Network Extension+MITM capture
// adapter, gated on a local CA exactly like the Windows one.
func defaultAdapter(ca *tlsca.CA, bundle *specbundle.Store) (capture.Adapter, error) {
	if ca == nil {
		return nil, fmt.Errorf("cli: macos capture requires a local CA (set ca.cert-dir)")
	}
	return netext.New(ca, domainLookup(bundle)), nil
}

func domainLookup(bundle *specbundle.Store) netext.DomainLookup {
	return func(host string) (retain bool, mitm bool) {
		snap := bundle.Snapshot()
		if _, ok := snap.LookupDomain(host); ok {
			return true, true
		}
		if _, ok := snap.LookupWildcard(host); ok {
			return true, true
		}
		return false, false
	}
}
