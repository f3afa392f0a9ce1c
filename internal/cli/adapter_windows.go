//go:build windows

package cli

import (
	"fmt"

	"github.com/oisp-project/oisp-sensor/internal/capture"
	"github.com/oisp-project/oisp-sensor/internal/capture/windivert"
	"github.com/oisp-project/oisp-sensor/internal/specbundle"
	"github.com/oisp-project/oisp-sensor/internal/tlsca"
)

// defaultAdapter returns the Windows WinDivert+MITM capture adapter. The
// MITM listener needs a local CA to mint per-host leaf certificates and a
// DomainLookup to decide which redirected connections are worth
// terminating at all.
func defaultAdapter(ca *tlsca.CA, bundle *specbundle.Store) (capture.Adapter, error) {
	if ca == nil {
		return nil, fmt.Errorf("cli: windows capture requires a local CA (set ca.cert-dir)")
	}
	return windivert.New(ca, domainLookup(bundle)), nil
}

func domainLookup(bundle *specbundle.Store) windivert.DomainLookup {
	return func(host string) bool {
		snap := bundle.Snapshot()
		if _, ok := snap.LookupDomain(host); ok {
			return true
		}
		_, ok := snap.LookupWildcard(host)
		return ok
	}
}
