package windivert

import "context"

// redirector installs the packet filter that steers matched outbound TCP
// SYNs to the loopback MITM listener and populates natTable with the
// original destination each redirected connection stood for.
type redirector interface {
	Start(ctx context.Context) error
	Stop() error
}

// DomainLookup reports whether a destination host should be redirected,
// i.e. it is a domain the spec bundle knows about. Callers supply the
// lookup so this package does not import the spec bundle directly.
type DomainLookup func(host string) (providerKnown bool)
