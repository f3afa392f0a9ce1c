//go:build !darwin

package netext

import (
	"context"
	"fmt"
	"net"
)

type pfFlowSource struct{}

func newFlowSource(lookup DomainLookup, listenAddr *net.TCPAddr) *pfFlowSource {
	return &pfFlowSource{}
}

func (p *pfFlowSource) Start(ctx context.Context, flows chan<- Flow) error {
	return fmt.Errorf("netext: pf-based flow redirection requires darwin, build tag mismatch")
}

func (p *pfFlowSource) Stop() error { return nil }
