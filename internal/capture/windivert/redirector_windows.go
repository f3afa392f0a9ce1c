//go:build windows

package windivert

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/williamfhe/godivert"

	"github.com/oisp-project/oisp-sensor/internal/oisperr"
)

const (
	mitmListenerAddr = "127.0.0.1:0"
	divertFilter     = "outbound and tcp.DstPort == 443 and tcp.Syn == true and tcp.Ack == false"
)

// winDivertRedirector installs a WinDivert filter matching outbound HTTPS
// SYNs, resolves the destination against the spec bundle's known domains
// via lookup, and rewrites matched packets' destination to the local MITM
// listener while recording the original destination in nat.
type winDivertRedirector struct {
	nat        *natTable
	lookup     DomainLookup
	listenAddr *net.TCPAddr

	handle *godivert.WinDivertHandle
	wg     sync.WaitGroup
	stop   chan struct{}
}

func newRedirector(nat *natTable, lookup DomainLookup, listenAddr *net.TCPAddr) redirector {
	return &winDivertRedirector{nat: nat, lookup: lookup, listenAddr: listenAddr, stop: make(chan struct{})}
}

func (r *winDivertRedirector) Start(ctx context.Context) error {
	handle, err := godivert.NewWinDivertHandle(divertFilter)
	if err != nil {
		return oisperr.Capability("windivert", fmt.Errorf("open windivert handle: %w", err))
	}
	r.handle = handle

	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

func (r *winDivertRedirector) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		default:
		}

		packet, err := r.handle.Recv()
		if err != nil {
			continue
		}

		ipv4 := packet.IpHdr()
		tcp := packet.TCPHdr()
		if ipv4 == nil || tcp == nil {
			continue
		}

		dstIP := ipv4.DstIP().String()
		if !r.lookup(dstIP) {
			r.handle.Send(packet) // not ours, pass through unmodified
			continue
		}

		r.nat.put(int(tcp.SrcPort), natEntry{
			OriginalDstIP:   dstIP,
			OriginalDstPort: int(tcp.DstPort),
			PID:             int(packet.ProcessId),
		})

		ipv4.SetDstIP(r.listenAddr.IP)
		tcp.SetDstPort(uint16(r.listenAddr.Port))
		packet.CalcNewChecksum(r.handle)
		r.handle.Send(packet)
	}
}

func (r *winDivertRedirector) Stop() error {
	close(r.stop)
	if r.handle != nil {
		r.handle.Close()
	}
	r.wg.Wait()
	return nil
}
