//go:build darwin

package netext

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const pfAnchor = "oisp-sensor"

// pfFlowSource stands in for NETransparentProxyProvider: it redirects
// matched outbound TCP traffic to a loopback listener via a pf rdr-pass
// anchor, recovers each accepted connection's real destination via
// DIOCNATLOOK on /dev/pf (pf's equivalent of Linux's SO_ORIGINAL_DST), and
// resolves the owning pid via lsof since libproc's proc_pidinfo isn't
// reachable without cgo.
type pfFlowSource struct {
	lookup     DomainLookup
	listenAddr *net.TCPAddr

	ln     net.Listener
	pfFD   int
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newFlowSource(lookup DomainLookup, listenAddr *net.TCPAddr) *pfFlowSource {
	return &pfFlowSource{lookup: lookup, listenAddr: listenAddr}
}

func (p *pfFlowSource) Start(ctx context.Context, flows chan<- Flow) error {
	rule := fmt.Sprintf(
		"rdr pass on lo0 inet proto tcp from any to any port 443 -> 127.0.0.1 port %d\n",
		p.listenAddr.Port,
	)
	tmp, err := os.CreateTemp("", "oisp-pf-*.conf")
	if err != nil {
		return fmt.Errorf("write pf ruleset: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(rule); err != nil {
		tmp.Close()
		return fmt.Errorf("write pf ruleset: %w", err)
	}
	tmp.Close()

	if out, err := exec.Command("pfctl", "-a", pfAnchor, "-f", tmp.Name()).CombinedOutput(); err != nil {
		return fmt.Errorf("load pf anchor %s: %w: %s", pfAnchor, err, out)
	}
	if out, err := exec.Command("pfctl", "-e").CombinedOutput(); err != nil {
		// pf may already be enabled; that's fine, anything else isn't.
		if !strings.Contains(string(out), "already enabled") {
			return fmt.Errorf("enable pf: %w: %s", err, out)
		}
	}

	fd, err := unix.Open("/dev/pf", unix.O_RDWR, 0)
	if err != nil {
		exec.Command("pfctl", "-a", pfAnchor, "-F", "all").Run()
		return fmt.Errorf("open /dev/pf: %w", err)
	}
	p.pfFD = fd

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.accept(runCtx, flows)
	return nil
}

func (p *pfFlowSource) accept(ctx context.Context, flows chan<- Flow) {
	defer p.wg.Done()
	ln, err := net.ListenTCP("tcp", p.listenAddr)
	if err != nil {
		return
	}
	p.ln = ln
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		go p.handleAccept(conn, flows)
	}
}

func (p *pfFlowSource) handleAccept(conn *net.TCPConn, flows chan<- Flow) {
	dstHost, dstPort, err := p.natLookup(conn)
	if err != nil {
		conn.Close()
		return
	}
	retain, mitm := p.lookup(dstHost)
	if !retain {
		conn.Close()
		return
	}
	pid := lookupPeerPID(conn.RemoteAddr().(*net.TCPAddr).Port)
	attrib, _ := attribute(pid)
	mode := ModePassThrough
	if mitm {
		mode = ModeFullMITM
	}
	flows <- Flow{Conn: conn, DstHost: dstHost, DstPort: dstPort, Mode: mode, Attrib: attrib}
}

// pfioc_natlook, trimmed to the fields DIOCNATLOOK needs: the four-tuple
// identifying the redirected connection as seen locally, filled in and the
// kernel overwrites the "real" (rdst, rport) half with the original
// destination before the rdr rule rewrote it.
type pfNatlook struct {
	Saddr     [16]byte
	Daddr     [16]byte
	Rsaddr    [16]byte
	Rdaddr    [16]byte
	Sport     uint16
	Dport     uint16
	Rsport    uint16
	Rdport    uint16
	AF        uint8
	Proto     uint8
	ProtoVar  uint8
	Direction uint8
}

const diocNatlook = 0xc0544417 // _IOWR('D', 23, struct pfioc_natlook)

func (p *pfFlowSource) natLookup(conn *net.TCPConn) (string, int, error) {
	local := conn.LocalAddr().(*net.TCPAddr)
	remote := conn.RemoteAddr().(*net.TCPAddr)

	var nl pfNatlook
	nl.AF = unix.AF_INET
	nl.Proto = unix.IPPROTO_TCP
	nl.Direction = 0 // PF_OUT
	copy(nl.Saddr[:4], remote.IP.To4())
	copy(nl.Daddr[:4], local.IP.To4())
	nl.Sport = htons(uint16(remote.Port))
	nl.Dport = htons(uint16(local.Port))

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(p.pfFD), uintptr(diocNatlook), uintptr(unsafe.Pointer(&nl)))
	if errno != 0 {
		return "", 0, fmt.Errorf("DIOCNATLOOK: %w", errno)
	}
	dstIP := net.IP(nl.Rdaddr[:4]).String()
	return dstIP, int(ntohs(nl.Rdport)), nil
}

func htons(v uint16) uint16 { return (v<<8)&0xff00 | v>>8 }
func ntohs(v uint16) uint16 { return htons(v) }

// lookupPeerPID resolves the pid owning the local end of a loopback TCP
// connection by its source port, via lsof -- the portable, cgo-free
// equivalent of proc_pidinfo(PROC_PIDLISTFDS).
func lookupPeerPID(port int) int {
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf("tcp:%d", port)).Output()
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(trimNewline(out))
	return pid
}

func trimNewline(b []byte) string {
	return strings.TrimRight(string(b), "\r\n")
}

func (p *pfFlowSource) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.ln != nil {
		p.ln.Close()
	}
	if p.pfFD != 0 {
		unix.Close(p.pfFD)
	}
	exec.Command("pfctl", "-a", pfAnchor, "-F", "all").Run()
	p.wg.Wait()
	return nil
}
