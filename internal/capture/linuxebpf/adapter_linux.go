//go:build linux

// Package linuxebpf implements the Linux capture adapter: uprobes on
// SSL_read/SSL_write via cilium/ebpf, socket correlation, and in-kernel
// pid filtering. The comm prefixes of a ProcessFilter are not applied.
package linuxebpf

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/oisp-project/oisp-sensor/internal/capture"
	"github.com/oisp-project/oisp-sensor/internal/capture/linuxebpf/bpf"
	"github.com/oisp-project/oisp-sensor/internal/oisperr"

	log "github.com/sirupsen/logrus"
)

const ringBufPollTimeout = 10 * time.Millisecond

// Adapter is the Linux eBPF capture adapter.
type Adapter struct {
	objs   bpf.TlsProbeObjects
	links  []link.Link
	reader *ringbuf.Reader
	socks  *socketTable

	bootOffsetNanos int64

	stopProcNet chan struct{}
	wg          sync.WaitGroup
	cancel      context.CancelFunc

	bytesCaptured  atomic.Uint64
	eventsEmitted  atomic.Uint64
	ringDrops      atomic.Uint64
	attachFailures atomic.Uint64
}

// New constructs an unattached Linux adapter.
func New() *Adapter {
	return &Adapter{socks: newSocketTable()}
}

// Name implements capture.Adapter.
func (a *Adapter) Name() string { return "linux-ebpf" }

// Start implements capture.Adapter.
func (a *Adapter) Start(ctx context.Context, sink chan<- capture.RawCaptureEvent, opts capture.Options) error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return oisperr.Capability("memlock", err)
	}

	if err := bpf.LoadTlsProbeObjects(&a.objs, nil); err != nil {
		return oisperr.Capability("load-bpf-objects", err)
	}

	libs := opts.LibraryPaths
	libs = append(libs, expandGlobs(opts.LibraryPaths)...)
	if len(libs) == 0 {
		a.objs.Close()
		return oisperr.Capability("libraries", fmt.Errorf("no SSL library paths configured"))
	}

	attached := 0
	for _, lib := range dedupe(libs) {
		if err := a.attachLibrary(lib); err != nil {
			a.attachFailures.Add(1)
			log.WithError(err).WithField("library", lib).Warn("linuxebpf: attach failed, skipping library")
			continue
		}
		attached++
	}
	if attached == 0 {
		a.Stop(ctx)
		return oisperr.Capability("libraries", fmt.Errorf("no SSL library could be hooked"))
	}

	if err := a.configureFilter(opts.Filter); err != nil {
		log.WithError(err).Warn("linuxebpf: filter map update failed, continuing unfiltered")
	}

	reader, err := ringbuf.NewReader(a.objs.Events)
	if err != nil {
		a.Stop(ctx)
		return oisperr.Capability("ringbuf", err)
	}
	a.reader = reader
	a.bootOffsetNanos = bootTimeOffsetNanos()

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.stopProcNet = make(chan struct{})

	cap := opts.SSLPayloadCap
	if cap <= 0 {
		cap = capture.DefaultSSLPayloadCap
	}

	a.wg.Add(2)
	go a.consumeRingBuffer(runCtx, sink, cap)
	go func() {
		defer a.wg.Done()
		a.socks.pollProcNet(a.stopProcNet, a.trackedPIDs(opts.Filter), 2*time.Second)
	}()

	return nil
}

func (a *Adapter) trackedPIDs(filter capture.ProcessFilter) func() []int {
	return func() []int {
		pids := make([]int, 0, len(filter.PIDs))
		for pid := range filter.PIDs {
			pids = append(pids, pid)
		}
		return pids
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (a *Adapter) attachLibrary(path string) error {
	resolved, err := resolveSymbols(path)
	if err != nil {
		if err == errUnsupportedLibrary {
			return oisperr.UnsupportedLibrary(path)
		}
		return oisperr.Attach(path, err)
	}

	exe, err := link.OpenExecutable(path)
	if err != nil {
		return oisperr.Attach(path, err)
	}

	attachPairs := []struct {
		symbol string
		entry  *ebpf.Program
		exit   *ebpf.Program
	}{
		{"SSL_write", a.objs.HandleSslWriteEntry, a.objs.HandleSslWriteExit},
		{"SSL_read", a.objs.HandleSslReadEntry, a.objs.HandleSslReadExit},
	}

	for _, pair := range attachPairs {
		if !resolved.Symbols[pair.symbol] {
			continue
		}
		entryLink, err := exe.Uprobe(pair.symbol, pair.entry, nil)
		if err != nil {
			return oisperr.Attach(path+"#"+pair.symbol, err)
		}
		a.links = append(a.links, entryLink)

		exitLink, err := exe.Uretprobe(pair.symbol, pair.exit, nil)
		if err != nil {
			return oisperr.Attach(path+"#"+pair.symbol+"-ret", err)
		}
		a.links = append(a.links, exitLink)
	}
	return nil
}

func (a *Adapter) configureFilter(filter capture.ProcessFilter) error {
	if filter.Empty() {
		return nil
	}
	for pid := range filter.PIDs {
		if err := a.objs.TargetPids.Put(uint32(pid), uint8(1)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) consumeRingBuffer(ctx context.Context, sink chan<- capture.RawCaptureEvent, payloadCap int) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		record, err := a.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			a.ringDrops.Add(1)
			continue
		}

		ev, ok := decodeSSLEvent(record.RawSample, a.bootOffsetNanos, payloadCap)
		if !ok {
			continue
		}

		if addr, found := a.socks.lookup(ev.PID, ev.Meta.FD); found {
			ev.Meta.RemoteHost = addr.Host
			ev.Meta.RemotePort = addr.Port
		}

		a.bytesCaptured.Add(uint64(len(ev.Payload)))
		a.eventsEmitted.Add(1)

		select {
		case sink <- ev:
		default:
			// The capture->decode boundary never blocks the kernel
			// side; a full sink drops the event and counts it.
			a.ringDrops.Add(1)
		}
	}
}

// rawHeaderBytes is the fixed-size header of struct ssl_event in
// tls_probe.c: ts_ns(8) + pid/tid/fd/direction/data_len/truncated (6x uint32).
const rawHeaderBytes = 8 + 4*6

func decodeSSLEvent(raw []byte, bootOffsetNanos int64, payloadCap int) (capture.RawCaptureEvent, bool) {
	if len(raw) < rawHeaderBytes {
		return capture.RawCaptureEvent{}, false
	}
	tsNanos := binary.LittleEndian.Uint64(raw[0:8])
	pid := binary.LittleEndian.Uint32(raw[8:12])
	tid := binary.LittleEndian.Uint32(raw[12:16])
	fd := binary.LittleEndian.Uint32(raw[16:20])
	direction := binary.LittleEndian.Uint32(raw[20:24])
	dataLen := binary.LittleEndian.Uint32(raw[24:28])
	truncated := binary.LittleEndian.Uint32(raw[28:32]) != 0

	data := raw[rawHeaderBytes:]
	if int(dataLen) < len(data) {
		data = data[:dataLen]
	}
	if payloadCap > 0 && len(data) > payloadCap {
		data = data[:payloadCap]
		truncated = true
	}
	payload := make([]byte, len(data))
	copy(payload, data)

	kind := capture.KindSslRead
	if direction == 1 {
		kind = capture.KindSslWrite
	}

	return capture.RawCaptureEvent{
		ID:        uuid.NewString(),
		TSNanos:   int64(tsNanos) + bootOffsetNanos,
		Kind:      kind,
		PID:       int(pid),
		TID:       int(tid),
		Payload:   payload,
		Truncated: truncated,
		Meta:      capture.Metadata{FD: int(fd)},
	}, true
}

// bootTimeOffsetNanos converts CLOCK_MONOTONIC (what bpf_ktime_get_ns
// returns) to wall-clock nanoseconds, computed once at start.
func bootTimeOffsetNanos() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	monotonicNanos := ts.Sec*int64(time.Second) + ts.Nsec
	return time.Now().UnixNano() - monotonicNanos
}

// Stop implements capture.Adapter.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.stopProcNet != nil {
		close(a.stopProcNet)
	}
	if a.reader != nil {
		a.reader.Close()
	}
	for _, l := range a.links {
		l.Close()
	}
	a.objs.Close()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
	}
	return nil
}

// Stats implements capture.Adapter.
func (a *Adapter) Stats() capture.Stats {
	return capture.Stats{
		BytesCaptured:  a.bytesCaptured.Load(),
		EventsEmitted:  a.eventsEmitted.Load(),
		RingDrops:      a.ringDrops.Load(),
		AttachFailures: a.attachFailures.Load(),
	}
}

var _ capture.Adapter = (*Adapter)(nil)
