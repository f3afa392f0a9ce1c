// Package enrich annotates OispEvents with process and trace context the
// capture adapters don't have cheap access to: adapters report the bare
// (pid, tid) the kernel gave them, and enrichment fills in comm/exe/ppid/
// uid from the OS process table.
package enrich

import (
	"context"
	"strconv"
	"time"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
	"github.com/oisp-project/oisp-sensor/internal/ttlcache"
)

// Default cache shape for resolved process info. PIDs get reused by the
// OS, so entries expire quickly rather than living for the sensor's
// whole run.
const (
	defaultCacheCapacity = 4096
	defaultCacheTTL      = 30 * time.Second
)

type processInfo struct {
	comm string
	exe  string
	ppid int
	uid  int
}

// ProcessEnricher fills Event.Process fields the capture adapter left
// zero by looking them up from the OS process table, cached per pid.
type ProcessEnricher struct {
	cache  *ttlcache.Cache[processInfo]
	lookup func(pid int) (processInfo, bool)
}

// NewProcessEnricher builds a ProcessEnricher backed by the host's
// process table lookup (platform-specific, see process_linux.go and
// process_other.go).
func NewProcessEnricher() *ProcessEnricher {
	return &ProcessEnricher{
		cache:  ttlcache.New[processInfo](defaultCacheCapacity, defaultCacheTTL),
		lookup: lookupProcessInfo,
	}
}

func (e *ProcessEnricher) Name() string  { return "process" }
func (e *ProcessEnricher) Priority() int { return 0 }

func (e *ProcessEnricher) Init(ctx context.Context) error     { return nil }
func (e *ProcessEnricher) Shutdown(ctx context.Context) error { return nil }

// Process fills in any zero Comm/Exe/PPID/Uid field on ev.Process from
// the cached or freshly looked-up process table entry for its pid. An
// event that already carries both Comm and Exe is returned unchanged,
// even if its PPID or Uid is zero. It
// never fails: a process that has already exited by the time enrichment
// runs just leaves those fields empty.
func (e *ProcessEnricher) Process(_ context.Context, ev *oisp.Event) (*oisp.Event, error) {
	if ev == nil || ev.Process.PID == 0 {
		return ev, nil
	}
	if ev.Process.Comm != "" && ev.Process.Exe != "" {
		return ev, nil
	}

	key := pidCacheKey(ev.Process.PID)
	info, ok := e.cache.Get(key)
	if !ok {
		info, ok = e.lookup(ev.Process.PID)
		if ok {
			e.cache.Put(key, info)
		}
	}
	if !ok {
		return ev, nil
	}

	if ev.Process.Comm == "" {
		ev.Process.Comm = info.comm
	}
	if ev.Process.Exe == "" {
		ev.Process.Exe = info.exe
	}
	if ev.Process.PPID == 0 {
		ev.Process.PPID = info.ppid
	}
	if ev.Process.UID == 0 {
		ev.Process.UID = info.uid
	}
	return ev, nil
}

func pidCacheKey(pid int) string {
	return strconv.Itoa(pid)
}
