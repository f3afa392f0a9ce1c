package windivert

import (
	"fmt"
	"time"

	"github.com/oisp-project/oisp-sensor/internal/ttlcache"
)

const (
	defaultNATCapacity = 4096
	defaultNATAge      = 120 * time.Second
)

// natEntry records where a redirected connection's traffic really belongs:
// the original destination the client asked for, before the redirector
// rewrote it to the loopback MITM listener, plus the pid that owns it.
type natEntry struct {
	OriginalDstIP   string
	OriginalDstPort int
	PID             int
	Opaque          bool // true once a client-pinning fallback made this connection a transparent relay
}

// natTable maps a loopback source port to the natEntry describing the
// connection it stands in for. Bounded and TTL-aged per the Windows
// adapter's failure semantics (default 4096 entries, 120s age-out).
type natTable struct {
	cache *ttlcache.Cache[natEntry]
}

func newNATTable() *natTable {
	return &natTable{cache: ttlcache.New[natEntry](defaultNATCapacity, defaultNATAge)}
}

func natKey(srcPort int) string {
	return fmt.Sprintf("%d", srcPort)
}

func (t *natTable) put(srcPort int, e natEntry) {
	t.cache.Put(natKey(srcPort), e)
}

func (t *natTable) lookup(srcPort int) (natEntry, bool) {
	return t.cache.Get(natKey(srcPort))
}

func (t *natTable) markOpaque(srcPort int) {
	if e, ok := t.cache.Get(natKey(srcPort)); ok {
		e.Opaque = true
		t.cache.Put(natKey(srcPort), e)
	}
}

func (t *natTable) evictions() uint64 { return t.cache.Evictions() }
