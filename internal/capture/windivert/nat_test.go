package windivert

import "testing"

func TestNATPutLookup(t *testing.T) {
	nat := newNATTable()
	nat.put(51000, natEntry{OriginalDstIP: "1.2.3.4", OriginalDstPort: 443, PID: 99})

	e, ok := nat.lookup(51000)
	if !ok || e.PID != 99 || e.OriginalDstIP != "1.2.3.4" {
		t.Fatalf("lookup(51000) = %+v, %v", e, ok)
	}
}

func TestNATMarkOpaque(t *testing.T) {
	nat := newNATTable()
	nat.put(51000, natEntry{OriginalDstIP: "1.2.3.4", OriginalDstPort: 443, PID: 99})
	nat.markOpaque(51000)

	e, ok := nat.lookup(51000)
	if !ok || !e.Opaque {
		t.Fatalf("expected entry marked opaque, got %+v, %v", e, ok)
	}
}

func TestNATMissReportsNotFound(t *testing.T) {
	nat := newNATTable()
	if _, ok := nat.lookup(12345); ok {
		t.Fatalf("expected miss for unknown port")
	}
}
