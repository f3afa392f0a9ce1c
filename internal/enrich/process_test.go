package enrich

import (
	"context"
	"testing"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
)

func newTestEnricher(info processInfo, found bool) *ProcessEnricher {
	e := NewProcessEnricher()
	e.lookup = func(pid int) (processInfo, bool) { return info, found }
	return e
}

func TestProcessEnricherFillsZeroFields(t *testing.T) {
	e := newTestEnricher(processInfo{comm: "curl", exe: "/usr/bin/curl", ppid: 10, uid: 1000}, true)
	ev := &oisp.Event{Process: oisp.Process{PID: 42}}

	out, err := e.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Process.Comm != "curl" || out.Process.Exe != "/usr/bin/curl" || out.Process.PPID != 10 || out.Process.UID != 1000 {
		t.Fatalf("unexpected process: %+v", out.Process)
	}
}

func TestProcessEnricherDoesNotOverwriteKnownFields(t *testing.T) {
	e := newTestEnricher(processInfo{comm: "wrong"}, true)
	ev := &oisp.Event{Process: oisp.Process{PID: 42, Comm: "already-known", Exe: "/already/known"}}

	out, err := e.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Process.Comm != "already-known" {
		t.Fatalf("expected known comm to survive enrichment, got %q", out.Process.Comm)
	}
}

func TestProcessEnricherCachesLookups(t *testing.T) {
	calls := 0
	e := NewProcessEnricher()
	e.lookup = func(pid int) (processInfo, bool) {
		calls++
		return processInfo{comm: "svc"}, true
	}

	for i := 0; i < 3; i++ {
		ev := &oisp.Event{Process: oisp.Process{PID: 7}}
		if _, err := e.Process(context.Background(), ev); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected the lookup to run once and be served from cache afterward, got %d calls", calls)
	}
}

func TestProcessEnricherHandlesMissingProcess(t *testing.T) {
	e := newTestEnricher(processInfo{}, false)
	ev := &oisp.Event{Process: oisp.Process{PID: 99999}}

	out, err := e.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Process.Comm != "" {
		t.Fatalf("expected no comm for an unresolved pid, got %q", out.Process.Comm)
	}
}
