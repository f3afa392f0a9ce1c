package linuxebpf

import "testing"

func TestSocketTableRecordAndLookup(t *testing.T) {
	st := newSocketTable()
	st.recordConnect(100, 5, remoteAddr{Host: "1.2.3.4", Port: 443})

	addr, ok := st.lookup(100, 5)
	if !ok || addr.Host != "1.2.3.4" || addr.Port != 443 {
		t.Fatalf("lookup(100,5) = %+v, %v", addr, ok)
	}
}

func TestSocketTableLookupFallsBackToLastFd(t *testing.T) {
	st := newSocketTable()
	st.recordConnect(100, 5, remoteAddr{Host: "1.2.3.4", Port: 443})

	addr, ok := st.lookup(100, 0)
	if !ok || addr.Host != "1.2.3.4" {
		t.Fatalf("lookup(100,0) = %+v, %v, want fallback to fd 5", addr, ok)
	}
}

func TestSocketTableRecordCloseRemoves(t *testing.T) {
	st := newSocketTable()
	st.recordConnect(100, 5, remoteAddr{Host: "1.2.3.4", Port: 443})
	st.recordClose(100, 5)

	if _, ok := st.lookup(100, 5); ok {
		t.Fatalf("lookup(100,5) after close should miss")
	}
}

func TestParseHexAddr(t *testing.T) {
	host, port, ok := parseHexAddr("0100007F:1F90")
	if !ok || host != "127.0.0.1" || port != 8080 {
		t.Fatalf("parseHexAddr = %s %d %v, want 127.0.0.1 8080 true", host, port, ok)
	}
}

func TestParseHexAddrRejectsMalformed(t *testing.T) {
	if _, _, ok := parseHexAddr("garbage"); ok {
		t.Fatalf("parseHexAddr(garbage) should fail")
	}
}
