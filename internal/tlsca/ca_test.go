package tlsca

import (
	"testing"
)

func newTestCA(t *testing.T) *CA {
	t.Helper()
	store := &memStore{values: make(map[string][]byte)}
	ca, err := New(store, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(ca.Close)
	return ca
}

type memStore struct {
	values map[string][]byte
}

func (m *memStore) Save(name string, keyPEM []byte) error {
	m.values[name] = keyPEM
	return nil
}

func (m *memStore) Load(name string) ([]byte, bool, error) {
	v, ok := m.values[name]
	return v, ok, nil
}

func TestNewGeneratesRoot(t *testing.T) {
	ca := newTestCA(t)
	if len(ca.RootPEM()) == 0 {
		t.Fatalf("expected non-empty root PEM")
	}
}

func TestReloadReusesPersistedRoot(t *testing.T) {
	store := &memStore{values: make(map[string][]byte)}
	dir := t.TempDir()

	first, err := New(store, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first.Close()

	second, err := New(store, dir)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	defer second.Close()

	if string(first.RootPEM()) != string(second.RootPEM()) {
		t.Fatalf("reload produced a different root certificate")
	}
}

func TestLeafForIsCachedAndValid(t *testing.T) {
	ca := newTestCA(t)

	cert1, err := ca.LeafFor("api.example.com")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}
	if len(cert1.Certificate) != 2 {
		t.Fatalf("expected leaf + root chain, got %d certs", len(cert1.Certificate))
	}

	cert2, err := ca.LeafFor("api.example.com")
	if err != nil {
		t.Fatalf("LeafFor (cached): %v", err)
	}
	if string(cert1.Certificate[0]) != string(cert2.Certificate[0]) {
		t.Fatalf("expected cached leaf to be reused")
	}
}

func TestLeafForDifferentHostsGetDifferentCerts(t *testing.T) {
	ca := newTestCA(t)

	a, err := ca.LeafFor("a.example.com")
	if err != nil {
		t.Fatalf("LeafFor(a): %v", err)
	}
	b, err := ca.LeafFor("b.example.com")
	if err != nil {
		t.Fatalf("LeafFor(b): %v", err)
	}
	if string(a.Certificate[0]) == string(b.Certificate[0]) {
		t.Fatalf("expected distinct leaves for distinct hosts")
	}
}
