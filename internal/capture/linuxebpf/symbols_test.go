package linuxebpf

import "testing"

func TestExpandGlobsDedupesAndSortsNothingMissing(t *testing.T) {
	got := expandGlobs([]string{"symbols_test.go", "symbols_test.go", "does-not-exist-*.go"})
	if len(got) != 1 || got[0] != "symbols_test.go" {
		t.Fatalf("expandGlobs = %v, want [symbols_test.go]", got)
	}
}

func TestExpandGlobsEmptyOnNoMatches(t *testing.T) {
	got := expandGlobs([]string{"nope-*.so"})
	if len(got) != 0 {
		t.Fatalf("expandGlobs = %v, want empty", got)
	}
}
