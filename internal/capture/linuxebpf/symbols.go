package linuxebpf

import (
	"debug/elf"
	"fmt"
	"path/filepath"
	"strings"
)

// requiredSymbols are the OpenSSL entry points resolveSymbols looks for; a
// library exporting any of them counts as hookable. attachLibrary puts
// probes on SSL_read and SSL_write only; SSL_read_ex, SSL_write_ex and
// SSL_do_handshake are resolved but not attached.
var requiredSymbols = []string{
	"SSL_read",
	"SSL_read_ex",
	"SSL_write",
	"SSL_write_ex",
	"SSL_do_handshake",
}

// unsupportedHints are substrings of a library's dynamic symbol table that
// indicate a TLS implementation this adapter cannot hook because it does
// not expose the OpenSSL ABI.
var unsupportedHints = []string{
	"rustls_",
	"GFp_", // BoringSSL/ring internal prefix often present without SSL_read/write
	"gnutls_",
}

// resolvedLibrary is one SSL library discovered on the host along with the
// subset of requiredSymbols it actually exports.
type resolvedLibrary struct {
	Path    string
	Symbols map[string]bool
}

// resolveSymbols parses path's dynamic symbol table and reports which of
// requiredSymbols are present, or an error classifying why the library
// cannot be hooked at all.
func resolveSymbols(path string) (*resolvedLibrary, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}
	defer f.Close()

	syms, err := f.DynamicSymbols()
	if err != nil {
		return nil, fmt.Errorf("read dynsym: %w", err)
	}

	found := make(map[string]bool, len(requiredSymbols))
	names := make(map[string]bool, len(syms))
	for _, s := range syms {
		names[s.Name] = true
	}
	for _, want := range requiredSymbols {
		if names[want] {
			found[want] = true
		}
	}

	if len(found) == 0 {
		for hint := range names {
			for _, h := range unsupportedHints {
				if strings.Contains(hint, h) {
					return nil, errUnsupportedLibrary
				}
			}
		}
		return nil, errNoSymbols
	}

	return &resolvedLibrary{Path: path, Symbols: found}, nil
}

// expandGlobs resolves configured override globs, including glob patterns
// for toolchain-managed runtimes, into concrete file paths.
func expandGlobs(patterns []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}
