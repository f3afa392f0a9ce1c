package linuxebpf

import "errors"

var (
	errUnsupportedLibrary = errors.New("tls library does not expose the OpenSSL symbol ABI")
	errNoSymbols          = errors.New("no SSL_read/SSL_write symbols found in library")
)
