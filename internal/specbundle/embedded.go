package specbundle

import _ "embed"

//go:embed default_bundle.json
var embeddedBundleJSON []byte

// embeddedSnapshot parses the bundle compiled into the binary, used as the
// last-resort fallback when neither the on-disk cache nor a remote fetch
// is available.
func embeddedSnapshot() (*Snapshot, error) {
	return parseBundle(embeddedBundleJSON)
}
