package specbundle

import "github.com/tidwall/gjson"

// DetectProvider classifies a request by host, falling back to sniffing
// the body's JSON shape when the host isn't in the bundle. Detection
// never fails outright: an unclassified request reports "unknown" rather
// than being dropped, per the decoder's provider-detection contract.
func (s *Snapshot) DetectProvider(host string, body []byte) string {
	if id, ok := s.LookupDomain(host); ok {
		return id
	}
	if id, ok := s.LookupWildcard(host); ok {
		return id
	}
	return detectByShape(body)
}

// detectByShape recognizes the three request shapes spec.md calls out:
// OpenAI-style chat (messages+model), legacy completion (prompt+model),
// and Google's contents+role shape.
func detectByShape(body []byte) string {
	if !gjson.ValidBytes(body) {
		return "unknown"
	}
	parsed := gjson.ParseBytes(body)
	switch {
	case parsed.Get("messages").Exists() && parsed.Get("model").Exists():
		return "openai"
	case parsed.Get("contents.0.role").Exists():
		return "google"
	case parsed.Get("prompt").Exists() && parsed.Get("model").Exists():
		return "openai"
	default:
		return "unknown"
	}
}
