// Package specbundle loads and serves the ProviderSpecBundle: the domain
// map, regex wildcard list, per-provider endpoint rules, and model catalog
// every capture adapter and the decoder consult for provider detection.
// It is the generalized descendant of the teacher's internal/watcher
// hot-reload machinery and internal/registry's static per-provider model
// tables: the config file it used to watch is now a JSON spec bundle, and
// the static Go tables are now the embedded fallback bundle.
package specbundle

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// EndpointRule describes one provider API surface: a path pattern, the
// HTTP method it responds to, and the extraction rules (gjson paths)
// internal/decode applies to pull model/usage/tool-call fields out of the
// matched request or response body.
type EndpointRule struct {
	PathPattern string            `json:"path_pattern"`
	Method      string            `json:"method"`
	Extract     map[string]string `json:"extract"`
	// PIIFields lists gjson paths, within this endpoint's request or
	// response body, that the redact stage treats as free-form PII
	// (e.g. message content) rather than structured metadata. Only
	// consulted when a raw body is retained on the event (opt-in, see
	// decode.Options.RetainRawBody).
	PIIFields []string `json:"pii_fields,omitempty"`
}

// ModelInfo is the optional cost/limits catalog entry for one model ID.
type ModelInfo struct {
	MaxTokens     int     `json:"max_tokens"`
	InputCostUSD  float64 `json:"input_cost_usd_per_1k"`
	OutputCostUSD float64 `json:"output_cost_usd_per_1k"`
}

// wildcardPattern is one regex-wildcard-to-provider mapping as it appears
// in the JSON bundle, before compilation.
type wildcardPattern struct {
	Pattern    string `json:"pattern"`
	ProviderID string `json:"provider_id"`
}

// compiledWildcard pairs a wildcard with its lazily-compiled regexp.
type compiledWildcard struct {
	raw        string
	providerID string
	re         *regexp.Regexp
}

// rawBundle is the bundle's JSON wire shape.
type rawBundle struct {
	Version   int                             `json:"version"`
	Domains   map[string]string               `json:"domains"`
	Wildcards []wildcardPattern               `json:"wildcards"`
	Endpoints map[string][]EndpointRule       `json:"endpoints"`
	Models    map[string]map[string]ModelInfo `json:"models"`
}

// Snapshot is one immutable, fully-loaded bundle. Readers hold a Snapshot
// reference across the lifetime of a request/event; a background refresh
// swaps the Store's pointer, never mutates a Snapshot in place.
type Snapshot struct {
	version   int
	domains   map[string]string
	endpoints map[string][]EndpointRule
	models    map[string]map[string]ModelInfo

	wildcardsOnce wildcardCompiler
}

// wildcardCompiler lazily compiles the wildcard list on first access and
// caches the result inside the Snapshot, per spec.md's "compiled lazily on
// first access per snapshot" requirement.
type wildcardCompiler struct {
	raw      []wildcardPattern
	compiled []compiledWildcard
	done     bool
}

func newSnapshot(rb rawBundle) *Snapshot {
	domains := make(map[string]string, len(rb.Domains))
	for host, provider := range rb.Domains {
		domains[strings.ToLower(strings.TrimSpace(host))] = provider
	}
	s := &Snapshot{
		version:   rb.Version,
		domains:   domains,
		endpoints: rb.Endpoints,
		models:    rb.Models,
	}
	s.wildcardsOnce.raw = rb.Wildcards
	return s
}

// Version is the bundle's schema/content version, bumped by upstream on
// each published revision.
func (s *Snapshot) Version() int { return s.version }

// LookupDomain performs the exact case-insensitive domain lookup.
func (s *Snapshot) LookupDomain(host string) (providerID string, ok bool) {
	providerID, ok = s.domains[strings.ToLower(strings.TrimSpace(host))]
	return
}

// LookupWildcard returns the longest-matching wildcard pattern's provider,
// compiling the pattern list on first call.
func (s *Snapshot) LookupWildcard(host string) (providerID string, ok bool) {
	compiled := s.wildcardsOnce.get()
	best := -1
	for _, w := range compiled {
		if w.re == nil || !w.re.MatchString(host) {
			continue
		}
		if len(w.raw) > best {
			best = len(w.raw)
			providerID = w.providerID
			ok = true
		}
	}
	return
}

// EndpointRules returns the rules registered for a provider.
func (s *Snapshot) EndpointRules(providerID string) []EndpointRule {
	return s.endpoints[providerID]
}

// Model returns the catalog entry for a provider+model, if known.
func (s *Snapshot) Model(providerID, modelID string) (ModelInfo, bool) {
	m, ok := s.models[providerID]
	if !ok {
		return ModelInfo{}, false
	}
	info, ok := m[modelID]
	return info, ok
}

func (c *wildcardCompiler) get() []compiledWildcard {
	if c.done {
		return c.compiled
	}
	compiled := make([]compiledWildcard, 0, len(c.raw))
	for _, w := range c.raw {
		re, err := regexp.Compile(w.Pattern)
		if err != nil {
			continue
		}
		compiled = append(compiled, compiledWildcard{raw: w.Pattern, providerID: w.ProviderID, re: re})
	}
	sort.Slice(compiled, func(i, j int) bool { return len(compiled[i].raw) > len(compiled[j].raw) })
	c.compiled = compiled
	c.done = true
	return c.compiled
}

func parseBundle(data []byte) (*Snapshot, error) {
	var rb rawBundle
	if err := json.Unmarshal(data, &rb); err != nil {
		return nil, err
	}
	return newSnapshot(rb), nil
}
