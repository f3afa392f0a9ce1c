// Package redact implements the safe-mode redactor: an Act-stage plugin
// that scrubs API keys, bearer tokens, and bundle-declared free-form PII
// fields out of an event before it reaches any exporter. It is
// idempotent by construction: every attribute key it touches is marked
// in attrs["_redacted"] via Event.MarkRedacted, so a second pass over an
// already-redacted event is a no-op.
package redact

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
	"github.com/oisp-project/oisp-sensor/internal/specbundle"
)

const placeholder = "[REDACTED]"

// secretPatterns catches provider API key shapes and bearer tokens
// wherever they appear in free-form text, independent of the spec
// bundle's structured per-field rules.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),           // OpenAI-style (sk-..., sk-proj-...)
	regexp.MustCompile(`AIza[A-Za-z0-9_-]{30,}`),          // Google API key
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{8,}`), // Authorization: Bearer ...
}

// Redactor is the Act-stage plugin. Bundle may be nil, in which case only
// the pattern-based secret scrub runs (no per-provider PII field rules).
type Redactor struct {
	bundle *specbundle.Store
}

// New builds a Redactor consulting bundle for per-provider PII field
// paths. Pass a nil bundle to run pattern-only redaction.
func New(bundle *specbundle.Store) *Redactor {
	return &Redactor{bundle: bundle}
}

func (r *Redactor) Name() string  { return "redact" }
func (r *Redactor) Priority() int { return 0 }

func (r *Redactor) Init(ctx context.Context) error     { return nil }
func (r *Redactor) Shutdown(ctx context.Context) error { return nil }

// Process redacts ev in place and returns it; it never drops an event.
func (r *Redactor) Process(_ context.Context, ev *oisp.Event) (*oisp.Event, error) {
	if ev == nil {
		return ev, nil
	}
	r.redactRetainedBody(ev, "request_body")
	r.redactRetainedBody(ev, "response_body")
	r.redactAttrSecrets(ev)
	r.redactToolCallArguments(ev)
	return ev, nil
}

// redactRetainedBody applies the bundle's PIIFields paths (sjson.Set,
// one per declared path, so everything else in the body is preserved
// byte-for-byte) to an opt-in raw body attr, then falls back to the
// plain secret-pattern scrub over whatever remains. The first ".#."
// segment of a path is expanded into one path per array element; a
// further "#" in the same path is not expanded.
func (r *Redactor) redactRetainedBody(ev *oisp.Event, key string) {
	raw, ok := ev.Attrs[key].(string)
	if !ok || raw == "" || ev.Redacted(key) {
		return
	}

	redacted := raw
	for _, path := range r.piiFieldsFor(ev) {
		paths := []string{path}
		if before, after, found := strings.Cut(path, ".#."); found {
			paths = paths[:0]
			n := gjson.Get(redacted, before+".#").Int()
			for i := int64(0); i < n; i++ {
				paths = append(paths, before+"."+strconv.FormatInt(i, 10)+"."+after)
			}
		}
		for _, p := range paths {
			if updated, err := sjson.Set(redacted, p, placeholder); err == nil {
				redacted = updated
			}
		}
	}
	redacted = scrubSecrets(redacted)

	ev.Attrs[key] = redacted
	ev.MarkRedacted(key)
}

func (r *Redactor) piiFieldsFor(ev *oisp.Event) []string {
	if r.bundle == nil {
		return nil
	}
	provider := providerOf(ev)
	if provider == "" {
		return nil
	}
	rules := r.bundle.Snapshot().EndpointRules(provider)
	var fields []string
	for _, rule := range rules {
		fields = append(fields, rule.PIIFields...)
	}
	return fields
}

func providerOf(ev *oisp.Event) string {
	switch d := ev.Data.(type) {
	case oisp.AIRequestData:
		return d.Provider
	case oisp.AIResponseData:
		return d.Provider
	default:
		return ""
	}
}

// redactAttrSecrets scrubs any other string attribute for bare secret
// patterns; request_body/response_body were already handled above (and
// are skipped here since MarkRedacted makes them a no-op).
func (r *Redactor) redactAttrSecrets(ev *oisp.Event) {
	for key, v := range ev.Attrs {
		if key == "_redacted" || ev.Redacted(key) {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if scrubbed := scrubSecrets(s); scrubbed != s {
			ev.Attrs[key] = scrubbed
			ev.MarkRedacted(key)
		}
	}
}

// redactToolCallArguments scrubs secrets out of model-generated tool call
// arguments, the one place free-form text routinely reaches an event's
// structured Data fields.
func (r *Redactor) redactToolCallArguments(ev *oisp.Event) {
	const attrKey = "tool_calls"
	if ev.Redacted(attrKey) {
		return
	}
	switch d := ev.Data.(type) {
	case oisp.AIResponseData:
		changed := false
		for i, tc := range d.ToolCalls {
			if scrubbed := scrubSecrets(tc.Arguments); scrubbed != tc.Arguments {
				d.ToolCalls[i].Arguments = scrubbed
				changed = true
			}
		}
		if changed {
			ev.Data = d
			ev.MarkRedacted(attrKey)
		}
	case oisp.AgentToolCallData:
		if scrubbed := scrubSecrets(d.Arguments); scrubbed != d.Arguments {
			d.Arguments = scrubbed
			ev.Data = d
			ev.MarkRedacted(attrKey)
		}
	}
}

func scrubSecrets(s string) string {
	for _, pattern := range secretPatterns {
		s = pattern.ReplaceAllString(s, placeholder)
	}
	return s
}
