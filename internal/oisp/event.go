// Package oisp defines the sensor's external wire contract: the JSON
// envelope every pipeline stage eventually produces. Internal stages pass
// *Event pointers; exporters are the only code that has to care about its
// marshaled shape.
package oisp

import (
	"time"

	"github.com/oisp-project/oisp-sensor/internal/constant"
	"github.com/oisp-project/oisp-sensor/internal/oispid"
)

// Host describes the machine the sensor is running on.
type Host struct {
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Arch     string `json:"arch"`
}

// Process identifies the OS process a captured byte stream was attributed to.
type Process struct {
	PID  int    `json:"pid"`
	PPID int    `json:"ppid,omitempty"`
	Comm string `json:"comm,omitempty"`
	Exe  string `json:"exe,omitempty"`
	UID  int    `json:"uid,omitempty"`
}

// Source identifies which adapter produced the event and how confident it
// is in the attribution.
type Source struct {
	Adapter    string                    `json:"adapter"`
	Version    string                    `json:"version,omitempty"`
	Confidence constant.SourceConfidence `json:"confidence"`
}

// Event is the common envelope every emitted OISP event carries. Variant-
// specific fields live in Data, keyed by EventType.
type Event struct {
	OISPVersion string         `json:"oisp_version"`
	EventID     string         `json:"event_id"`
	EventType   string         `json:"event_type"`
	TS          time.Time      `json:"ts"`
	Host        Host           `json:"host"`
	Process     Process        `json:"process"`
	Source      Source         `json:"source"`
	Attrs       map[string]any `json:"attrs,omitempty"`
	Data        any            `json:"data,omitempty"`
}

// New builds an envelope with a freshly minted event id, UTC timestamp,
// and an initialized attribute map. Callers set Data and any variant
// fields afterward.
func New(eventType string, host Host, proc Process, src Source) *Event {
	return &Event{
		OISPVersion: constant.OISPVersion,
		EventID:     oispid.New(),
		EventType:   eventType,
		TS:          time.Now().UTC(),
		Host:        host,
		Process:     proc,
		Source:      src,
		Attrs:       make(map[string]any),
	}
}

// WithAttr sets an attribute and returns the event for chaining.
func (e *Event) WithAttr(key string, value any) *Event {
	if e == nil {
		return e
	}
	if e.Attrs == nil {
		e.Attrs = make(map[string]any)
	}
	e.Attrs[key] = value
	return e
}

// Redacted reports whether the named attribute has already been processed
// by the safe-mode redactor.
func (e *Event) Redacted(key string) bool {
	if e == nil || e.Attrs == nil {
		return false
	}
	marks, _ := e.Attrs["_redacted"].(map[string]bool)
	return marks[key]
}

// MarkRedacted records that key has been redacted so a second pass is a no-op.
func (e *Event) MarkRedacted(key string) {
	if e == nil {
		return
	}
	if e.Attrs == nil {
		e.Attrs = make(map[string]any)
	}
	marks, ok := e.Attrs["_redacted"].(map[string]bool)
	if !ok {
		marks = make(map[string]bool)
	}
	marks[key] = true
	e.Attrs["_redacted"] = marks
}
