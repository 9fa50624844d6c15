// Package audit records key-lifecycle and envelope events.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action types for audit events
type Action string

const (
	ActionGenerate  Action = "generate"
	ActionRotate    Action = "rotate"
	ActionRevoke    Action = "revoke"
	ActionDeprecate Action = "deprecate"
	ActionCleanup   Action = "cleanup"
	ActionExport    Action = "export"
	ActionSeal      Action = "seal"
	ActionOpen      Action = "open"
)

// Resource is the kind of object an event is about.
type Resource string

const (
	ResourceKey      Resource = "key"
	ResourceEnvelope Resource = "envelope"
)

// Status represents the outcome of an action
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Severity levels for audit events
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event represents a single audit log entry
type Event struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Actor      string         `json:"actor,omitempty"`
	Action     Action         `json:"action"`
	Resource   Resource       `json:"resource"`
	KeyVersion uint32         `json:"key_version,omitempty"`
	Status     Status         `json:"status"`
	Severity   Severity       `json:"severity"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewEvent builds a successful event. Revocations are critical, everything
// else informational.
func NewEvent(action Action, resource Resource, version uint32) *Event {
	sev := SeverityInfo
	if action == ActionRevoke {
		sev = SeverityCritical
	}
	return &Event{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		Action:     action,
		Resource:   resource,
		KeyVersion: version,
		Status:     StatusSuccess,
		Severity:   sev,
	}
}

// NewFailedEvent builds a failure event carrying err's message.
func NewFailedEvent(action Action, resource Resource, version uint32, err error) *Event {
	e := NewEvent(action, resource, version)
	e.Status = StatusFailure
	e.Severity = SeverityWarning
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// String returns a human-readable representation of an event
func (e *Event) String() string {
	return fmt.Sprintf("[%s] %s %s v%d %s (actor: %s)",
		e.Timestamp.Format(time.RFC3339),
		e.Action,
		e.Resource,
		e.KeyVersion,
		e.Status,
		e.Actor,
	)
}

// Logger is implemented by Ring and Journal.
type Logger interface {
	Log(event *Event) error
	GetEventCount() int64
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	Action     Action
	Resource   Resource
	KeyVersion uint32
	Status     Status
	StartTime  *time.Time
	EndTime    *time.Time
}

func (f *Filter) match(e *Event) bool {
	if f == nil {
		return true
	}
	switch {
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.Resource != "" && e.Resource != f.Resource:
		return false
	case f.KeyVersion != 0 && e.KeyVersion != f.KeyVersion:
		return false
	case f.Status != "" && e.Status != f.Status:
		return false
	case f.StartTime != nil && e.Timestamp.Before(*f.StartTime):
		return false
	case f.EndTime != nil && e.Timestamp.After(*f.EndTime):
		return false
	}
	return true
}

// Ring keeps the most recent events in memory.
type Ring struct {
	events []*Event
	size   int
	index  int
	count  int
	mu     sync.RWMutex
}

// NewRing creates a ring holding up to size events.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{
		events: make([]*Event, size),
		size:   size,
	}
}

// Log records an audit event
func (r *Ring) Log(event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fill(event)
	r.events[r.index] = event
	r.index = (r.index + 1) % r.size
	if r.count < r.size {
		r.count++
	}
	return nil
}

// GetEvents returns stored events oldest first.
func (r *Ring) GetEvents(filter *Filter) []*Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.events[(r.index-r.count+i+r.size)%r.size]
		if e != nil && filter.match(e) {
			result = append(result, e)
		}
	}
	return result
}

// GetRecentEvents returns the n most recent events, newest first.
func (r *Ring) GetRecentEvents(n int) []*Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	result := make([]*Event, 0, n)
	for i := 0; i < n; i++ {
		if e := r.events[(r.index-1-i+r.size)%r.size]; e != nil {
			result = append(result, e)
		}
	}
	return result
}

// GetEventCount returns the number of events currently stored
func (r *Ring) GetEventCount() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(r.count)
}

// Clear removes all events.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = make([]*Event, r.size)
	r.index = 0
	r.count = 0
}

func fill(e *Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
}
