// Package signals models evidence events and the producers that emit them.
package signals

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity levels carried by Evidence.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Evidence is a normalized observation about a service.
type Evidence struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"ts"`
	Source     string         `json:"source"`
	Kind       string         `json:"kind"`
	Severity   string         `json:"severity"`
	Message    string         `json:"message"`
	Payload    map[string]any `json:"payload,omitempty"`
	IncidentID string         `json:"incident_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
}

// Normalize fills the id, timestamp and severity when they are missing.
func (e *Evidence) Normalize() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	switch e.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		e.Severity = SeverityInfo
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
}

// PayloadString returns payload[key] when it is a string.
func (e Evidence) PayloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// DefaultBufferSize is the default evidence retention.
const DefaultBufferSize = 5000

// Buffer keeps the most recent evidence in memory.
type Buffer struct {
	mu    sync.RWMutex
	items []Evidence
	max   int
}

// NewBuffer returns a Buffer retaining at most max items.
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = DefaultBufferSize
	}
	return &Buffer{max: max}
}

// Add normalizes ev, stores it and returns the stored copy.
func (b *Buffer) Add(ev Evidence) Evidence {
	ev.Normalize()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, ev)
	if over := len(b.items) - b.max; over > 0 {
		b.items = append(b.items[:0:0], b.items[over:]...)
	}
	return ev
}

// Tail returns up to limit of the newest items, oldest first.
func (b *Buffer) Tail(limit int) []Evidence {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 {
		return []Evidence{}
	}
	if limit > len(b.items) {
		limit = len(b.items)
	}
	out := make([]Evidence, limit)
	copy(out, b.items[len(b.items)-limit:])
	return out
}

// Len returns the number of stored items.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}
