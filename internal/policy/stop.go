package policy

import (
	"sync"
	"time"
)

// EmergencyStop is the global kill switch shared by every guard. While
// active, all command execution and session input is denied.
type EmergencyStop struct {
	mu     sync.RWMutex
	active bool
	actor  string
	reason string
	since  time.Time
	done   chan struct{}
}

// StopState is a snapshot of the kill switch.
type StopState struct {
	Active bool      `json:"active"`
	Actor  string    `json:"actor,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since,omitempty"`
}

// Activate engages the switch. Repeated activation keeps the first actor.
func (e *EmergencyStop) Activate(actor, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return
	}
	e.active = true
	e.actor = actor
	e.reason = reason
	e.since = time.Now().UTC()
	if e.done == nil {
		e.done = make(chan struct{})
	}
	close(e.done)
}

// Clear releases the switch.
func (e *EmergencyStop) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		// The closed channel belongs to this activation.
		e.done = nil
	}
	e.active = false
	e.actor = ""
	e.reason = ""
	e.since = time.Time{}
}

// Done returns a channel that is closed when the switch is engaged. A
// channel obtained while the switch is clear is closed by the next
// activation; one obtained while it is engaged is already closed.
func (e *EmergencyStop) Done() <-chan struct{} {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done == nil {
		e.done = make(chan struct{})
		if e.active {
			close(e.done)
		}
	}
	return e.done
}

// Active reports whether the switch is engaged.
func (e *EmergencyStop) Active() bool {
	if e == nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// State returns a snapshot.
func (e *EmergencyStop) State() StopState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return StopState{Active: e.active, Actor: e.actor, Reason: e.reason, Since: e.since}
}
