package signals

import (
	"sort"
	"sync"
	"time"
)

// AgentStatus is the liveness of a reporting agent.
type AgentStatus string

const (
	// AgentHealthy has reported within the stale window.
	AgentHealthy AgentStatus = "healthy"

	// AgentStale has missed at least one window.
	AgentStale AgentStatus = "stale"

	// AgentUnavailable has been silent for three windows or more.
	AgentUnavailable AgentStatus = "unavailable"
)

// Heartbeat is what an agent posts periodically.
type Heartbeat struct {
	AgentID  string         `json:"agent_id" binding:"required"`
	Hostname string         `json:"hostname,omitempty"`
	Version  string         `json:"version,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AgentInfo is the last known state of an agent.
type AgentInfo struct {
	Heartbeat
	Status   AgentStatus `json:"status"`
	LastSeen time.Time   `json:"last_seen"`
	Beats    int         `json:"beats"`
}

// Agents tracks agent heartbeats.
type Agents struct {
	mu     sync.RWMutex
	window time.Duration
	byID   map[string]*AgentInfo
	now    func() time.Time
}

// NewAgents returns a tracker that marks agents stale after window
// without a heartbeat. A zero window means one minute.
func NewAgents(window time.Duration) *Agents {
	if window <= 0 {
		window = time.Minute
	}
	return &Agents{window: window, byID: make(map[string]*AgentInfo), now: time.Now}
}

// Beat records hb and returns the updated info.
func (a *Agents) Beat(hb Heartbeat) AgentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, ok := a.byID[hb.AgentID]
	if !ok {
		info = &AgentInfo{}
		a.byID[hb.AgentID] = info
	}
	info.Heartbeat = hb
	info.LastSeen = a.now().UTC()
	info.Beats++
	info.Status = AgentHealthy
	return *info
}

func (a *Agents) status(lastSeen time.Time) AgentStatus {
	switch age := a.now().Sub(lastSeen); {
	case age >= 3*a.window:
		return AgentUnavailable
	case age >= a.window:
		return AgentStale
	default:
		return AgentHealthy
	}
}

// List returns every known agent sorted by id with its current status.
func (a *Agents) List() []AgentInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]AgentInfo, 0, len(a.byID))
	for _, info := range a.byID {
		v := *info
		v.Status = a.status(v.LastSeen)
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
