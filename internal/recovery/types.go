package recovery

import (
	"time"

	"github.com/traylinx/cloudrecovery/internal/policy"
	"github.com/traylinx/cloudrecovery/internal/signals"
)

// Status is the lifecycle state of a recovery action.
type Status string

const (
	StatusPending          Status = "pending"
	StatusInProgress       Status = "in_progress"
	StatusWaitingApproval  Status = "waiting_approval"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusEmergencyStopped Status = "emergency_stopped"
)

// Terminal reports whether no further transition can follow s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusEmergencyStopped, StatusRejected:
		return true
	}
	return false
}

// DefaultTimeout bounds a single action.
const DefaultTimeout = 300 * time.Second

// Action is one step of a recovery plan. Either Command or Tool is set;
// tool actions are rendered to a command before execution.
type Action struct {
	ID               string            `json:"action_id"`
	Description      string            `json:"description"`
	Command          string            `json:"command,omitempty"`
	Tool             string            `json:"tool,omitempty"`
	Args             map[string]string `json:"args,omitempty"`
	Level            policy.RiskLevel  `json:"safety_level"`
	RequiresApproval bool              `json:"requires_approval"`
	TimeoutSeconds   int               `json:"timeout_seconds"`
	RollbackCommand  string            `json:"rollback_command,omitempty"`
}

// Timeout returns the effective execution timeout.
func (a Action) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return DefaultTimeout
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// Plan is an ordered list of actions for one service.
type Plan struct {
	ID          string            `json:"plan_id"`
	ServiceName string            `json:"service_name"`
	ServiceType string            `json:"service_type"`
	CreatedAt   time.Time         `json:"created_at"`
	Actions     []Action          `json:"actions"`
	Evidence    *signals.Evidence `json:"evidence,omitempty"`
}

func (p *Plan) indexOf(actionID string) int {
	for i, a := range p.Actions {
		if a.ID == actionID {
			return i
		}
	}
	return -1
}

func (p *Plan) clone() Plan {
	out := *p
	out.Actions = make([]Action, len(p.Actions))
	for i, a := range p.Actions {
		if a.Args != nil {
			args := make(map[string]string, len(a.Args))
			for k, v := range a.Args {
				args[k] = v
			}
			a.Args = args
		}
		out.Actions[i] = a
	}
	return out
}

// Result records the outcome of one attempt at an action.
type Result struct {
	ActionID    string           `json:"action_id"`
	PlanID      string           `json:"plan_id"`
	Status      Status           `json:"status"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Output      string           `json:"output,omitempty"`
	Error       string           `json:"error,omitempty"`
	SafetyCheck *policy.Decision `json:"safety_check,omitempty"`
	ApprovedBy  []string         `json:"approved_by,omitempty"`
}

// PendingApproval is an action parked until an operator decides on it.
type PendingApproval struct {
	PlanID            string    `json:"plan_id"`
	Action            Action    `json:"action"`
	Approvers         []string  `json:"approvers,omitempty"`
	RequiresTwoPerson bool      `json:"requires_two_person"`
	Since             time.Time `json:"since"`
}

func now() *time.Time {
	t := time.Now().UTC()
	return &t
}
