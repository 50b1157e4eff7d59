package policy

// Mutating infrastructure tools. Everything else is treated as read-only.
const (
	ToolRolloutRestart = "ocp.rollout_restart"
	ToolRolloutUndo    = "ocp.rollout_undo"
	ToolScale          = "ocp.scale_deployment"
	ToolSystemdRestart = "host.systemd_restart"
)

var mutatingTools = map[string]RiskLevel{
	ToolRolloutRestart: RiskMedium,
	ToolRolloutUndo:    RiskHigh,
	ToolScale:          RiskMedium,
	ToolSystemdRestart: RiskLow,
}

// ActionDecision is the outcome of ActionPolicy.Validate.
type ActionDecision struct {
	Decision
	RequiresApproval  bool `json:"requires_approval"`
	RequiresTwoPerson bool `json:"requires_two_person"`
}

// ActionPolicy gates tool-level infrastructure actions by environment.
type ActionPolicy struct {
	Env  string
	stop *EmergencyStop
}

// NewActionPolicy returns an action policy for env ("dev", "staging", "prod").
func NewActionPolicy(env string, stop *EmergencyStop) *ActionPolicy {
	return &ActionPolicy{Env: env, stop: stop}
}

// IsMutating reports whether tool changes infrastructure state.
func IsMutating(tool string) bool {
	_, ok := mutatingTools[tool]
	return ok
}

// Validate decides on tool. In prod every mutating tool needs approval and
// rollout_undo needs two approvers; outside prod the autopilot may restart
// rollouts unattended.
func (p *ActionPolicy) Validate(tool string, autopilot bool) ActionDecision {
	if p.stop.Active() {
		return ActionDecision{Decision: Decision{Reason: "emergency stop is active", Level: RiskCritical, Rule: "emergency_stop"}}
	}

	level, mutating := mutatingTools[tool]
	if !mutating {
		return ActionDecision{Decision: Decision{Allowed: true, Reason: "read-only tool", Level: RiskSafe, Rule: "action:read_only"}}
	}

	allowed := Decision{Allowed: true, Level: level, Rule: "action:" + tool}
	if p.Env == "prod" {
		if tool == ToolRolloutUndo {
			allowed.Reason = "high risk in prod"
			return ActionDecision{Decision: allowed, RequiresApproval: true, RequiresTwoPerson: true}
		}
		allowed.Reason = "mutating action in prod"
		return ActionDecision{Decision: allowed, RequiresApproval: true}
	}
	if autopilot && tool == ToolRolloutRestart {
		allowed.Reason = "autopilot allowed in non-prod"
		return ActionDecision{Decision: allowed}
	}
	allowed.Reason = "mutating action in non-prod"
	return ActionDecision{Decision: allowed, RequiresApproval: true}
}
