package audit

// LogSafetyCheck records a command safety decision.
func (l *Logger) LogSafetyCheck(planID, actionID, command string, allowed bool, level, reason string) {
	outcome := "allowed"
	if !allowed {
		outcome = "blocked"
	}
	l.Log(Entry{
		ActionType: ActionSafetyCheck,
		Subject:    command,
		PlanID:     planID,
		ActionID:   actionID,
		Allowed:    allowed,
		RiskLevel:  level,
		Reason:     reason,
		Outcome:    outcome,
	})
}

// LogInputDecision records an input policy decision for the live session.
// source is "manual", "autopilot" or "plan".
func (l *Logger) LogInputDecision(source, input string, allowed bool, reason string, sent bool) {
	outcome := "sent"
	switch {
	case !allowed:
		outcome = "blocked"
	case !sent:
		outcome = "dropped"
	}
	l.Log(Entry{
		ActionType: ActionInputDecision,
		Subject:    input,
		Allowed:    allowed,
		Reason:     reason,
		Executed:   sent,
		Outcome:    outcome,
		Actor:      source,
	})
}

// LogActionExecution records the result of executing a recovery action.
func (l *Logger) LogActionExecution(planID, actionID, command, level, status, approver, errMsg string) {
	l.Log(Entry{
		ActionType: ActionExecution,
		Subject:    command,
		PlanID:     planID,
		ActionID:   actionID,
		Allowed:    true,
		RiskLevel:  level,
		Reason:     errMsg,
		Executed:   true,
		Outcome:    status,
		Actor:      approver,
	})
}

// LogRollback records a rollback attempt.
func (l *Logger) LogRollback(planID, actionID, command string, err error) {
	entry := Entry{
		ActionType: ActionRollback,
		Subject:    command,
		PlanID:     planID,
		ActionID:   actionID,
		Allowed:    true,
		Executed:   true,
		Outcome:    "success",
	}
	if err != nil {
		entry.Outcome = "failed"
		entry.Reason = err.Error()
	}
	l.Log(entry)
}

// LogApproval records an approve or reject decision.
func (l *Logger) LogApproval(planID, actionID, approver string, approved bool) {
	outcome := "approved"
	if !approved {
		outcome = "rejected"
	}
	l.Log(Entry{
		ActionType: ActionApproval,
		PlanID:     planID,
		ActionID:   actionID,
		Allowed:    approved,
		Outcome:    outcome,
		Actor:      approver,
	})
}

// LogEmergencyStop records activation or release of the emergency stop.
func (l *Logger) LogEmergencyStop(actor, reason string, active bool) {
	outcome := "activated"
	if !active {
		outcome = "released"
	}
	l.Log(Entry{
		ActionType: ActionEmergencyStop,
		Reason:     reason,
		Outcome:    outcome,
		Actor:      actor,
	})
}

// LogAutopilot records an autopilot loop event.
func (l *Logger) LogAutopilot(event string, details map[string]interface{}) {
	l.Log(Entry{
		ActionType: ActionAutopilot,
		Outcome:    event,
		Actor:      "autopilot",
		Details:    details,
	})
}

// LogPlanSubmission records the outcome of a submitted plan.
func (l *Logger) LogPlanSubmission(steps int, ok bool, failedIndex int, reason string) {
	l.Log(Entry{
		ActionType: ActionPlanSubmission,
		Allowed:    ok,
		Reason:     reason,
		Executed:   ok,
		Outcome:    map[bool]string{true: "success", false: "rejected"}[ok],
		Details: map[string]interface{}{
			"steps":        steps,
			"failed_index": failedIndex,
		},
	})
}
