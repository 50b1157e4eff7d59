// Copyright 2026 The cloudrecovery Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package recovery executes recovery plans against infrastructure. Every
// action passes the command safety policy, may be parked for approval, runs
// under a timeout and is rolled back on failure when a rollback is known.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/cloudrecovery/internal/audit"
	"github.com/traylinx/cloudrecovery/internal/policy"
	"github.com/traylinx/cloudrecovery/internal/signals"
)

var (
	// ErrStateNotFound is returned for unknown plan or action ids.
	ErrStateNotFound = errors.New("state not found")
	// ErrTimeout marks an action that exceeded its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrEmptyPlan rejects plans without actions.
	ErrEmptyPlan = errors.New("plan has no actions")
	// ErrEmergencyStopped marks an action cut short by the kill switch.
	ErrEmergencyStopped = errors.New("emergency stop activated")
)

// Engine owns the active plans, their results and the approval queue.
type Engine struct {
	policy  *policy.SafetyPolicy
	actions *policy.ActionPolicy
	exec    Executor
	planner *Planner
	audit   *audit.Logger

	mu       sync.Mutex
	active   map[string]*Plan
	results  map[string][]Result
	pending  map[string]*PendingApproval
	notifier func(Result)
}

// Option configures an Engine.
type Option func(*Engine)

// WithActionPolicy gates tool actions.
func WithActionPolicy(p *policy.ActionPolicy) Option {
	return func(e *Engine) { e.actions = p }
}

// WithPlanner replaces the default archetype planner.
func WithPlanner(p *Planner) Option {
	return func(e *Engine) { e.planner = p }
}

// WithAudit sets the audit logger. Default: audit.Global().
func WithAudit(l *audit.Logger) Option {
	return func(e *Engine) { e.audit = l }
}

// WithNotifier registers a callback invoked for every recorded result.
func WithNotifier(fn func(Result)) Option {
	return func(e *Engine) { e.notifier = fn }
}

// NewEngine creates an engine. A nil executor runs commands locally.
func NewEngine(safety *policy.SafetyPolicy, exec Executor, opts ...Option) *Engine {
	if exec == nil {
		exec = ShellExecutor{}
	}
	e := &Engine{
		policy:  safety,
		exec:    exec,
		active:  make(map[string]*Plan),
		results: make(map[string][]Result),
		pending: make(map[string]*PendingApproval),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.actions == nil {
		e.actions = policy.NewActionPolicy("dev", safety.EmergencyStop())
	}
	if e.planner == nil {
		e.planner = NewPlanner()
	}
	if e.audit == nil {
		e.audit = audit.Global()
	}
	return e
}

// Planner returns the archetype planner.
func (e *Engine) Planner() *Planner {
	return e.planner
}

// PlanFromEvidence builds a plan for ev, or nil when no archetype matches.
func (e *Engine) PlanFromEvidence(ev signals.Evidence) *Plan {
	return e.planner.PlanFromEvidence(ev)
}

// Execute runs plan from its first action. A non-empty approvedBy
// pre-authorizes every action that needs a single approval.
func (e *Engine) Execute(ctx context.Context, plan *Plan, approvedBy string) ([]Result, error) {
	if plan == nil || len(plan.Actions) == 0 {
		return nil, ErrEmptyPlan
	}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}
	for i := range plan.Actions {
		if plan.Actions[i].ID == "" {
			plan.Actions[i].ID = uuid.NewString()
		}
	}

	e.mu.Lock()
	if _, exists := e.active[plan.ID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("plan %s is already active", plan.ID)
	}
	e.active[plan.ID] = plan
	e.mu.Unlock()

	log.WithFields(log.Fields{"plan_id": plan.ID, "service": plan.ServiceName, "actions": len(plan.Actions)}).Info("starting recovery plan")

	var approvers []string
	if approvedBy != "" {
		approvers = []string{approvedBy}
	}
	return e.runFrom(ctx, plan, 0, approvers, approvers), nil
}

// runFrom executes plan.Actions[start:] in order. first applies to the
// action at start, every later action gets rest.
func (e *Engine) runFrom(ctx context.Context, plan *Plan, start int, first, rest []string) []Result {
	var results []Result
	parked := false

	for i := start; i < len(plan.Actions); i++ {
		action := plan.Actions[i]

		if e.policy.EmergencyStop().Active() {
			log.WithField("plan_id", plan.ID).Error("emergency stop active, aborting recovery")
			r := Result{
				ActionID:    action.ID,
				PlanID:      plan.ID,
				Status:      StatusEmergencyStopped,
				Error:       ErrEmergencyStopped.Error(),
				CompletedAt: now(),
			}
			e.record(r)
			results = append(results, r)
			break
		}

		granted := rest
		if i == start {
			granted = first
		}
		r, twoPerson := e.executeAction(ctx, plan, action, granted)
		e.record(r)
		results = append(results, r)

		if r.Status == StatusWaitingApproval {
			e.mu.Lock()
			e.pending[action.ID] = &PendingApproval{
				PlanID:            plan.ID,
				Action:            action,
				Approvers:         append([]string(nil), granted...),
				RequiresTwoPerson: twoPerson,
				Since:             time.Now().UTC(),
			}
			e.mu.Unlock()
			log.WithFields(log.Fields{"plan_id": plan.ID, "action_id": action.ID}).Info("action waiting for approval")
			parked = true
			break
		}
		if r.Status != StatusCompleted {
			log.WithFields(log.Fields{"plan_id": plan.ID, "action_id": action.ID}).Error("action failed, stopping recovery")
			break
		}
	}

	if !parked {
		e.mu.Lock()
		delete(e.active, plan.ID)
		e.mu.Unlock()
	}
	return results
}

func (e *Engine) executeAction(ctx context.Context, plan *Plan, action Action, approvers []string) (r Result, twoPerson bool) {
	r = Result{ActionID: action.ID, PlanID: plan.ID, Status: StatusInProgress, StartedAt: now()}
	fail := func(msg string) (Result, bool) {
		r.Status = StatusFailed
		r.Error = msg
		r.CompletedAt = now()
		return r, twoPerson
	}

	command := action.Command
	requires := action.RequiresApproval
	if action.Tool != "" {
		ad := e.actions.Validate(action.Tool, false)
		if !ad.Allowed {
			return fail("action policy: " + ad.Reason)
		}
		requires = requires || ad.RequiresApproval
		twoPerson = ad.RequiresTwoPerson
		if command == "" {
			rendered, err := ToolCommand(action.Tool, action.Args)
			if err != nil {
				return fail(err.Error())
			}
			command = rendered
		}
	}

	check := e.policy.Check(command)
	r.SafetyCheck = &check
	e.audit.LogSafetyCheck(plan.ID, action.ID, command, check.Allowed, check.Level.String(), check.Reason)
	if !check.Allowed {
		log.WithFields(log.Fields{"action_id": action.ID, "rule": check.Rule}).Warn("safety check failed: " + check.Reason)
		return fail("safety check failed: " + check.Reason)
	}

	requires = requires || e.policy.RequiresApproval(check.Level) || e.policy.RequiresApproval(action.Level)
	need := 0
	if requires {
		need = 1
	}
	if twoPerson {
		need = 2
	}
	if len(approvers) < need {
		r.Status = StatusWaitingApproval
		r.ApprovedBy = append([]string(nil), approvers...)
		return r, twoPerson
	}
	r.ApprovedBy = append([]string(nil), approvers...)

	out, err := e.run(ctx, command, action.Timeout())
	r.Output = out
	r.CompletedAt = now()
	if errors.Is(err, ErrEmergencyStopped) {
		r.Status = StatusEmergencyStopped
		r.Error = err.Error()
		log.WithFields(log.Fields{"plan_id": plan.ID, "action_id": action.ID}).Error("emergency stop interrupted action")
	} else if err != nil {
		r.Status = StatusFailed
		r.Error = err.Error()
		if action.RollbackCommand != "" && !errors.Is(err, ErrTimeout) {
			e.rollback(ctx, plan, action)
		}
	} else {
		r.Status = StatusCompleted
	}

	approver := ""
	if len(approvers) > 0 {
		approver = approvers[len(approvers)-1]
	}
	e.audit.LogActionExecution(plan.ID, action.ID, command, check.Level.String(), string(r.Status), approver, r.Error)
	return r, twoPerson
}

// run executes command under timeout. It returns as soon as the executor
// finishes, the timeout fires or the emergency stop engages, whichever is
// first. Executor panics become errors.
func (e *Engine) run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := e.policy.EmergencyStop().Done()
	go func() {
		select {
		case <-stop:
			cancel(ErrEmergencyStopped)
		case <-ctx.Done():
		}
	}()
	runCtx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithField("command", command).Errorf("executor panic: %v", rec)
				done <- outcome{err: fmt.Errorf("executor panic: %v", rec)}
			}
		}()
		out, err := e.exec.Run(runCtx, command)
		done <- outcome{out: out, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-runCtx.Done():
	}
	switch {
	case errors.Is(context.Cause(ctx), ErrEmergencyStopped):
		return res.out, ErrEmergencyStopped
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return res.out, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case res.err == nil && runCtx.Err() != nil:
		return res.out, runCtx.Err()
	}
	return res.out, res.err
}

// rollback is best effort. The rollback command is itself policy checked.
func (e *Engine) rollback(ctx context.Context, plan *Plan, action Action) {
	check := e.policy.Check(action.RollbackCommand)
	e.audit.LogSafetyCheck(plan.ID, action.ID, action.RollbackCommand, check.Allowed, check.Level.String(), check.Reason)
	if !check.Allowed {
		e.audit.LogRollback(plan.ID, action.ID, action.RollbackCommand, errors.New(check.Reason))
		log.WithField("action_id", action.ID).Warn("rollback blocked by policy: " + check.Reason)
		return
	}
	log.WithField("action_id", action.ID).Info("attempting rollback")
	_, err := e.run(ctx, action.RollbackCommand, action.Timeout())
	if err != nil {
		log.WithField("action_id", action.ID).Errorf("rollback failed: %v", err)
	}
	e.audit.LogRollback(plan.ID, action.ID, action.RollbackCommand, err)
}

func (e *Engine) record(r Result) {
	e.mu.Lock()
	e.results[r.PlanID] = append(e.results[r.PlanID], r)
	notify := e.notifier
	e.mu.Unlock()
	if notify != nil {
		notify(r)
	}
}

// Approve records approver on a parked action. Once enough distinct
// approvers have signed, the action runs and the plan continues with the
// remaining actions.
func (e *Engine) Approve(ctx context.Context, actionID, approver string) ([]Result, error) {
	e.mu.Lock()
	pa, ok := e.pending[actionID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: no pending approval for action %s", ErrStateNotFound, actionID)
	}
	plan, ok := e.active[pa.PlanID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: no active plan for action %s", ErrStateNotFound, actionID)
	}
	for _, a := range pa.Approvers {
		if a == approver {
			e.mu.Unlock()
			return nil, fmt.Errorf("action %s already approved by %s", actionID, approver)
		}
	}
	pa.Approvers = append(pa.Approvers, approver)
	need := 1
	if pa.RequiresTwoPerson {
		need = 2
	}
	approvers := append([]string(nil), pa.Approvers...)
	if len(approvers) < need {
		e.mu.Unlock()
		e.audit.LogApproval(pa.PlanID, actionID, approver, true)
		r := Result{ActionID: actionID, PlanID: pa.PlanID, Status: StatusWaitingApproval, ApprovedBy: approvers}
		return []Result{r}, nil
	}
	delete(e.pending, actionID)
	e.mu.Unlock()

	e.audit.LogApproval(plan.ID, actionID, approver, true)
	log.WithFields(log.Fields{"action_id": actionID, "approver": approver}).Info("action approved")

	idx := plan.indexOf(actionID)
	approved := Result{ActionID: actionID, PlanID: plan.ID, Status: StatusApproved, ApprovedBy: approvers, CompletedAt: now()}
	e.record(approved)
	return append([]Result{approved}, e.runFrom(ctx, plan, idx, approvers, nil)...), nil
}

// Reject records a rejection and ends the plan.
func (e *Engine) Reject(actionID, approver string) (Result, error) {
	e.mu.Lock()
	pa, ok := e.pending[actionID]
	if !ok {
		e.mu.Unlock()
		return Result{}, fmt.Errorf("%w: no pending approval for action %s", ErrStateNotFound, actionID)
	}
	delete(e.pending, actionID)
	delete(e.active, pa.PlanID)
	e.mu.Unlock()

	log.WithFields(log.Fields{"action_id": actionID, "approver": approver}).Warn("action rejected")
	e.audit.LogApproval(pa.PlanID, actionID, approver, false)

	r := Result{
		ActionID:    actionID,
		PlanID:      pa.PlanID,
		Status:      StatusRejected,
		Error:       "rejected by " + approver,
		CompletedAt: now(),
		ApprovedBy:  []string{},
	}
	e.record(r)
	return r, nil
}

// EmergencyStop engages the shared kill switch.
func (e *Engine) EmergencyStop(actor, reason string) {
	e.policy.EmergencyStop().Activate(actor, reason)
	e.audit.LogEmergencyStop(actor, reason, true)
	log.WithFields(log.Fields{"actor": actor, "reason": reason}).Error("emergency stop activated")
}

// ClearEmergencyStop releases the kill switch.
func (e *Engine) ClearEmergencyStop(actor string) {
	e.policy.EmergencyStop().Clear()
	e.audit.LogEmergencyStop(actor, "", false)
	log.WithField("actor", actor).Warn("emergency stop cleared")
}

// EmergencyStopState returns the kill switch state.
func (e *Engine) EmergencyStopState() policy.StopState {
	return e.policy.EmergencyStop().State()
}

// ActivePlans returns copies of the plans still in flight, oldest first.
func (e *Engine) ActivePlans() []Plan {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Plan, 0, len(e.active))
	for _, p := range e.active {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Results returns the recorded results of planID.
func (e *Engine) Results(planID string) []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results[planID]...)
}

// PendingApprovals returns the parked actions keyed by action id.
func (e *Engine) PendingApprovals() map[string]PendingApproval {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]PendingApproval, len(e.pending))
	for id, pa := range e.pending {
		cp := *pa
		cp.Approvers = append([]string(nil), pa.Approvers...)
		out[id] = cp
	}
	return out
}
