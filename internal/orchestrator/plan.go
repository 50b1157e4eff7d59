package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/cloudrecovery/internal/policy"
)

// PlanStep is one command proposed for the live session.
type PlanStep struct {
	Command   string `json:"command"`
	Rationale string `json:"rationale,omitempty"`
	Risk      string `json:"risk,omitempty"`
}

// PlanResult reports how a submitted plan was handled. FailedIndex is -1
// unless a specific step was rejected.
type PlanResult struct {
	OK          bool             `json:"ok"`
	Executed    int              `json:"executed"`
	FailedIndex int              `json:"failed_index"`
	Reason      string           `json:"reason,omitempty"`
	Decision    *policy.Decision `json:"decision,omitempty"`
}

func rejected(index int, reason string, d *policy.Decision) PlanResult {
	return PlanResult{FailedIndex: index, Reason: reason, Decision: d}
}

// errSessionStopping cancels a plan whose session is being stopped.
var errSessionStopping = errors.New("session is stopping")

// runningPlan lets StopSession cancel the plan in flight and wait for it.
type runningPlan struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func (o *Orchestrator) setPlan(run *runningPlan) {
	o.planMu.Lock()
	defer o.planMu.Unlock()
	o.plan = run
}

func (o *Orchestrator) currentPlan() *runningPlan {
	o.planMu.Lock()
	defer o.planMu.Unlock()
	return o.plan
}

// haltPlan cancels any running plan and acquires execMu so no plan can start
// until the caller releases it. It reports whether execMu is held; on
// timeout it is not, and the error wraps ErrTimeout.
func (o *Orchestrator) haltPlan(ctx context.Context) (bool, error) {
	for {
		if o.execMu.TryLock() {
			return true, nil
		}
		run := o.currentPlan()
		if run == nil {
			// The plan holds execMu but has not registered yet.
			if !sleep(ctx, 5*time.Millisecond) {
				return false, fmt.Errorf("%w: waiting for plan execution to stop", ErrTimeout)
			}
			continue
		}
		run.cancel(errSessionStopping)
		select {
		case <-run.done:
		case <-ctx.Done():
			return false, fmt.Errorf("%w: waiting for plan execution to stop", ErrTimeout)
		}
	}
}

// ExecutePlan validates every step and only then types them into the
// session one by one. A rejected step aborts the whole plan before anything
// is written.
func (o *Orchestrator) ExecutePlan(ctx context.Context, steps []PlanStep) PlanResult {
	res := o.executePlan(ctx, steps)
	o.audit.LogPlanSubmission(len(steps), res.OK, res.FailedIndex, res.Reason)
	return res
}

func (o *Orchestrator) executePlan(ctx context.Context, steps []PlanStep) PlanResult {
	if len(steps) == 0 {
		return rejected(-1, "plan has no steps", nil)
	}
	if len(steps) > o.opts.PlanMaxSteps {
		return rejected(-1, fmt.Sprintf("plan has %d steps, at most %d are allowed", len(steps), o.opts.PlanMaxSteps), nil)
	}

	commands := make([]string, len(steps))
	for i, step := range steps {
		d := o.validator.Validate(step.Command)
		if !d.Allowed {
			return rejected(i, d.Reason, &d)
		}
		check := o.safety.Check(d.Normalized)
		if !check.Allowed {
			return rejected(i, check.Reason, &check)
		}
		if step.Risk != "" {
			declared, err := policy.ParseRiskLevel(step.Risk)
			if err != nil {
				return rejected(i, fmt.Sprintf("invalid risk %q", step.Risk), nil)
			}
			if declared < check.Level {
				log.WithFields(log.Fields{"step": i, "declared": declared, "assessed": check.Level}).
					Warn("plan step risk understated")
			}
		}
		commands[i] = d.Normalized
	}

	if !o.execMu.TryLock() {
		return rejected(-1, "another plan is executing", nil)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	run := &runningPlan{cancel: cancel, done: make(chan struct{})}
	o.setPlan(run)
	defer func() {
		cancel(nil)
		o.planMu.Lock()
		if o.plan == run {
			o.plan = nil
		}
		o.planMu.Unlock()
		o.execMu.Unlock()
		close(run.done)
	}()

	gen := o.session.Generation()
	if gen == 0 || !o.session.Alive() {
		return rejected(-1, ErrSessionNotRunning.Error(), nil)
	}

	o.execActive.Store(true)
	o.writeMu.Lock()
	defer func() {
		o.writeMu.Unlock()
		o.execActive.Store(false)
	}()

	for i, cmd := range commands {
		if i > 0 && !sleep(ctx, o.opts.StepDelay) {
			return PlanResult{Executed: i, FailedIndex: i, Reason: context.Cause(ctx).Error()}
		}
		if ctx.Err() != nil {
			return PlanResult{Executed: i, FailedIndex: i, Reason: context.Cause(ctx).Error()}
		}
		if o.safety.EmergencyStop().Active() {
			return PlanResult{Executed: i, FailedIndex: i, Reason: "emergency stop is active"}
		}
		// Pinned to the session the plan started on.
		if err := o.session.WriteTo(gen, cmd+"\n"); err != nil {
			o.audit.LogInputDecision("plan", cmd, true, err.Error(), false)
			return PlanResult{Executed: i, FailedIndex: i, Reason: err.Error()}
		}
		o.audit.LogInputDecision("plan", cmd, true, steps[i].Rationale, true)
	}
	return PlanResult{OK: true, Executed: len(commands), FailedIndex: -1}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
