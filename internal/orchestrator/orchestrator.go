// Copyright 2026 The cloudrecovery Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package orchestrator ties the live session, the output classifier, the
// input policy and the autopilot loop together. It owns the three critical
// sections: session start/stop, autopilot enable/disable and plan execution.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/cloudrecovery/internal/audit"
	"github.com/traylinx/cloudrecovery/internal/autopilot"
	"github.com/traylinx/cloudrecovery/internal/detector"
	"github.com/traylinx/cloudrecovery/internal/eventbus"
	"github.com/traylinx/cloudrecovery/internal/policy"
	"github.com/traylinx/cloudrecovery/internal/ptysession"
	"github.com/traylinx/cloudrecovery/internal/redact"
)

// MaxPlanSteps bounds a submitted plan.
const MaxPlanSteps = 15

var (
	// ErrExecActive is returned for manual input while a plan is being typed.
	ErrExecActive = errors.New("plan execution in progress")
	// ErrSessionNotRunning is returned when input targets a dead session.
	ErrSessionNotRunning = fmt.Errorf("%w: session not running", ptysession.ErrProcessLifecycle)
	// ErrTimeout is returned when a wait exceeded its deadline.
	ErrTimeout = errors.New("timeout")
)

// Options configures an Orchestrator.
type Options struct {
	Session  ptysession.Options
	Detector detector.Options

	StrictInput bool

	// PlanMaxSteps lowers the plan step cap. It never exceeds MaxPlanSteps.
	PlanMaxSteps int
	// PlanStepMaxChars and PlanPrefixes feed the plan step validator.
	PlanStepMaxChars int
	PlanPrefixes     []string
	// StepDelay separates plan steps written to the session. Default 300ms.
	StepDelay time.Duration

	Autopilot autopilot.Options
	Decider   autopilot.Decider
}

// Orchestrator is the process-wide context shared by the API, the tool
// registry and the autopilot loop.
type Orchestrator struct {
	opts Options

	session   *ptysession.Session
	detector  *detector.StepDetector
	input     *policy.InputPolicy
	safety    *policy.SafetyPolicy
	validator *policy.StepValidator
	bus       *eventbus.Bus
	audit     *audit.Logger

	sessionMu   sync.Mutex
	autopilotMu sync.Mutex
	execMu      sync.Mutex
	// writeMu serializes writes into the session. A plan holds it for its
	// whole run.
	writeMu sync.Mutex

	planMu sync.Mutex
	plan   *runningPlan

	loop       *autopilot.Loop
	started    atomic.Bool
	execActive atomic.Bool
	seq        atomic.Uint64
}

// New builds an orchestrator around safety. bus and auditLog may be nil.
func New(opts Options, safety *policy.SafetyPolicy, bus *eventbus.Bus, auditLog *audit.Logger) *Orchestrator {
	if opts.PlanMaxSteps <= 0 || opts.PlanMaxSteps > MaxPlanSteps {
		opts.PlanMaxSteps = MaxPlanSteps
	}
	if opts.StepDelay <= 0 {
		opts.StepDelay = 300 * time.Millisecond
	}
	if bus == nil {
		bus = eventbus.NewBus()
	}
	if auditLog == nil {
		auditLog = audit.Global()
	}

	o := &Orchestrator{
		opts:      opts,
		session:   ptysession.New(opts.Session),
		detector:  detector.New(opts.Detector),
		input:     policy.NewInputPolicy(opts.StrictInput, safety.EmergencyStop()),
		safety:    safety,
		validator: policy.NewStepValidator(opts.PlanStepMaxChars, opts.PlanPrefixes),
		bus:       bus,
		audit:     auditLog,
	}
	o.session.OnOutput(o.consume)
	return o
}

func (o *Orchestrator) consume(chunk string) {
	snap := o.detector.Ingest(chunk)
	o.seq.Add(1)
	o.bus.Emit(eventbus.TerminalChunk, map[string]string{"data": chunk})
	o.bus.Emit(eventbus.StateSnapshot, snap)
}

// Bus returns the event bus the orchestrator publishes to.
func (o *Orchestrator) Bus() *eventbus.Bus { return o.bus }

// InputPolicy returns the input guard.
func (o *Orchestrator) InputPolicy() *policy.InputPolicy { return o.input }

// SafetyPolicy returns the command safety policy.
func (o *Orchestrator) SafetyPolicy() *policy.SafetyPolicy { return o.safety }

// Session returns the underlying process session.
func (o *Orchestrator) Session() *ptysession.Session { return o.session }

// StartSession spawns the configured command.
func (o *Orchestrator) StartSession(ctx context.Context) error {
	o.sessionMu.Lock()
	defer o.sessionMu.Unlock()

	if o.session.Alive() {
		return ptysession.ErrAlreadyRunning
	}
	// A handle left by a child that already exited.
	o.session.Close()
	o.detector.Reset()

	if err := o.session.Start(ctx); err != nil {
		return err
	}
	o.started.Store(true)
	return nil
}

// StopSession cancels a running plan and waits for it, disables autopilot
// and waits for it, then closes the child. Both waits are bounded by ctx.
func (o *Orchestrator) StopSession(ctx context.Context) error {
	o.sessionMu.Lock()
	defer o.sessionMu.Unlock()

	locked, err := o.haltPlan(ctx)
	if locked {
		defer o.execMu.Unlock()
	}
	if apErr := o.DisableAutopilot(ctx); apErr != nil && err == nil {
		err = apErr
	}
	if termErr := o.session.Terminate(); termErr != nil {
		log.WithError(termErr).Warn("terminate session")
	}
	o.session.Close()
	o.started.Store(false)
	return err
}

// SessionStatus heals a dead session before reporting its status.
func (o *Orchestrator) SessionStatus() ptysession.Status {
	o.SelfHeal(context.Background())
	return o.session.Status()
}

// SelfHeal stops autopilot and releases the session when its child exited
// on its own. It reports whether anything was cleaned up.
func (o *Orchestrator) SelfHeal(ctx context.Context) bool {
	if !o.started.Load() || o.session.Alive() {
		return false
	}
	o.sessionMu.Lock()
	defer o.sessionMu.Unlock()
	if !o.started.Load() || o.session.Alive() {
		return false
	}
	if err := o.DisableAutopilot(ctx); err != nil {
		log.WithError(err).Warn("self-heal: disable autopilot")
	}
	o.release()
	return true
}

// CleanupDeadSession releases an exited session without touching the
// autopilot lock, so the loop itself may call it.
func (o *Orchestrator) CleanupDeadSession() bool {
	if !o.started.Load() || o.session.Alive() {
		return false
	}
	// StopSession holds the lock while it waits for the loop.
	if !o.sessionMu.TryLock() {
		return false
	}
	defer o.sessionMu.Unlock()
	if !o.started.Load() || o.session.Alive() {
		return false
	}
	o.release()
	return true
}

func (o *Orchestrator) release() {
	o.session.Close()
	o.started.Store(false)
	o.bus.Emit(eventbus.ErrorEvent, map[string]string{"error": "session exited"})
	log.Info("session child exited, released")
}

// SessionRunning reports whether the child is alive.
func (o *Orchestrator) SessionRunning() bool { return o.session.Alive() }

// ExecActive reports whether a plan is being typed into the session.
func (o *Orchestrator) ExecActive() bool { return o.execActive.Load() }

// State returns the latest snapshot.
func (o *Orchestrator) State() detector.StateSnapshot { return o.detector.Snapshot() }

// ReadTail returns the last maxChars characters of output.
func (o *Orchestrator) ReadTail(maxChars int, redacted bool) string {
	text := o.session.Tail(maxChars)
	if redacted {
		return redact.String(text)
	}
	return text
}

// WaitForPrompt polls the classifier until the session waits for input, the
// run completes or timeout elapses.
func (o *Orchestrator) WaitForPrompt(ctx context.Context, timeout, poll time.Duration) autopilot.WaitResult {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		seq := o.seq.Load()
		st := o.detector.Snapshot()
		if st.WaitingForInput || st.Completed {
			return autopilot.WaitResult{State: st, Seq: seq}
		}
		if !time.Now().Before(deadline) {
			return autopilot.WaitResult{State: st, Seq: seq, Timeout: true}
		}
		select {
		case <-ctx.Done():
			return autopilot.WaitResult{State: st, Seq: seq, Timeout: true}
		case <-ticker.C:
		}
	}
}

// SendInput checks input against the input policy and writes it. Input is
// dropped while a plan is being typed.
func (o *Orchestrator) SendInput(input string, appendNewline bool, source string) (policy.Decision, error) {
	d := o.input.Check(input)
	if !d.Allowed {
		o.audit.LogInputDecision(source, redact.String(input), false, d.Reason, false)
		return d, d.Err()
	}
	if !o.writeMu.TryLock() {
		if o.execActive.Load() {
			return o.dropInput(d, input, source)
		}
		// Another single input is being written.
		o.writeMu.Lock()
	}
	defer o.writeMu.Unlock()
	if o.execActive.Load() {
		return o.dropInput(d, input, source)
	}
	if !o.session.Alive() {
		return d, ErrSessionNotRunning
	}

	data := d.Normalized
	if appendNewline {
		data += "\n"
	}
	if err := o.session.Write(data); err != nil {
		o.audit.LogInputDecision(source, redact.String(input), true, err.Error(), false)
		return d, err
	}
	o.audit.LogInputDecision(source, redact.String(input), true, d.Reason, true)
	return d, nil
}

func (o *Orchestrator) dropInput(d policy.Decision, input, source string) (policy.Decision, error) {
	o.audit.LogInputDecision(source, redact.String(input), true, "dropped: plan execution in progress", false)
	return d, ErrExecActive
}

// SendManual writes operator keystrokes.
func (o *Orchestrator) SendManual(input string, appendNewline bool) (policy.Decision, error) {
	return o.SendInput(input, appendNewline, "manual")
}

// AutopilotStatus describes the loop.
type AutopilotStatus struct {
	Enabled bool `json:"enabled"`
}

// EnableAutopilot starts the loop. Enabling a running loop is a no-op.
func (o *Orchestrator) EnableAutopilot() error {
	o.autopilotMu.Lock()
	defer o.autopilotMu.Unlock()

	if o.loop != nil && o.loop.Running() {
		return nil
	}
	o.loop = autopilot.New(o, o.opts.Decider, o.emitAutopilot, o.opts.Autopilot)
	if err := o.loop.Start(context.Background()); err != nil {
		return err
	}
	o.audit.LogAutopilot("enabled", nil)
	o.bus.Emit(eventbus.AutopilotState, AutopilotStatus{Enabled: true})
	return nil
}

// DisableAutopilot cancels the loop and waits for it to exit.
func (o *Orchestrator) DisableAutopilot(ctx context.Context) error {
	o.autopilotMu.Lock()
	defer o.autopilotMu.Unlock()

	if o.loop == nil {
		return nil
	}
	err := o.loop.Stop(ctx)
	if errors.Is(err, autopilot.ErrStopTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	o.loop = nil
	o.audit.LogAutopilot("disabled", nil)
	o.bus.Emit(eventbus.AutopilotState, AutopilotStatus{Enabled: false})
	return err
}

// AutopilotStatus reports whether the loop is running.
func (o *Orchestrator) AutopilotStatus() AutopilotStatus {
	o.autopilotMu.Lock()
	defer o.autopilotMu.Unlock()
	return AutopilotStatus{Enabled: o.loop != nil && o.loop.Running()}
}

func (o *Orchestrator) emitAutopilot(ev autopilot.Event) {
	o.bus.Emit(eventbus.AutopilotEvent, ev)
	if ev.Event == autopilot.EventState {
		return
	}
	details := map[string]interface{}{}
	if ev.Input != "" {
		details["input"] = ev.Input
	}
	if ev.Reason != "" {
		details["reason"] = ev.Reason
	}
	if ev.Error != "" {
		details["error"] = ev.Error
	}
	o.audit.LogAutopilot(ev.Event, details)
}
