// Copyright 2026 The cloudrecovery Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package app assembles the engine components from configuration and owns
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/cloudrecovery/internal/audit"
	"github.com/traylinx/cloudrecovery/internal/autopilot"
	"github.com/traylinx/cloudrecovery/internal/config"
	"github.com/traylinx/cloudrecovery/internal/detector"
	"github.com/traylinx/cloudrecovery/internal/eventbus"
	"github.com/traylinx/cloudrecovery/internal/monitoring"
	"github.com/traylinx/cloudrecovery/internal/orchestrator"
	"github.com/traylinx/cloudrecovery/internal/policy"
	"github.com/traylinx/cloudrecovery/internal/ptysession"
	"github.com/traylinx/cloudrecovery/internal/recovery"
	"github.com/traylinx/cloudrecovery/internal/signals"
	"github.com/traylinx/cloudrecovery/internal/store"
	"github.com/traylinx/cloudrecovery/internal/tools"
)

// App holds every long-lived component.
type App struct {
	Bus          *eventbus.Bus
	Audit        *audit.Logger
	Safety       *policy.SafetyPolicy
	Actions      *policy.ActionPolicy
	Orchestrator *orchestrator.Orchestrator
	Engine       *recovery.Engine
	Monitoring   *monitoring.Registry
	Evidence     *signals.Buffer
	Agents       *signals.Agents
	Tools        *tools.Registry

	mu       sync.RWMutex
	cfg      *config.Config
	store    *store.AuditStore
	monitors []*signals.SiteMonitor
	inflight sync.WaitGroup
}

// SafetyOptions converts the policy section into command guard options.
func SafetyOptions(p config.PolicyConfig) (policy.SafetyOptions, error) {
	maxLevel, err := policy.ParseRiskLevel(p.MaxSafetyLevel)
	if err != nil {
		return policy.SafetyOptions{}, err
	}
	approval, err := policy.ParseRiskLevel(p.RequireApprovalAbove)
	if err != nil {
		return policy.SafetyOptions{}, err
	}
	opts := policy.SafetyOptions{
		MaxSafetyLevel:       maxLevel,
		RequireApprovalAbove: approval,
		AllowList:            p.AllowList,
		DenyList:             p.DenyList,
	}
	for _, r := range p.CustomRules {
		level, err := policy.ParseRiskLevel(r.Level)
		if err != nil {
			return policy.SafetyOptions{}, fmt.Errorf("custom rule %s: %w", r.Name, err)
		}
		opts.Custom = append(opts.Custom, policy.CustomRuleSpec{
			Name:  r.Name,
			When:  r.When,
			Level: level,
			Deny:  r.Action != "allow",
		})
	}
	return opts, nil
}

// Options lets callers replace pieces, mainly in tests.
type Options struct {
	// Audit defaults to audit.Global().
	Audit *audit.Logger
	// Executor overrides the configured recovery executor.
	Executor recovery.Executor
}

// New builds the components described by cfg. Nothing is started.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{cfg: cfg, Bus: eventbus.NewBus(), Audit: opts.Audit}
	if a.Audit == nil {
		a.Audit = audit.Global()
	}

	safetyOpts, err := SafetyOptions(cfg.Policy)
	if err != nil {
		return nil, err
	}
	stop := &policy.EmergencyStop{}
	if a.Safety, err = policy.NewSafetyPolicy(safetyOpts, stop); err != nil {
		return nil, err
	}
	a.Actions = policy.NewActionPolicy(cfg.Policy.Environment, stop)

	if cfg.Store.Driver != "" {
		st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("audit store: %w", err)
		}
		a.store = st
		a.Audit.AddSink(st)
	}

	exec := opts.Executor
	if exec == nil {
		if cfg.Recovery.Executor == "remote" {
			exec = recovery.NewRemoteExecutor(cfg.Recovery.RemoteURL, cfg.Recovery.RemoteSecret)
		} else {
			exec = recovery.ShellExecutor{Dir: cfg.Session.WorkDir}
		}
	}

	planner := recovery.NewPlanner()
	if cfg.Recovery.RunbookDir != "" {
		n, err := planner.LoadRunbooks(cfg.Recovery.RunbookDir)
		if err != nil {
			log.WithError(err).Warn("failed to load runbooks")
		} else {
			log.Infof("loaded %d runbooks from %s", n, cfg.Recovery.RunbookDir)
		}
	}

	a.Engine = recovery.NewEngine(a.Safety, exec,
		recovery.WithActionPolicy(a.Actions),
		recovery.WithPlanner(planner),
		recovery.WithAudit(a.Audit),
		recovery.WithNotifier(func(r recovery.Result) {
			a.Bus.Emit(eventbus.RecoveryEvent, r)
		}),
	)

	a.Monitoring = monitoring.NewRegistry(cfg.BaseURL, time.Duration(cfg.Monitoring.DefaultDurationHours)*time.Hour)
	a.Evidence = signals.NewBuffer(cfg.Agent.EvidenceBufferSize)
	a.Agents = signals.NewAgents(0)

	a.Orchestrator = orchestrator.New(orchestrator.Options{
		Session: ptysession.Options{
			Command:      cfg.Session.Command,
			Shell:        cfg.Session.Shell,
			WorkDir:      cfg.Session.WorkDir,
			Env:          cfg.Session.Env,
			BufferChunks: cfg.Session.BufferChunks,
		},
		Detector: detector.Options{
			WindowChars:     cfg.Detector.WindowChars,
			PromptTailChars: cfg.Detector.PromptTailChars,
		},
		StrictInput:      cfg.Policy.StrictMode,
		PlanMaxSteps:     cfg.Policy.PlanMaxSteps,
		PlanStepMaxChars: cfg.Policy.PlanStepMaxChars,
		PlanPrefixes:     cfg.Policy.PlanAllowedPrefixes,
		StepDelay:        time.Duration(cfg.Autopilot.StepDelayMs) * time.Millisecond,
		Autopilot: autopilot.Options{
			Poll: time.Duration(cfg.Autopilot.PollIntervalMs) * time.Millisecond,
			Wait: time.Duration(cfg.Autopilot.WaitTimeoutSeconds) * time.Second,
		},
	}, a.Safety, a.Bus, a.Audit)

	if a.Tools, err = tools.NewRegistry(
		tools.SessionProvider{Host: a.Orchestrator},
		tools.InfraProvider{Engine: a.Engine, Safety: a.Safety, Exec: exec},
	); err != nil {
		return nil, err
	}
	return a, nil
}

// Config returns the active configuration.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Start launches background work: monitoring cleanup and synthetics checks.
func (a *App) Start(ctx context.Context) error {
	cfg := a.Config()
	if err := a.Monitoring.Start(ctx, time.Duration(cfg.Monitoring.CleanupIntervalSeconds)*time.Second); err != nil {
		return err
	}
	for _, url := range cfg.Synthetics.URLs {
		p := signals.NewSiteMonitor(signals.SyntheticsConfig{
			URL:     url,
			Timeout: time.Duration(cfg.Synthetics.TimeoutSeconds) * time.Second,
		}, time.Duration(cfg.Synthetics.IntervalSeconds)*time.Second, func(ev signals.Evidence) {
			if _, err := a.IngestEvidence(ctx, ev); err != nil {
				log.WithError(err).Warn("synthetics evidence not ingested")
			}
		})
		if err := p.Start(ctx); err != nil {
			return err
		}
		a.monitors = append(a.monitors, p)
	}
	return nil
}

// Reload applies a changed configuration to the input and command guards.
// Every other setting, the environment included, takes effect on restart.
func (a *App) Reload(cfg *config.Config) error {
	opts, err := SafetyOptions(cfg.Policy)
	if err != nil {
		return err
	}
	if err := a.Safety.Update(opts); err != nil {
		return err
	}
	a.Orchestrator.InputPolicy().SetStrict(cfg.Policy.StrictMode)

	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	log.WithFields(log.Fields{
		"strict":      cfg.Policy.StrictMode,
		"max_level":   cfg.Policy.MaxSafetyLevel,
		"environment": cfg.Policy.Environment,
	}).Info("policy configuration reloaded")
	return nil
}

// IngestResult reports what happened to a piece of evidence.
type IngestResult struct {
	Evidence signals.Evidence `json:"evidence"`
	Recovery *RecoveryStarted `json:"recovery,omitempty"`
}

// IngestEvidence stores ev and publishes it. With auto-plan enabled,
// critical evidence starts a recovery plan.
func (a *App) IngestEvidence(ctx context.Context, ev signals.Evidence) (IngestResult, error) {
	stored := a.Evidence.Add(ev)
	a.Bus.Emit(eventbus.EvidenceEvent, stored)

	res := IngestResult{Evidence: stored}
	if !a.Config().Agent.AutoPlan || stored.Severity != signals.SeverityCritical {
		return res, nil
	}
	started, err := a.StartRecovery(ctx, stored, "", "high")
	if errors.Is(err, ErrNoPlan) {
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.Recovery = &started
	return res, nil
}

// ErrNoPlan is returned when no archetype matches the evidence.
var ErrNoPlan = errors.New("no recovery plan matches the evidence")

// RecoveryStarted describes a plan launched by StartRecovery.
type RecoveryStarted struct {
	Plan       recovery.Plan      `json:"plan"`
	Monitoring monitoring.Created `json:"monitoring"`
}

// StartRecovery builds a plan for ev, opens a monitoring session for it and
// executes the plan in the background.
func (a *App) StartRecovery(ctx context.Context, ev signals.Evidence, approvedBy, priority string) (RecoveryStarted, error) {
	plan := a.Engine.PlanFromEvidence(ev)
	if plan == nil {
		return RecoveryStarted{}, ErrNoPlan
	}
	timeout := a.Config().Recovery.DefaultTimeoutSeconds
	for i := range plan.Actions {
		if plan.Actions[i].TimeoutSeconds == 0 {
			plan.Actions[i].TimeoutSeconds = timeout
		}
	}
	return a.Launch(ctx, plan, approvedBy, priority)
}

// Launch opens a monitoring session for plan and executes it in the
// background.
func (a *App) Launch(_ context.Context, plan *recovery.Plan, approvedBy, priority string) (RecoveryStarted, error) {
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
	created, err := a.Monitoring.Create(plan, priority, 0)
	if err != nil {
		return RecoveryStarted{}, err
	}

	snapshot := *plan
	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		if _, err := a.Engine.Execute(context.Background(), plan, approvedBy); err != nil {
			log.WithError(err).WithField("plan_id", plan.ID).Error("recovery plan failed to start")
			a.Bus.Emit(eventbus.ErrorEvent, map[string]string{"plan_id": plan.ID, "error": err.Error()})
		}
	}()
	return RecoveryStarted{Plan: snapshot, Monitoring: created}, nil
}

// EmergencyStop engages the global kill switch and marks the monitoring
// session, if any, as stopped.
func (a *App) EmergencyStop(monitorID, actor, reason string) error {
	if monitorID != "" {
		if err := a.Monitoring.EmergencyStop(monitorID, actor, reason); err != nil {
			return err
		}
	}
	a.Engine.EmergencyStop(actor, reason)
	if err := a.Orchestrator.DisableAutopilot(context.Background()); err != nil {
		log.WithError(err).Warn("emergency stop: disable autopilot")
	}
	return nil
}

// Wait blocks until background plan executions finish or ctx ends.
func (a *App) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops background work, the session and the audit store.
func (a *App) Close(ctx context.Context) {
	for _, p := range a.monitors {
		p.Stop()
	}
	a.Monitoring.Stop()
	if err := a.Orchestrator.StopSession(ctx); err != nil {
		log.WithError(err).Warn("stop session")
	}
	if err := a.Wait(ctx); err != nil {
		log.WithError(err).Warn("recovery plans still running at shutdown")
	}
	a.Bus.Shutdown()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.WithError(err).Warn("close audit store")
		}
	}
}
