package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/cloudrecovery/internal/audit"
	"github.com/traylinx/cloudrecovery/internal/config"
	"github.com/traylinx/cloudrecovery/internal/eventbus"
	"github.com/traylinx/cloudrecovery/internal/policy"
	"github.com/traylinx/cloudrecovery/internal/recovery"
	"github.com/traylinx/cloudrecovery/internal/signals"
)

func newTestApp(t *testing.T, mutate func(*config.Config)) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Session.Command = "cat"
	if mutate != nil {
		mutate(cfg)
	}
	l, err := audit.NewLogger(audit.Config{})
	require.NoError(t, err)
	exec := recovery.ExecutorFunc(func(context.Context, string) (string, error) { return "", nil })
	a, err := New(context.Background(), cfg, Options{Audit: l, Executor: exec})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func TestSafetyOptions(t *testing.T) {
	opts, err := SafetyOptions(config.PolicyConfig{
		MaxSafetyLevel:       "high",
		RequireApprovalAbove: "medium",
		DenyList:             []string{"terraform"},
		CustomRules: []config.CustomRule{
			{Name: "no-kubectl-delete", When: `first == "kubectl" && "delete" in tokens`, Level: "critical"},
			{Name: "helm-ok", When: `first == "helm"`, Level: "low", Action: "allow"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, policy.RiskHigh, opts.MaxSafetyLevel)
	assert.Equal(t, policy.RiskMedium, opts.RequireApprovalAbove)
	require.Len(t, opts.Custom, 2)
	assert.True(t, opts.Custom[0].Deny)
	assert.False(t, opts.Custom[1].Deny)

	_, err = SafetyOptions(config.PolicyConfig{MaxSafetyLevel: "extreme", RequireApprovalAbove: "low"})
	assert.Error(t, err)

	_, err = SafetyOptions(config.PolicyConfig{
		MaxSafetyLevel:       "medium",
		RequireApprovalAbove: "low",
		CustomRules:          []config.CustomRule{{Name: "bad", When: "x", Level: "huge"}},
	})
	assert.ErrorContains(t, err, "custom rule bad")
}

func TestReload_UpdatesGuards(t *testing.T) {
	a := newTestApp(t, nil)
	require.True(t, a.Orchestrator.InputPolicy().Strict())

	cfg := config.Default()
	cfg.Policy.StrictMode = false
	cfg.Policy.DenyList = []string{"uptime"}
	require.NoError(t, a.Reload(cfg))

	assert.False(t, a.Orchestrator.InputPolicy().Strict())
	assert.False(t, a.Safety.Check("uptime").Allowed)
	assert.Same(t, cfg, a.Config())

	bad := config.Default()
	bad.Policy.MaxSafetyLevel = "nope"
	assert.Error(t, a.Reload(bad))
	assert.Same(t, cfg, a.Config())
}

func TestIngestEvidence(t *testing.T) {
	a := newTestApp(t, nil)

	got := make(chan eventbus.Event, 4)
	a.Bus.Subscribe(eventbus.EvidenceEvent, func(ev eventbus.Event) { got <- ev })

	res, err := a.IngestEvidence(context.Background(), signals.Evidence{Severity: signals.SeverityCritical, Message: "postgres down"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Evidence.ID)
	assert.Nil(t, res.Recovery, "auto plan is off")
	assert.Equal(t, 1, a.Evidence.Len())

	select {
	case ev := <-got:
		assert.Equal(t, eventbus.EvidenceEvent, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("evidence event not published")
	}
}

func TestIngestEvidence_AutoPlan(t *testing.T) {
	a := newTestApp(t, func(c *config.Config) { c.Agent.AutoPlan = true })

	res, err := a.IngestEvidence(context.Background(), signals.Evidence{Severity: signals.SeverityWarning, Message: "postgres slow"})
	require.NoError(t, err)
	assert.Nil(t, res.Recovery, "only critical evidence plans")

	res, err = a.IngestEvidence(context.Background(), signals.Evidence{Severity: signals.SeverityCritical, Message: "disk almost full"})
	require.NoError(t, err)
	assert.Nil(t, res.Recovery, "no archetype matches")

	res, err = a.IngestEvidence(context.Background(), signals.Evidence{Severity: signals.SeverityCritical, Message: "mcp server crashed"})
	require.NoError(t, err)
	require.NotNil(t, res.Recovery)
	assert.Equal(t, "mcp", res.Recovery.Plan.ServiceType)
	assert.Equal(t, "high", res.Recovery.Monitoring.Session.Priority)
	for _, act := range res.Recovery.Plan.Actions {
		assert.NotEmpty(t, act.ID)
		assert.Equal(t, 300, act.TimeoutSeconds)
	}

	require.NoError(t, a.Wait(context.Background()))
	assert.NotEmpty(t, a.Engine.Results(res.Recovery.Plan.ID))
}

func TestEmergencyStop_UnknownMonitor(t *testing.T) {
	a := newTestApp(t, nil)
	assert.Error(t, a.EmergencyStop("missing", "ops", "drill"))
	assert.False(t, a.Engine.EmergencyStopState().Active)

	require.NoError(t, a.EmergencyStop("", "ops", "drill"))
	assert.True(t, a.Engine.EmergencyStopState().Active)
}
