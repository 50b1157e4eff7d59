package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/traylinx/cloudrecovery/internal/policy"
	"github.com/traylinx/cloudrecovery/internal/recovery"
	"github.com/traylinx/cloudrecovery/internal/signals"
)

// InfraProvider exposes OpenShift, host and synthetics tools. Read-only
// tools run directly after the command safety check; mutating tools are
// submitted to the recovery engine as single-action plans so approval
// gating applies.
type InfraProvider struct {
	Engine *recovery.Engine
	Safety *policy.SafetyPolicy
	Exec   recovery.Executor

	// Timeout bounds read-only commands. Default 20s.
	Timeout time.Duration
}

// Name implements Provider.
func (InfraProvider) Name() string { return "infra" }

// Tools implements Provider.
func (p InfraProvider) Tools() []Tool {
	nsOpt := Param{Name: "namespace", Type: "string"}
	ns := Param{Name: "namespace", Type: "string", Required: true}
	deploy := Param{Name: "deployment", Type: "string", Required: true}
	svc := Param{Name: "service", Type: "string", Required: true}

	return []Tool{
		{Name: "ocp.list_namespaces", Description: "List OpenShift namespaces.", Handler: p.readOnly(func(Args) ([]string, error) {
			return []string{"oc", "get", "namespaces", "-o", "name"}, nil
		})},
		{Name: "ocp.get_pods", Description: "List pods in a namespace or all namespaces.", Params: []Param{nsOpt}, Handler: p.readOnly(func(a Args) ([]string, error) {
			return withNamespace([]string{"oc", "get", "pods", "-o", "wide"}, a)
		})},
		{Name: "ocp.get_events", Description: "List recent events in a namespace or all namespaces.", Params: []Param{nsOpt}, Handler: p.readOnly(func(a Args) ([]string, error) {
			return withNamespace([]string{"oc", "get", "events", "--sort-by=.lastTimestamp"}, a)
		})},
		{Name: "ocp.rollout_status", Description: "Show the rollout status of a deployment.", Params: []Param{ns, deploy}, Handler: p.readOnly(func(a Args) ([]string, error) {
			n, d, err := nsDeploy(a)
			if err != nil {
				return nil, err
			}
			return []string{"oc", "rollout", "status", "deploy/" + d, "-n", n, "--timeout=20s"}, nil
		})},
		{Name: "host.health", Description: "Report host uptime and load.", Handler: p.readOnly(func(Args) ([]string, error) {
			return []string{"uptime"}, nil
		})},
		{Name: "host.systemd_status", Description: "Show the status of a systemd unit.", Params: []Param{svc}, Handler: p.readOnly(func(a Args) ([]string, error) {
			unit, err := arg(a, "service")
			if err != nil {
				return nil, err
			}
			return []string{"systemctl", "status", unit, "--no-pager"}, nil
		})},
		{Name: "synthetics.check", Description: "Run a DNS, TLS and HTTP check against a URL.", Params: []Param{{Name: "url", Type: "string", Required: true}}, Handler: p.synthetics},

		{Name: policy.ToolRolloutRestart, Description: "Restart a deployment rollout (approval gated).", Params: []Param{ns, deploy}, Handler: p.mutating(policy.ToolRolloutRestart, nil)},
		{Name: policy.ToolRolloutUndo, Description: "Roll a deployment back to its previous revision (approval gated).", Params: []Param{ns, deploy}, Handler: p.mutating(policy.ToolRolloutUndo, nil)},
		{Name: policy.ToolScale, Description: "Scale a deployment (approval gated).", Params: []Param{ns, deploy, {Name: "replicas", Type: "integer", Required: true}}, Handler: p.mutating(policy.ToolScale, nil)},
		{Name: policy.ToolSystemdRestart, Description: "Restart a systemd unit (approval gated).", Params: []Param{svc}, Handler: p.mutating(policy.ToolSystemdRestart, map[string]string{"service": "unit"})},
	}
}

func arg(a Args, name string) (string, error) {
	v := a.String(name, "")
	if !recovery.ValidArg(v) {
		return "", fmt.Errorf("%w: invalid %s %q", ErrInvalidArgs, name, v)
	}
	return v, nil
}

func nsDeploy(a Args) (string, string, error) {
	n, err := arg(a, "namespace")
	if err != nil {
		return "", "", err
	}
	d, err := arg(a, "deployment")
	return n, d, err
}

func withNamespace(argv []string, a Args) ([]string, error) {
	if !a.Has("namespace") {
		return append(argv, "-A"), nil
	}
	n, err := arg(a, "namespace")
	if err != nil {
		return nil, err
	}
	return append(argv, "-n", n), nil
}

// CommandOutput is the payload of a read-only tool.
type CommandOutput struct {
	Command string `json:"command"`
	Output  string `json:"output"`
}

func (p InfraProvider) readOnly(render func(Args) ([]string, error)) Handler {
	return func(ctx context.Context, a Args) (any, error) {
		argv, err := render(a)
		if err != nil {
			return nil, err
		}
		cmd := strings.Join(argv, " ")
		if d := p.Safety.Check(cmd); !d.Allowed {
			return nil, d.Err()
		}

		timeout := p.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		exec := p.Exec
		if exec == nil {
			exec = recovery.ShellExecutor{}
		}
		out, err := exec.Run(ctx, cmd)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cmd, err)
		}
		return CommandOutput{Command: cmd, Output: out}, nil
	}
}

// MutationResponse is the payload of a mutating tool.
type MutationResponse struct {
	PlanID  string            `json:"plan_id"`
	Results []recovery.Result `json:"results"`
}

// mutating submits tool as a one-action plan. rename maps tool argument
// names to action argument names.
func (p InfraProvider) mutating(tool string, rename map[string]string) Handler {
	return func(ctx context.Context, a Args) (any, error) {
		args := a.Map()
		for from, to := range rename {
			if v, ok := args[from]; ok {
				args[to] = v
				delete(args, from)
			}
		}
		if _, err := recovery.ToolCommand(tool, args); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
		}

		plan := &recovery.Plan{
			ServiceName: args["deployment"] + args["unit"],
			ServiceType: "tool",
			Actions: []recovery.Action{{
				Description: "tool call " + tool,
				Tool:        tool,
				Args:        args,
			}},
		}
		results, err := p.Engine.Execute(ctx, plan, "")
		if err != nil {
			return nil, err
		}
		return MutationResponse{PlanID: plan.ID, Results: results}, nil
	}
}

func (p InfraProvider) synthetics(ctx context.Context, a Args) (any, error) {
	return signals.CheckURL(ctx, signals.SyntheticsConfig{URL: a.String("url", "")}), nil
}
