package tools

import (
	"context"
	"errors"
	"time"

	"github.com/traylinx/cloudrecovery/internal/autopilot"
	"github.com/traylinx/cloudrecovery/internal/detector"
	"github.com/traylinx/cloudrecovery/internal/policy"
	"github.com/traylinx/cloudrecovery/internal/ptysession"
)

// SessionHost is the live session as seen by the session tools.
type SessionHost interface {
	StartSession(ctx context.Context) error
	SessionStatus() ptysession.Status
	ReadTail(maxChars int, redacted bool) string
	SendInput(input string, appendNewline bool, source string) (policy.Decision, error)
	WaitForPrompt(ctx context.Context, timeout, poll time.Duration) autopilot.WaitResult
	State() detector.StateSnapshot
	InputPolicy() *policy.InputPolicy
	SafetyPolicy() *policy.SafetyPolicy
}

// SessionProvider exposes the supervised session and the policy description.
type SessionProvider struct {
	Host SessionHost
}

// Name implements Provider.
func (SessionProvider) Name() string { return "session" }

// Snapshot is the state.get payload.
type Snapshot struct {
	detector.StateSnapshot
	Tail string `json:"tail"`
}

// Tools implements Provider.
func (p SessionProvider) Tools() []Tool {
	return []Tool{
		{
			Name:        "session.start",
			Description: "Start (or ensure) the session running the configured command.",
			Handler:     p.start,
		},
		{
			Name:        "session.status",
			Description: "Get session status (running, pid, startedAt, command).",
			Handler: func(context.Context, Args) (any, error) {
				return p.Host.SessionStatus(), nil
			},
		},
		{
			Name:        "cli.read",
			Description: "Read the terminal output tail, redacted by default.",
			Params: []Param{
				{Name: "tail_chars", Type: "integer", Default: 4000},
				{Name: "redact", Type: "boolean", Default: true},
			},
			Handler: p.read,
		},
		{
			Name:        "cli.send",
			Description: "Send wizard-style input to the session. The input policy applies.",
			Params: []Param{
				{Name: "input", Type: "string", Required: true},
				{Name: "append_newline", Type: "boolean", Default: true},
			},
			Handler: p.send,
		},
		{
			Name:        "cli.wait_for_prompt",
			Description: "Wait until the session waits for input, completes or the timeout expires.",
			Params: []Param{
				{Name: "timeout_s", Type: "number", Default: 30.0},
				{Name: "poll_s", Type: "number", Default: 0.5},
			},
			Handler: p.waitForPrompt,
		},
		{
			Name:        "state.get",
			Description: "Get the latest parsed state snapshot and output tail.",
			Params: []Param{
				{Name: "tail_chars", Type: "integer", Default: 6000},
				{Name: "redact", Type: "boolean", Default: true},
			},
			Handler: p.state,
		},
		{
			Name:        "policy.describe",
			Description: "Return the current input and command policy configuration.",
			Handler: func(context.Context, Args) (any, error) {
				return policy.Describe(p.Host.InputPolicy(), p.Host.SafetyPolicy()), nil
			},
		},
	}
}

func (p SessionProvider) ensureStarted(ctx context.Context) error {
	err := p.Host.StartSession(ctx)
	if errors.Is(err, ptysession.ErrAlreadyRunning) {
		return nil
	}
	return err
}

func (p SessionProvider) start(ctx context.Context, _ Args) (any, error) {
	if err := p.ensureStarted(ctx); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (p SessionProvider) read(ctx context.Context, args Args) (any, error) {
	if err := p.ensureStarted(ctx); err != nil {
		return nil, err
	}
	text := p.Host.ReadTail(args.Int("tail_chars", 4000), args.Bool("redact", true))
	return map[string]string{"text": text}, nil
}

func (p SessionProvider) send(ctx context.Context, args Args) (any, error) {
	if err := p.ensureStarted(ctx); err != nil {
		return nil, err
	}
	d, err := p.Host.SendInput(args.String("input", ""), args.Bool("append_newline", true), "tool")
	if err != nil {
		return nil, err
	}
	return map[string]any{"sent": true, "normalized_input": d.Normalized}, nil
}

// WaitResponse is the cli.wait_for_prompt payload.
type WaitResponse struct {
	WaitingForInput bool                   `json:"waiting_for_input"`
	Completed       bool                   `json:"completed,omitempty"`
	Timeout         bool                   `json:"timeout,omitempty"`
	State           detector.StateSnapshot `json:"state"`
}

func (p SessionProvider) waitForPrompt(ctx context.Context, args Args) (any, error) {
	if err := p.ensureStarted(ctx); err != nil {
		return nil, err
	}
	timeout := seconds(args.Float("timeout_s", 30))
	poll := seconds(args.Float("poll_s", 0.5))
	res := p.Host.WaitForPrompt(ctx, timeout, poll)
	return WaitResponse{
		WaitingForInput: res.State.WaitingForInput,
		Completed:       res.State.Completed,
		Timeout:         res.Timeout,
		State:           res.State,
	}, nil
}

func (p SessionProvider) state(ctx context.Context, args Args) (any, error) {
	if err := p.ensureStarted(ctx); err != nil {
		return nil, err
	}
	return map[string]Snapshot{"state": {
		StateSnapshot: p.Host.State(),
		Tail:          p.Host.ReadTail(args.Int("tail_chars", 6000), args.Bool("redact", true)),
	}}, nil
}

func seconds(s float64) time.Duration {
	if s < 0 {
		s = 0
	}
	return time.Duration(s * float64(time.Second))
}
