package autopilot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/cloudrecovery/internal/detector"
	"github.com/traylinx/cloudrecovery/internal/policy"
)

// fakeHost feeds the loop a scripted sequence of snapshots.
type fakeHost struct {
	mu       sync.Mutex
	running  bool
	dead     bool
	exec     bool
	states   []detector.StateSnapshot
	seq      uint64
	sent     []string
	tail     string
	input    *policy.InputPolicy
	panicky  bool
	sendErr  error
}

func (h *fakeHost) CleanupDeadSession() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dead {
		h.dead = false
		h.running = false
		return true
	}
	return false
}

func (h *fakeHost) SessionRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *fakeHost) ExecActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exec
}

func (h *fakeHost) WaitForPrompt(ctx context.Context, timeout, poll time.Duration) WaitResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.panicky {
		panic("wait exploded")
	}
	if len(h.states) == 0 {
		return WaitResult{Seq: h.seq, Timeout: true}
	}
	st := h.states[0]
	h.states = h.states[1:]
	h.seq++
	return WaitResult{State: st, Seq: h.seq}
}

func (h *fakeHost) ReadTail(maxChars int, redacted bool) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tail
}

func (h *fakeHost) SendInput(input string, appendNewline bool, source string) (policy.Decision, error) {
	d := h.input.Check(input)
	if !d.Allowed {
		return d, d.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return d, h.sendErr
	}
	h.sent = append(h.sent, d.Normalized)
	return d, nil
}

func (h *fakeHost) sentInputs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent...)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Event != EventState {
			out = append(out, ev.Event)
		}
	}
	return out
}

func (r *recorder) has(name string) bool {
	for _, n := range r.names() {
		if n == name {
			return true
		}
	}
	return false
}

func fastOptions() Options {
	return Options{
		Poll:         time.Millisecond,
		Wait:         5 * time.Millisecond,
		IdleDelay:    time.Millisecond,
		SentDelay:    time.Millisecond,
		SessionDelay: time.Millisecond,
	}
}

func waiting(prompt string) detector.StateSnapshot {
	return detector.StateSnapshot{Phase: "icr_prepare", WaitingForInput: true, Prompt: prompt}
}

func runToExit(t *testing.T, l *Loop) {
	t.Helper()
	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return !l.Running() }, 2*time.Second, time.Millisecond)
}

func TestLoop_AnswersUntilCompleted(t *testing.T) {
	host := &fakeHost{
		running: true,
		input:   policy.NewInputPolicy(true, nil),
		states: []detector.StateSnapshot{
			waiting("Proceed with push? [y/n]:"),
			waiting("Selection [1]:"),
			{Completed: true, Phase: "done"},
		},
	}
	rec := &recorder{}
	l := New(host, nil, rec.emit, fastOptions())
	runToExit(t, l)

	assert.Equal(t, []string{"Y", ""}, host.sentInputs())
	assert.Equal(t, []string{EventStarted, EventSentInput, EventSentInput, EventCompleted}, rec.names())
}

func TestLoop_StopsOnError(t *testing.T) {
	host := &fakeHost{
		running: true,
		input:   policy.NewInputPolicy(true, nil),
		states:  []detector.StateSnapshot{{WaitingForInput: true, Prompt: "Selection [1]:", LastError: "login failed"}},
	}
	rec := &recorder{}
	runToExit(t, New(host, nil, rec.emit, fastOptions()))

	assert.Empty(t, host.sentInputs())
	assert.True(t, rec.has(EventErrorDetected))
}

func TestLoop_BlockedInputContinues(t *testing.T) {
	host := &fakeHost{
		running: true,
		input:   policy.NewInputPolicy(true, nil),
		states: []detector.StateSnapshot{
			waiting("Enter application name:"),
			{Completed: true},
		},
	}
	rec := &recorder{}
	decider := DeciderFunc(func(detector.StateSnapshot, string) (string, bool) { return "my-app", true })
	runToExit(t, New(host, decider, rec.emit, fastOptions()))

	assert.Empty(t, host.sentInputs())
	assert.Equal(t, []string{EventStarted, EventInputBlocked, EventCompleted}, rec.names())
}

func TestLoop_IdlesWhenDeciderAbstains(t *testing.T) {
	host := &fakeHost{
		running: true,
		input:   policy.NewInputPolicy(true, nil),
		states:  []detector.StateSnapshot{{Phase: "starting"}, {Completed: true}},
	}
	rec := &recorder{}
	runToExit(t, New(host, nil, rec.emit, fastOptions()))
	assert.Equal(t, []string{EventStarted, EventIdle, EventCompleted}, rec.names())
}

func TestLoop_WaitsForSessionAndStops(t *testing.T) {
	host := &fakeHost{input: policy.NewInputPolicy(true, nil)}
	rec := &recorder{}
	l := New(host, nil, rec.emit, fastOptions())
	require.NoError(t, l.Start(context.Background()))
	assert.ErrorIs(t, l.Start(context.Background()), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return rec.has(EventWaitingForSession) }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Stop(ctx))
	assert.False(t, l.Running())
	assert.True(t, rec.has(EventStopped))

	// Stop on a stopped loop is a no-op.
	require.NoError(t, l.Stop(ctx))
}

func TestLoop_NoInputDuringExec(t *testing.T) {
	host := &fakeHost{
		running: true,
		exec:    true,
		input:   policy.NewInputPolicy(true, nil),
		states:  []detector.StateSnapshot{waiting("Proceed with push? [y/n]:")},
	}
	l := New(host, nil, nil, fastOptions())
	require.NoError(t, l.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, host.sentInputs())
	require.NoError(t, l.Stop(context.Background()))
}

func TestLoop_SelfHealExits(t *testing.T) {
	host := &fakeHost{running: true, dead: true, input: policy.NewInputPolicy(true, nil)}
	rec := &recorder{}
	runToExit(t, New(host, nil, rec.emit, fastOptions()))
	assert.True(t, rec.has(EventStopped))
}

func TestLoop_CrashIsReported(t *testing.T) {
	host := &fakeHost{running: true, panicky: true, input: policy.NewInputPolicy(true, nil)}
	rec := &recorder{}
	runToExit(t, New(host, nil, rec.emit, fastOptions()))
	assert.True(t, rec.has(EventCrashed))
}

func TestLoop_SendErrorDoesNotCount(t *testing.T) {
	host := &fakeHost{
		running: true,
		input:   policy.NewInputPolicy(true, nil),
		sendErr: errors.New("plan executing"),
		states:  []detector.StateSnapshot{waiting("Selection [1]:"), {Completed: true}},
	}
	rec := &recorder{}
	runToExit(t, New(host, nil, rec.emit, fastOptions()))
	assert.False(t, rec.has(EventSentInput))
}

func TestWizardDecider(t *testing.T) {
	d := WizardDecider{}
	tests := []struct {
		name  string
		state detector.StateSnapshot
		tail  string
		want  string
		ok    bool
	}{
		{"completed", detector.StateSnapshot{Completed: true, WaitingForInput: true}, "", "", false},
		{"error", detector.StateSnapshot{LastError: "x", WaitingForInput: true, Prompt: "Proceed? [y/n]"}, "", "", false},
		{"not waiting", detector.StateSnapshot{}, "", "", false},
		{"yes no", waiting("Deploy now? [Y/n]:"), "", "Y", true},
		{"image source", waiting("Selection [1]:"), "Choose how you want to obtain the container image:\n1) Build", "1", true},
		{"default", waiting("Enter port:"), "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := d.Decide(tt.state, tt.tail)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvent_InputIsRedacted(t *testing.T) {
	host := &fakeHost{
		running: true,
		input:   policy.NewInputPolicy(false, nil),
		states:  []detector.StateSnapshot{waiting("Enter token:"), {Completed: true}},
	}
	rec := &recorder{}
	decider := DeciderFunc(func(detector.StateSnapshot, string) (string, bool) { return "token=abc123", true })
	runToExit(t, New(host, decider, rec.emit, fastOptions()))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, ev := range rec.events {
		assert.False(t, strings.Contains(ev.Input, "abc123"))
	}
}
