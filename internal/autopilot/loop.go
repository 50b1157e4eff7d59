// Copyright 2026 The cloudrecovery Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package autopilot drives the live session through its prompts. Every
// proposed input still passes the input policy on its way to the process.
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/cloudrecovery/internal/detector"
	"github.com/traylinx/cloudrecovery/internal/policy"
	"github.com/traylinx/cloudrecovery/internal/redact"
)

// Event names published by the loop.
const (
	EventStarted           = "started"
	EventWaitingForSession = "waiting_for_session"
	EventCompleted         = "completed"
	EventErrorDetected     = "error_detected"
	EventIdle              = "idle_no_actionable_prompt"
	EventSentInput         = "sent_input"
	EventInputBlocked      = "input_blocked"
	EventStopped           = "stopped"
	EventCrashed           = "crashed"
	EventState             = "state"
)

var (
	// ErrAlreadyRunning is returned by Start on a running loop.
	ErrAlreadyRunning = errors.New("autopilot already running")
	// ErrStopTimeout is returned when the loop did not exit in time.
	ErrStopTimeout = errors.New("timeout waiting for autopilot to stop")
)

// Event is one autopilot notification.
type Event struct {
	Event  string                  `json:"event"`
	Input  string                  `json:"input,omitempty"`
	Error  string                  `json:"error,omitempty"`
	Reason string                  `json:"reason,omitempty"`
	Rule   string                  `json:"rule,omitempty"`
	State  *detector.StateSnapshot `json:"state,omitempty"`
}

// WaitResult is what Host.WaitForPrompt reports.
type WaitResult struct {
	State   detector.StateSnapshot
	Seq     uint64
	Timeout bool
}

// Host is the session side the loop drives.
type Host interface {
	// CleanupDeadSession releases a session whose process has exited and
	// reports whether it did so.
	CleanupDeadSession() bool
	SessionRunning() bool
	ExecActive() bool
	WaitForPrompt(ctx context.Context, timeout, poll time.Duration) WaitResult
	ReadTail(maxChars int, redacted bool) string
	// SendInput applies the input policy and writes the normalized input.
	SendInput(input string, appendNewline bool, source string) (policy.Decision, error)
}

// Options tunes loop pacing.
type Options struct {
	Poll         time.Duration
	Wait         time.Duration
	IdleDelay    time.Duration
	SentDelay    time.Duration
	SessionDelay time.Duration
	TailChars    int
}

func (o *Options) defaults() {
	if o.Poll <= 0 {
		o.Poll = 500 * time.Millisecond
	}
	if o.Wait <= 0 {
		o.Wait = 30 * time.Second
	}
	if o.IdleDelay <= 0 {
		o.IdleDelay = 500 * time.Millisecond
	}
	if o.SentDelay <= 0 {
		o.SentDelay = 250 * time.Millisecond
	}
	if o.SessionDelay <= 0 {
		o.SessionDelay = 500 * time.Millisecond
	}
	if o.TailChars <= 0 {
		o.TailChars = 4000
	}
}

// Loop is a cancellable autopilot run. Stop waits for the goroutine to
// exit before returning.
type Loop struct {
	host    Host
	decider Decider
	emit    func(Event)
	opts    Options

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a stopped loop. A nil decider uses WizardDecider.
func New(host Host, decider Decider, emit func(Event), opts Options) *Loop {
	if decider == nil {
		decider = WizardDecider{}
	}
	if emit == nil {
		emit = func(Event) {}
	}
	opts.defaults()
	return &Loop{host: host, decider: decider, emit: emit, opts: opts}
}

// Start launches the loop goroutine.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrAlreadyRunning
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	l.running = true
	go l.run(ctx, l.done)
	return nil
}

// Running reports whether the loop goroutine is alive.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Stop cancels the loop and waits for it to exit or ctx to expire.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.done == nil {
		l.mu.Unlock()
		return nil
	}
	l.cancel()
	done := l.done
	l.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrStopTimeout, ctx.Err())
	}
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		close(done)
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("autopilot crashed: %v", r)
			l.emit(Event{Event: EventCrashed, Error: fmt.Sprint(r)})
		}
	}()

	l.emit(Event{Event: EventStarted})
	log.Info("autopilot started")

	var sentSeq uint64
	sent := false
	for {
		if ctx.Err() != nil {
			l.stopped("cancelled")
			return
		}
		if l.host.CleanupDeadSession() {
			l.stopped("session_exited")
			return
		}
		if !l.host.SessionRunning() {
			l.emit(Event{Event: EventWaitingForSession})
			sleep(ctx, l.opts.SessionDelay)
			continue
		}
		if l.host.ExecActive() {
			sleep(ctx, l.opts.Poll/2)
			continue
		}

		res := l.host.WaitForPrompt(ctx, l.opts.Wait, l.opts.Poll)
		if ctx.Err() != nil {
			continue
		}
		state := res.State
		l.emit(Event{Event: EventState, State: &state})

		if state.Completed {
			l.emit(Event{Event: EventCompleted})
			log.Info("autopilot: wizard completed")
			return
		}
		if state.LastError != "" {
			l.emit(Event{Event: EventErrorDetected, Error: state.LastError})
			log.WithField("error", state.LastError).Warn("autopilot: error detected, stopping")
			return
		}
		// The previous answer has not produced output yet.
		if sent && res.Seq == sentSeq {
			sleep(ctx, l.opts.Poll)
			continue
		}
		// Fast path only: SendInput re-checks under the session write lock.
		if l.host.ExecActive() {
			continue
		}

		tail := l.host.ReadTail(l.opts.TailChars, true)
		input, ok := l.decider.Decide(state, tail)
		if !ok {
			l.emit(Event{Event: EventIdle})
			sleep(ctx, l.opts.IdleDelay)
			continue
		}

		d, err := l.host.SendInput(input, true, "autopilot")
		if !d.Allowed {
			l.emit(Event{Event: EventInputBlocked, Input: redact.String(input), Reason: d.Reason, Rule: d.Rule})
			sleep(ctx, l.opts.IdleDelay)
			continue
		}
		if err != nil {
			log.WithError(err).Debug("autopilot input not sent")
			sleep(ctx, l.opts.Poll)
			continue
		}
		sent, sentSeq = true, res.Seq
		l.emit(Event{Event: EventSentInput, Input: redact.String(input)})
		sleep(ctx, l.opts.SentDelay)
	}
}

func (l *Loop) stopped(reason string) {
	l.emit(Event{Event: EventStopped, Reason: reason})
	log.WithField("reason", reason).Info("autopilot stopped")
}

// sleep waits d or until ctx is done. It reports whether the full
// duration elapsed.
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
