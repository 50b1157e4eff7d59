// Copyright 2026 The cloudrecovery Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ptysession supervises a single interactive child process running
// on a pseudo-terminal and keeps a bounded buffer of its output.
package ptysession

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrProcessLifecycle is the base error for spawn and teardown failures.
	ErrProcessLifecycle = errors.New("process lifecycle error")
	// ErrAlreadyRunning is returned by Start when a child is already attached.
	ErrAlreadyRunning = fmt.Errorf("%w: session already running", ErrProcessLifecycle)
	// ErrSessionReplaced is returned by WriteTo when the targeted child is
	// no longer the attached one.
	ErrSessionReplaced = fmt.Errorf("%w: session closed or replaced", ErrProcessLifecycle)
)

const (
	readSize   = 4096
	closeGrace = 2 * time.Second
)

// Options configures a Session.
type Options struct {
	Command      string
	Shell        string
	WorkDir      string
	Env          []string
	BufferChunks int
	Cols, Rows   uint16
}

// Status describes the attached child.
type Status struct {
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	Command   string    `json:"command"`
}

type process struct {
	gen       uint64
	cmd       *exec.Cmd
	ptmx      *os.File
	startedAt time.Time
	exited    chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Session owns at most one live child process.
type Session struct {
	mu       sync.Mutex
	opts     Options
	buf      *ChunkBuffer
	proc     *process
	gen      uint64
	onOutput func(string)
}

// New creates an idle Session.
func New(opts Options) *Session {
	if opts.Shell == "" {
		opts.Shell = "bash"
	}
	if opts.Cols == 0 {
		opts.Cols = 120
	}
	if opts.Rows == 0 {
		opts.Rows = 40
	}
	return &Session{
		opts: opts,
		buf:  NewChunkBuffer(opts.BufferChunks),
	}
}

// OnOutput registers the consumer that receives every chunk read from the
// child. It must be set before Start.
func (s *Session) OnOutput(fn func(chunk string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOutput = fn
}

// Command returns the configured command line.
func (s *Session) Command() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Command
}

// SetCommand replaces the command used by the next Start.
func (s *Session) SetCommand(cmd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Command = cmd
}

// Start spawns "<shell> -lc <command>" on a new pseudo-terminal.
func (s *Session) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil {
		return ErrAlreadyRunning
	}
	if strings.TrimSpace(s.opts.Command) == "" {
		return fmt.Errorf("%w: empty command", ErrProcessLifecycle)
	}

	cmd := exec.Command(s.opts.Shell, "-lc", s.opts.Command)
	cmd.Dir = s.opts.WorkDir
	cmd.Env = append(os.Environ(), s.opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: s.opts.Cols, Rows: s.opts.Rows})
	if err != nil {
		return fmt.Errorf("%w: start pty: %v", ErrProcessLifecycle, err)
	}

	s.gen++
	p := &process{
		gen:       s.gen,
		cmd:       cmd,
		ptmx:      ptmx,
		startedAt: time.Now().UTC(),
		exited:    make(chan struct{}),
		readDone:  make(chan struct{}),
	}
	s.proc = p
	s.buf.Clear()

	log.WithFields(log.Fields{"pid": cmd.Process.Pid, "command": s.opts.Command}).Info("pty session started")

	go func() {
		_ = cmd.Wait()
		close(p.exited)
		log.WithField("pid", cmd.Process.Pid).Debug("pty child exited")
	}()
	go s.read(p, s.onOutput)
	return nil
}

func (s *Session) read(p *process, consume func(string)) {
	defer close(p.readDone)
	buf := make([]byte, readSize)
	var carry []byte
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			var text string
			text, carry = decodeChunk(append(carry, buf[:n]...))
			if text != "" {
				s.buf.Write(text)
				if consume != nil {
					consume(text)
				}
			}
		}
		if err != nil {
			if len(carry) > 0 {
				text := strings.ToValidUTF8(string(carry), "�")
				s.buf.Write(text)
				if consume != nil {
					consume(text)
				}
			}
			s.release(p)
			return
		}
	}
}

// decodeChunk converts b to valid UTF-8, holding back a trailing partial
// rune for the next read.
func decodeChunk(b []byte) (string, []byte) {
	cut := len(b)
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				cut = i
			}
			break
		}
	}
	var rest []byte
	if cut < len(b) {
		rest = append([]byte(nil), b[cut:]...)
	}
	return strings.ToValidUTF8(string(b[:cut]), "�"), rest
}

// release closes the PTY of p once and detaches it from the session.
func (s *Session) release(p *process) {
	p.closeOnce.Do(func() {
		_ = p.ptmx.Close()
	})
	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
	}
	s.mu.Unlock()
}

// Write sends data to the child. It is a no-op when no child is attached.
// A failed write closes the session.
func (s *Session) Write(data string) error {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil || data == "" {
		return nil
	}
	if _, err := p.ptmx.Write([]byte(data)); err != nil {
		log.WithError(err).Warn("pty write failed, closing session")
		s.Close()
		return fmt.Errorf("%w: write: %v", ErrProcessLifecycle, err)
	}
	return nil
}

// Generation identifies the attached child. It changes on every Start and
// is zero when nothing is attached.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.gen
}

// WriteTo is Write pinned to the child of generation gen. It fails with
// ErrSessionReplaced when that child is gone.
func (s *Session) WriteTo(gen uint64, data string) error {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil || p.gen != gen || !p.alive() {
		return ErrSessionReplaced
	}
	if data == "" {
		return nil
	}
	if _, err := p.ptmx.Write([]byte(data)); err != nil {
		log.WithError(err).Warn("pty write failed, closing session")
		s.Close()
		return fmt.Errorf("%w: write: %v", ErrProcessLifecycle, err)
	}
	return nil
}

// Tail returns the last maxChars characters of the output buffer.
func (s *Session) Tail(maxChars int) string {
	return s.buf.Tail(maxChars)
}

// Buffer exposes the output buffer.
func (s *Session) Buffer() *ChunkBuffer {
	return s.buf
}

// Terminate sends SIGTERM to the child.
func (s *Session) Terminate() error {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil || !p.alive() {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("%w: terminate: %v", ErrProcessLifecycle, err)
	}
	return nil
}

// Close terminates the child if needed, releases the PTY and waits for the
// reader to stop. Calling Close on an idle session does nothing.
func (s *Session) Close() {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return
	}

	if p.alive() {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.exited:
		case <-time.After(closeGrace):
			_ = p.cmd.Process.Kill()
		}
	}
	s.release(p)

	select {
	case <-p.readDone:
	case <-time.After(closeGrace):
		log.Warn("pty reader did not stop in time")
	}
}

// Alive reports whether a child is attached and still running.
func (s *Session) Alive() bool {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	return p != nil && p.alive()
}

// Attached reports whether the session still holds a child handle, alive
// or not.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// Status returns the current child status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Command: s.opts.Command}
	if s.proc != nil {
		st.Running = s.proc.alive()
		st.PID = s.proc.cmd.Process.Pid
		st.StartedAt = s.proc.startedAt
	}
	return st
}
