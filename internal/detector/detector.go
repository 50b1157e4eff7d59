// Package detector turns raw wizard output into a structured snapshot of
// where the interactive process is and whether it waits for input.
package detector

import (
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Default window sizes, in characters.
const (
	DefaultWindowChars     = 20000
	DefaultPromptTailChars = 2000
)

// StateSnapshot is the classifier's read of the current output.
type StateSnapshot struct {
	Phase           string    `json:"phase"`
	Step            string    `json:"step,omitempty"`
	StepLabel       string    `json:"step_label,omitempty"`
	WaitingForInput bool      `json:"waiting_for_input"`
	Prompt          string    `json:"prompt"`
	PromptKind      string    `json:"prompt_kind,omitempty"`
	Choices         []string  `json:"choices"`
	LastError       string    `json:"last_error"`
	Completed       bool      `json:"completed"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Detector consumes output and returns the re-derived snapshot.
type Detector interface {
	Ingest(text string) StateSnapshot
	Snapshot() StateSnapshot
	Reset()
}

var (
	ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b[()][0-9A-Za-z]|\x1b[=>]`)
	errorLine  = regexp.MustCompile(`(?im)^ERROR:\s*(.+)$`)
	menuLine   = regexp.MustCompile(`^\s*(?:\[(\d{1,3})\]|(\d{1,3})[\)\.])\s+(\S.*)$`)
)

// Options configures a StepDetector.
type Options struct {
	WindowChars     int
	PromptTailChars int
	Rules           *RuleBook
}

// StepDetector keeps a bounded text window and re-derives the snapshot
// from the whole window on every Ingest.
type StepDetector struct {
	mu       sync.RWMutex
	window   string
	size     int
	tailSize int
	rules    *RuleBook

	phaseRank int
	snap      StateSnapshot
}

var _ Detector = (*StepDetector)(nil)

// New returns a StepDetector. Zero options use the defaults and the
// deployment wizard rule book.
func New(opts Options) *StepDetector {
	if opts.WindowChars <= 0 {
		opts.WindowChars = DefaultWindowChars
	}
	if opts.PromptTailChars <= 0 || opts.PromptTailChars > opts.WindowChars {
		opts.PromptTailChars = min(DefaultPromptTailChars, opts.WindowChars)
	}
	if opts.Rules == nil {
		opts.Rules = WizardRules()
	}
	d := &StepDetector{
		size:     opts.WindowChars,
		tailSize: opts.PromptTailChars,
		rules:    opts.Rules,
	}
	d.resetLocked()
	return d
}

func (d *StepDetector) resetLocked() {
	d.window = ""
	d.phaseRank = 0
	d.snap = StateSnapshot{
		Phase:     d.rules.Phases[0].Label,
		Choices:   []string{},
		UpdatedAt: time.Now().UTC(),
	}
}

// Reset clears the window and the sticky phase.
func (d *StepDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
}

// Snapshot returns the latest snapshot without ingesting.
func (d *StepDetector) Snapshot() StateSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap.clone()
}

// WindowLen returns the window length in characters.
func (d *StepDetector) WindowLen() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return utf8.RuneCountInString(d.window)
}

// Ingest appends text, trims the window and recomputes the snapshot.
func (d *StepDetector) Ingest(text string) StateSnapshot {
	clean := ansiEscape.ReplaceAllString(strings.ToValidUTF8(text, "�"), "")
	clean = strings.ReplaceAll(clean, "\r", "")

	d.mu.Lock()
	defer d.mu.Unlock()

	d.window = lastRunes(d.window+clean, d.size)
	d.derive()
	return d.snap.clone()
}

func (d *StepDetector) derive() {
	lower := strings.ToLower(d.window)
	snap := StateSnapshot{Choices: []string{}, UpdatedAt: time.Now().UTC()}

	// Phases are cumulative milestones; never move backwards.
	for rank, p := range d.rules.Phases {
		if rank > d.phaseRank && p.Marker != "" && strings.Contains(lower, p.Marker) {
			d.phaseRank = rank
		}
	}
	phase := d.rules.Phases[d.phaseRank]
	snap.Phase = phase.Label
	snap.Completed = phase.Completes || d.snap.Completed

	if m := errorLine.FindAllStringSubmatch(d.window, -1); len(m) > 0 {
		snap.LastError = strings.TrimSpace(m[len(m)-1][1])
	}

	tail := lastRunes(d.window, d.tailSize)
	if step, ok := d.rules.Steps.first(tail); ok {
		snap.Step = step.ID
		snap.StepLabel = step.Label
	}

	if kind, line, idx, ok := d.rules.detectPrompt(tail); ok {
		snap.WaitingForInput = true
		snap.PromptKind = kind
		snap.Prompt = line
		snap.Choices = menuChoices(tail[:idx])
	}
	for _, h := range d.rules.ChoiceHints {
		if strings.Contains(strings.ToLower(tail), h.Marker) {
			snap.Choices = append([]string(nil), h.Choices...)
			break
		}
	}

	d.snap = snap
}

// menuChoices returns the last numbered menu printed before a prompt.
func menuChoices(text string) []string {
	choices := []string{}
	for _, line := range strings.Split(text, "\n") {
		m := menuLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		num := m[1]
		if num == "" {
			num = m[2]
		}
		if num == "1" || num == "0" {
			choices = choices[:0]
		}
		choices = append(choices, strings.TrimSpace(line))
	}
	return choices
}

func lastRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := utf8.RuneCountInString(s)
	if count <= n {
		return s
	}
	skip := count - n
	for i := range s {
		if skip == 0 {
			return s[i:]
		}
		skip--
	}
	return ""
}

func (s StateSnapshot) clone() StateSnapshot {
	out := s
	out.Choices = append([]string{}, s.Choices...)
	return out
}
