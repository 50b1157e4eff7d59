// Package audit records every safety-relevant decision made by the engine.
// Entries are written as JSON lines to a rotating file and kept in a small
// in-memory history for the API.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Action types written to the log.
const (
	ActionSafetyCheck    = "safety_check"
	ActionInputDecision  = "input_decision"
	ActionExecution      = "action_execution"
	ActionRollback       = "rollback"
	ActionApproval       = "approval"
	ActionEmergencyStop  = "emergency_stop"
	ActionAutopilot      = "autopilot"
	ActionPlanSubmission = "plan_submission"
)

// Entry records a single audited event.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`

	// ActionType categorizes the event (see the Action* constants).
	ActionType string `json:"action_type"`

	// Subject is the command, input or plan the event is about.
	Subject string `json:"subject,omitempty"`

	// PlanID and ActionID tie recovery events to their plan.
	PlanID   string `json:"plan_id,omitempty"`
	ActionID string `json:"action_id,omitempty"`

	Allowed   bool   `json:"allowed"`
	RiskLevel string `json:"risk_level,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Executed  bool   `json:"executed"`

	// Outcome is a short result word ("success", "failed", "blocked", ...).
	Outcome string `json:"outcome"`

	Actor   string                 `json:"actor,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Sink receives a copy of every entry, e.g. a database table.
type Sink interface {
	Write(entry Entry) error
}

// Logger writes audit entries. A disabled Logger still keeps history.
type Logger struct {
	mu       sync.Mutex
	encoder  *json.Encoder
	file     *lumberjack.Logger
	enabled  bool
	logPath  string
	sinks    []Sink
	history  []Entry
	histSize int
	fallback *log.Logger
}

// Config holds configuration for the audit logger.
type Config struct {
	Enabled bool
	LogPath string

	// MaxSizeMB is the size in megabytes before rotation. Default: 100.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept. Default: 10.
	MaxBackups int

	// MaxAgeDays is the retention of rotated files. Default: 30.
	MaxAgeDays int

	Compress bool

	// HistorySize bounds the in-memory history. Default: 1000.
	HistorySize int
}

// NewLogger creates an audit logger. When cfg.Enabled is false nothing is
// written to disk.
func NewLogger(cfg Config) (*Logger, error) {
	if cfg.HistorySize == 0 {
		cfg.HistorySize = 1000
	}

	l := &Logger{
		histSize: cfg.HistorySize,
		fallback: log.StandardLogger(),
	}
	if !cfg.Enabled {
		return l, nil
	}

	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 10
	}
	if cfg.MaxAgeDays == 0 {
		cfg.MaxAgeDays = 30
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o755); err != nil {
		return nil, err
	}

	l.file = &lumberjack.Logger{
		Filename:   cfg.LogPath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	l.encoder = json.NewEncoder(l.file)
	l.enabled = true
	l.logPath = cfg.LogPath
	return l, nil
}

// AddSink registers an additional destination.
func (l *Logger) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Log records entry. It is safe for concurrent use.
func (l *Logger) Log(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.histSize > 0 {
		l.history = append(l.history, entry)
		if over := len(l.history) - l.histSize; over > 0 {
			l.history = append(l.history[:0:0], l.history[over:]...)
		}
	}

	if l.enabled {
		if err := l.encoder.Encode(entry); err != nil {
			l.fallback.WithFields(log.Fields{
				"error":       err.Error(),
				"action_type": entry.ActionType,
				"outcome":     entry.Outcome,
			}).Error("Failed to write audit log entry")
		}
	}

	for _, s := range l.sinks {
		if err := s.Write(entry); err != nil {
			l.fallback.WithField("action_type", entry.ActionType).Warnf("audit sink write failed: %v", err)
		}
	}
}

// Recent returns up to n most recent entries, oldest first.
func (l *Logger) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.history) {
		n = len(l.history)
	}
	out := make([]Entry, n)
	copy(out, l.history[len(l.history)-n:])
	return out
}

// Close closes the audit file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Rotate triggers a log file rotation.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// Global returns the process-wide audit logger. Until InitGlobal is called
// it is a disabled logger that only keeps history.
func Global() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger, _ = NewLogger(Config{})
	}
	return globalLogger
}

// InitGlobal replaces the process-wide audit logger.
func InitGlobal(cfg Config) (*Logger, error) {
	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
	return logger, nil
}
