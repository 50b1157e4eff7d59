package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open audit log: %v", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("Failed to decode line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestNewLogger_Disabled(t *testing.T) {
	logger, err := NewLogger(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if logger.enabled {
		t.Error("Expected logger to be disabled")
	}

	logger.LogSafetyCheck("", "", "ls", true, "safe", "read-only")
	if got := logger.Recent(10); len(got) != 1 {
		t.Errorf("disabled logger should still keep history, got %d entries", len(got))
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestNewLogger_CreatesDirectory(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "dir", "audit.log")

	logger, err := NewLogger(Config{Enabled: true, LogPath: logPath})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	if _, err := os.Stat(filepath.Dir(logPath)); os.IsNotExist(err) {
		t.Errorf("Expected directory %s to be created", filepath.Dir(logPath))
	}
}

func TestLogger_WritesJSONLines(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(Config{Enabled: true, LogPath: logPath})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.LogSafetyCheck("plan-1", "act-1", "rm -rf /", false, "critical", "destructive: rm_rf_root")
	logger.LogActionExecution("plan-1", "act-2", "ls -la", "safe", "COMPLETED", "", "")
	logger.LogRollback("plan-1", "act-3", "systemctl start nginx", errors.New("exit status 1"))
	logger.LogInputDecision("autopilot", "1\n", true, "ok", true)
	logger.Close()

	entries := readEntries(t, logPath)
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}

	check := entries[0]
	if check.ActionType != ActionSafetyCheck || check.Allowed || check.Outcome != "blocked" {
		t.Errorf("unexpected safety check entry: %+v", check)
	}
	if check.RiskLevel != "critical" || check.Reason == "" {
		t.Errorf("safety check should carry level and reason: %+v", check)
	}
	if check.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}

	if entries[1].Outcome != "COMPLETED" || !entries[1].Executed {
		t.Errorf("unexpected execution entry: %+v", entries[1])
	}
	if entries[2].Outcome != "failed" || entries[2].Reason != "exit status 1" {
		t.Errorf("unexpected rollback entry: %+v", entries[2])
	}
	if entries[3].Actor != "autopilot" || entries[3].Outcome != "sent" {
		t.Errorf("unexpected input entry: %+v", entries[3])
	}
}

func TestLogger_HistoryBounded(t *testing.T) {
	logger, _ := NewLogger(Config{HistorySize: 3})
	for i := 0; i < 5; i++ {
		logger.LogAutopilot("sent_input", map[string]interface{}{"i": i})
	}

	recent := logger.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(recent))
	}
	if recent[0].Details["i"] != 2 || recent[2].Details["i"] != 4 {
		t.Errorf("expected oldest entries evicted, got %v .. %v", recent[0].Details, recent[2].Details)
	}
	if got := logger.Recent(1); len(got) != 1 || got[0].Details["i"] != 4 {
		t.Errorf("Recent(1) should return the newest entry, got %+v", got)
	}
}

type memorySink struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

func (s *memorySink) Write(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

func TestLogger_Sinks(t *testing.T) {
	logger, _ := NewLogger(Config{})
	ok := &memorySink{}
	failing := &memorySink{err: errors.New("db down")}
	logger.AddSink(ok)
	logger.AddSink(failing)

	logger.LogEmergencyStop("alice", "runaway restart", true)
	logger.LogApproval("plan-1", "act-1", "bob", false)

	if len(ok.entries) != 2 || len(failing.entries) != 2 {
		t.Fatalf("both sinks should receive every entry: %d, %d", len(ok.entries), len(failing.entries))
	}
	if ok.entries[0].Outcome != "activated" || ok.entries[1].Outcome != "rejected" {
		t.Errorf("unexpected outcomes: %q, %q", ok.entries[0].Outcome, ok.entries[1].Outcome)
	}
}

func TestLogger_Concurrent(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(Config{Enabled: true, LogPath: logPath})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.LogSafetyCheck("", "", "uptime", true, "safe", "read-only")
		}()
	}
	wg.Wait()
	logger.Close()

	if got := len(readEntries(t, logPath)); got != 20 {
		t.Errorf("expected 20 intact lines, got %d", got)
	}
}

func TestGlobal(t *testing.T) {
	if Global() == nil {
		t.Fatal("Global should never return nil")
	}
	l, err := InitGlobal(Config{HistorySize: 5})
	if err != nil {
		t.Fatalf("InitGlobal failed: %v", err)
	}
	if Global() != l {
		t.Error("Global should return the initialized logger")
	}
}
