package policy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var (
	controlChars = regexp.MustCompile(`[\x00-\x08\x0B-\x1F\x7F]`)
	strictShape  = regexp.MustCompile(`(?i)^(?:\s*|[yn]\s*|yes\s*|no\s*|\d{1,3}\s*)$`)
)

// StrictAllows describes the input shapes accepted in strict mode.
var StrictAllows = []string{"empty (accept default)", "y", "n", "yes", "no", "1-3 digit number"}

// DangerousInput blocks high-signal shell payloads regardless of mode.
var DangerousInput = RuleSet{
	{Label: "rm_rf", Category: "destructive_delete", Matcher: Regex(`\brm\s+-rf\b`), Level: RiskCritical},
	{Label: "rm_fr", Category: "destructive_delete", Matcher: Regex(`\brm\s+-fr\b`), Level: RiskCritical},
	{Label: "rm_r_root", Category: "destructive_delete", Matcher: Regex(`\brm\s+-r\b.*\s+/`), Level: RiskCritical},
	{Label: "mkfs", Category: "filesystem", Matcher: Regex(`\bmkfs\.`), Level: RiskCritical},
	{Label: "dd", Category: "filesystem", Matcher: Regex(`\bdd\s+if=`), Level: RiskCritical},
	{Label: "truncate_root", Category: "filesystem", Matcher: Regex(`(^|[\s;&|]):>\s*/`), Level: RiskCritical},
	{Label: "chmod_777_root", Category: "permissions", Matcher: Regex(`\bchmod\s+-R\s+777\s+/`), Level: RiskCritical},
	{Label: "chown_root", Category: "permissions", Matcher: Regex(`\bchown\s+-R\b.*\s+/`), Level: RiskCritical},
	{Label: "sudo", Category: "privilege_escalation", Matcher: Regex(`\bsudo\b`), Level: RiskCritical},
	{Label: "su", Category: "privilege_escalation", Matcher: Regex(`\bsu\b`), Level: RiskCritical},
	{Label: "shutdown", Category: "availability", Matcher: Regex(`\bshutdown\b`), Level: RiskHigh},
	{Label: "reboot", Category: "availability", Matcher: Regex(`\breboot\b`), Level: RiskHigh},
	{Label: "poweroff", Category: "availability", Matcher: Regex(`\bpoweroff\b`), Level: RiskHigh},
	{Label: "systemctl_stop", Category: "availability", Matcher: Regex(`\bsystemctl\s+(stop|disable)\b`), Level: RiskHigh},
	{Label: "curl_pipe_shell", Category: "remote_script", Matcher: Regex(`\bcurl\b.*\|\s*(sh|bash)\b`), Level: RiskCritical},
	{Label: "wget_pipe_shell", Category: "remote_script", Matcher: Regex(`\bwget\b.*\|\s*(sh|bash)\b`), Level: RiskCritical},
	{Label: "fork_bomb", Category: "fork_bomb", Matcher: Regex(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`), Level: RiskCritical},
}

// InputPolicy gates bytes about to be written into the live session.
type InputPolicy struct {
	mu     sync.RWMutex
	strict bool
	stop   *EmergencyStop
}

// NewInputPolicy returns an input policy. stop may be nil.
func NewInputPolicy(strict bool, stop *EmergencyStop) *InputPolicy {
	return &InputPolicy{strict: strict, stop: stop}
}

// Strict reports whether strict mode is on.
func (p *InputPolicy) Strict() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.strict
}

// SetStrict toggles strict mode.
func (p *InputPolicy) SetStrict(strict bool) {
	p.mu.Lock()
	p.strict = strict
	p.mu.Unlock()
}

// NormalizeInput strips carriage returns.
func NormalizeInput(input string) string {
	return strings.ReplaceAll(input, "\r", "")
}

// Check decides whether input may be written.
func (p *InputPolicy) Check(input string) Decision {
	normalized := NormalizeInput(input)

	if p.stop.Active() {
		return Decision{Reason: "emergency stop is active", Level: RiskCritical, Rule: "emergency_stop", Normalized: normalized}
	}

	if controlChars.MatchString(normalized) {
		return Decision{Reason: "control characters are not allowed", Level: RiskHigh, Rule: "control_chars", Normalized: normalized}
	}

	if r, ok := DangerousInput.First(normalized); ok {
		return Decision{
			Reason:     fmt.Sprintf("blocked dangerous pattern (%s)", ruleName(r)),
			Level:      r.Level,
			Rule:       ruleName(r),
			Normalized: normalized,
		}
	}

	if p.Strict() && !strictShape.MatchString(normalized) {
		return Decision{
			Reason:     "strict mode allows only empty input, y/n/yes/no or a 1-3 digit number",
			Level:      RiskMedium,
			Rule:       "strict_mode",
			Normalized: normalized,
		}
	}

	return Decision{Allowed: true, Reason: "ok", Level: RiskSafe, Normalized: normalized}
}

// InputDescription summarizes the input guard.
type InputDescription struct {
	StrictMode   bool     `json:"strict_mode"`
	StrictAllows []string `json:"strict_allows"`
	Blocks       []string `json:"blocks"`
	Env          string   `json:"env"`
}

// Describe returns the current input guard configuration.
func (p *InputPolicy) Describe() InputDescription {
	return InputDescription{
		StrictMode:   p.Strict(),
		StrictAllows: StrictAllows,
		Blocks:       append([]string{"control_chars"}, DangerousInput.Categories()...),
		Env:          "CLOUDRECOVERY_STRICT_POLICY",
	}
}
