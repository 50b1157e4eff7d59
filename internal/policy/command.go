package policy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Command rule tables, evaluated in this order after the allow and deny lists.
var (
	DestructiveCommands = RuleSet{
		{Label: "rm_rf_root", Category: "destructive", Matcher: Regex(`\brm\s+-rf\s+/`), Level: RiskCritical},
		{Label: "mkfs", Category: "destructive", Matcher: Regex(`\bmkfs\b`), Level: RiskCritical},
		{Label: "dd", Category: "destructive", Matcher: Regex(`\bdd\s+if=`), Level: RiskCritical},
		{Label: "raw_disk_truncate", Category: "destructive", Matcher: Regex(`:\s*>\s*/dev/sd`), Level: RiskCritical},
		{Label: "format_drive", Category: "destructive", Matcher: Regex(`\bformat\s+[a-z]:`), Level: RiskCritical},
		{Label: "fdisk_delete", Category: "destructive", Matcher: Regex(`\bfdisk\b.*\bdelete\b`), Level: RiskCritical},
		{Label: "parted_rm", Category: "destructive", Matcher: Regex(`\bparted\b.*\brm\b`), Level: RiskCritical},
		{Label: "luks_format", Category: "destructive", Matcher: Regex(`\bcryptsetup\s+luksFormat\b`), Level: RiskCritical},
	}

	SystemCommands = RuleSet{
		{Label: "credential_files", Category: "system", Matcher: Regex(`\brm\b.*\b(passwd|shadow|sudoers)\b`), Level: RiskCritical},
		{Label: "chmod_777_etc", Category: "system", Matcher: Regex(`\bchmod\s+(-R\s+)?777\s+/etc`), Level: RiskCritical},
		{Label: "chown_etc", Category: "system", Matcher: Regex(`\bchown\s+.*\s+/etc`), Level: RiskCritical},
		{Label: "useradd_root", Category: "system", Matcher: Regex(`\buseradd\b.*\broot\b`), Level: RiskCritical},
		{Label: "passwd_root", Category: "system", Matcher: Regex(`\bpasswd\s+root\b`), Level: RiskCritical},
		{Label: "sudo_su", Category: "system", Matcher: Regex(`\bsudo\s+su\b`), Level: RiskCritical},
		{Label: "iptables_flush", Category: "system", Matcher: Regex(`\biptables\s+-F\b`), Level: RiskCritical},
		{Label: "disable_sshd", Category: "system", Matcher: Regex(`\bsystemctl\s+(stop|disable).*\bsshd\b`), Level: RiskCritical},
	}

	DataStoreCommands = RuleSet{
		{Label: "drop_database", Category: "datastore", Matcher: Regex(`\bDROP\s+DATABASE\b`), Level: RiskHigh},
		{Label: "drop_table_cascade", Category: "datastore", Matcher: Regex(`\bDROP\s+TABLE\b.*\bCASCADE\b`), Level: RiskHigh},
		{Label: "truncate_table", Category: "datastore", Matcher: Regex(`\bTRUNCATE\s+TABLE\b`), Level: RiskHigh},
		{Label: "delete_where_true", Category: "datastore", Matcher: Regex(`\bDELETE\s+FROM\b.*\bWHERE\s+1\s*=\s*1\b`), Level: RiskHigh},
		{Label: "delete_unscoped", Category: "datastore", Matcher: Unless(`\bDELETE\s+FROM\b`, `\bWHERE\b`), Level: RiskHigh},
		{Label: "update_unscoped", Category: "datastore", Matcher: Unless(`\bUPDATE\b.*?\bSET\b`, `\bWHERE\b`), Level: RiskHigh},
		{Label: "drop_column", Category: "datastore", Matcher: Regex(`\bALTER\s+TABLE\b.*\bDROP\s+COLUMN\b`), Level: RiskHigh},
	}

	AvailabilityCommands = RuleSet{
		{Label: "shutdown", Category: "availability", Matcher: Regex(`\bshutdown\b`), Level: RiskHigh},
		{Label: "reboot", Category: "availability", Matcher: Regex(`\breboot\b`), Level: RiskHigh},
		{Label: "halt", Category: "availability", Matcher: Regex(`\bhalt\b`), Level: RiskHigh},
		{Label: "poweroff", Category: "availability", Matcher: Regex(`\bpoweroff\b`), Level: RiskHigh},
		{Label: "init_runlevel", Category: "availability", Matcher: Regex(`\binit\s+[06]\b`), Level: RiskHigh},
		{Label: "systemctl_power", Category: "availability", Matcher: Regex(`\bsystemctl\s+(reboot|poweroff|halt)\b`), Level: RiskHigh},
	}

	// Heuristics classify commands no deny rule caught. Anything left
	// unmatched is medium.
	Heuristics = RuleSet{
		{Label: "find_action", Matcher: Regex(`\bfind\b.*\s-(delete|exec|execdir|ok|okdir|fprint|fprint0|fprintf|fls)\b`), Level: RiskMedium},
		{Label: "read_only", Matcher: MatcherFunc(isReadOnly), Level: RiskSafe},
		{Label: "select_query", Matcher: MatcherFunc(isSelectQuery), Level: RiskSafe},
		{Label: "service_restart", Matcher: Regex(`\bsystemctl\s+(restart|reload)\b`), Level: RiskLow},
		{Label: "in_place_edit", Matcher: MatcherFunc(isInPlaceEdit), Level: RiskMedium},
		{Label: "scoped_write", Matcher: Regex(`\b(UPDATE|DELETE)\b.*\bWHERE\b`), Level: RiskMedium},
		{Label: "package_install", Matcher: Regex(`\b(apt|apt-get|yum|dnf)\s+(install|update|upgrade)\b`), Level: RiskMedium},
	}
)

var readOnlyVerbs = map[string]bool{
	"cat": true, "ls": true, "grep": true, "find": true, "head": true, "tail": true,
	"less": true, "more": true, "echo": true, "pwd": true, "whoami": true,
	"df": true, "du": true, "ps": true, "uptime": true, "free": true, "journalctl": true,
	"stat": true, "id": true, "date": true, "uname": true, "hostname": true,
}

var (
	readOnlySubcommand = regexp.MustCompile(`^(?i)(systemctl\s+(status|is-active|is-enabled|show|list-units)|docker\s+(ps|logs|inspect|images)|kubectl\s+(get|describe|logs)|oc\s+(get|describe|logs))\b`)
	selectQuery        = regexp.MustCompile(`(?i)^\s*SELECT\b`)
	inPlaceEdit        = regexp.MustCompile(`\b(sed|awk|perl)\b.*\s-i\b`)
	segmentSep         = regexp.MustCompile(`\|\||&&|[;|]`)
	discardRedirect    = regexp.MustCompile(`\d*>>?\s*/dev/null|\d*>&\d`)
)

// isReadOnly requires every segment of a chained or piped command to be a
// read-only verb and no output redirection other than to /dev/null.
func isReadOnly(cmd string) bool {
	if strings.Contains(discardRedirect.ReplaceAllString(cmd, ""), ">") {
		return false
	}
	for _, seg := range segmentSep.Split(cmd, -1) {
		seg = strings.TrimSpace(seg)
		if readOnlyVerbs[strings.ToLower(firstToken(seg))] {
			continue
		}
		if !readOnlySubcommand.MatchString(seg) {
			return false
		}
	}
	return true
}

func isSelectQuery(cmd string) bool {
	upper := strings.ToUpper(cmd)
	return selectQuery.MatchString(cmd) && !strings.Contains(upper, "UPDATE") && !strings.Contains(upper, "DELETE")
}

func isInPlaceEdit(cmd string) bool {
	lower := strings.ToLower(cmd)
	return inPlaceEdit.MatchString(cmd) || strings.Contains(lower, "vim") || strings.Contains(lower, "nano")
}

// SafetyOptions configures a SafetyPolicy.
type SafetyOptions struct {
	MaxSafetyLevel       RiskLevel
	RequireApprovalAbove RiskLevel

	// AllowList and DenyList entries match the first token or the whole command.
	AllowList []string
	DenyList  []string

	// Custom rules run after the built-in deny categories and before heuristics.
	Custom []CustomRuleSpec
}

// DefaultSafetyOptions returns medium ceiling, approval above low.
func DefaultSafetyOptions() SafetyOptions {
	return SafetyOptions{MaxSafetyLevel: RiskMedium, RequireApprovalAbove: RiskLow}
}

// SafetyPolicy classifies external commands into a risk tier and decides
// whether they may run.
type SafetyPolicy struct {
	mu            sync.RWMutex
	stop          *EmergencyStop
	allow         map[string]bool
	deny          map[string]bool
	custom        []compiledRule
	maxLevel      RiskLevel
	approvalAbove RiskLevel
}

// NewSafetyPolicy builds a policy. A nil stop gets a private switch.
func NewSafetyPolicy(opts SafetyOptions, stop *EmergencyStop) (*SafetyPolicy, error) {
	if stop == nil {
		stop = &EmergencyStop{}
	}
	p := &SafetyPolicy{stop: stop}
	if err := p.Update(opts); err != nil {
		return nil, err
	}
	return p, nil
}

// Update swaps lists, thresholds and custom rules atomically. On error the
// previous configuration stays in place.
func (p *SafetyPolicy) Update(opts SafetyOptions) error {
	custom, err := compileCustomRules(opts.Custom)
	if err != nil {
		return err
	}

	allow := make(map[string]bool, len(opts.AllowList))
	for _, c := range opts.AllowList {
		allow[strings.TrimSpace(c)] = true
	}
	deny := make(map[string]bool, len(opts.DenyList))
	for _, c := range opts.DenyList {
		deny[strings.TrimSpace(c)] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.allow = allow
	p.deny = deny
	p.custom = custom
	p.maxLevel = opts.MaxSafetyLevel
	p.approvalAbove = opts.RequireApprovalAbove
	return nil
}

// EmergencyStop returns the shared kill switch.
func (p *SafetyPolicy) EmergencyStop() *EmergencyStop {
	return p.stop
}

func listed(set map[string]bool, cmd string) bool {
	if len(set) == 0 {
		return false
	}
	trimmed := strings.TrimSpace(cmd)
	return set[trimmed] || set[firstToken(trimmed)]
}

// Check classifies command. The evaluation order is fixed: emergency stop,
// allow-list, deny-list, destructive, system, data store, availability,
// custom rules, heuristics, then the configured ceiling.
func (p *SafetyPolicy) Check(command string) Decision {
	if p.stop.Active() {
		return Decision{Reason: "emergency stop activated, all operations blocked", Level: RiskCritical, Rule: "emergency_stop"}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if listed(p.allow, command) {
		return Decision{Allowed: true, Reason: "command in allow list", Level: RiskSafe, Rule: "allow_list", Normalized: command}
	}
	if listed(p.deny, command) {
		return Decision{Reason: "command in deny list", Level: RiskCritical, Rule: "deny_list"}
	}

	for _, table := range []struct {
		rules  RuleSet
		reason string
	}{
		{DestructiveCommands, "destructive operation detected"},
		{SystemCommands, "system integrity risk detected"},
		{DataStoreCommands, "dangerous data store operation detected"},
		{AvailabilityCommands, "system availability risk detected"},
	} {
		if r, ok := table.rules.First(command); ok {
			return Decision{
				Reason: fmt.Sprintf("%s (%s)", table.reason, r.Label),
				Level:  r.Level,
				Rule:   ruleName(r),
			}
		}
	}

	level := RiskMedium
	rule := "default"
	matched := false
	for _, c := range p.custom {
		ok, err := c.eval(command)
		if err != nil || !ok {
			continue
		}
		if c.deny {
			return Decision{
				Reason: fmt.Sprintf("custom rule matched (%s)", c.name),
				Level:  c.level,
				Rule:   "custom:" + c.name,
			}
		}
		level, rule, matched = c.level, "custom:"+c.name, true
		break
	}
	if !matched {
		if r, ok := Heuristics.First(command); ok {
			level, rule = r.Level, "heuristic:"+r.Label
		}
	}

	if level > p.maxLevel {
		return Decision{
			Reason: fmt.Sprintf("operation level (%s) exceeds maximum allowed (%s)", level, p.maxLevel),
			Level:  level,
			Rule:   rule,
		}
	}
	return Decision{Allowed: true, Reason: "command assessed as " + level.String(), Level: level, Rule: rule, Normalized: command}
}

// RequiresApproval reports whether level needs human sign-off.
func (p *SafetyPolicy) RequiresApproval(level RiskLevel) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return level > p.approvalAbove
}

// CommandDescription summarizes the command guard.
type CommandDescription struct {
	MaxSafetyLevel       RiskLevel `json:"max_safety_level"`
	RequireApprovalAbove RiskLevel `json:"require_approval_above"`
	AllowList            []string  `json:"allow_list"`
	DenyList             []string  `json:"deny_list"`
	BlockedCategories    []string  `json:"blocked_categories"`
	CustomRules          []string  `json:"custom_rules,omitempty"`
	EmergencyStop        StopState `json:"emergency_stop"`
}

// Describe returns the current command guard configuration.
func (p *SafetyPolicy) Describe() CommandDescription {
	p.mu.RLock()
	defer p.mu.RUnlock()

	d := CommandDescription{
		MaxSafetyLevel:       p.maxLevel,
		RequireApprovalAbove: p.approvalAbove,
		AllowList:            sortedKeys(p.allow),
		DenyList:             sortedKeys(p.deny),
		EmergencyStop:        p.stop.State(),
	}
	for _, rs := range []RuleSet{DestructiveCommands, SystemCommands, DataStoreCommands, AvailabilityCommands} {
		d.BlockedCategories = append(d.BlockedCategories, rs.Categories()...)
	}
	for _, c := range p.custom {
		d.CustomRules = append(d.CustomRules, c.name)
	}
	return d
}

// Description is the combined view returned by policy.describe.
type Description struct {
	Input   InputDescription   `json:"input"`
	Command CommandDescription `json:"command"`
}

// Describe combines both guards.
func Describe(in *InputPolicy, cmd *SafetyPolicy) Description {
	var d Description
	if in != nil {
		d.Input = in.Describe()
	}
	if cmd != nil {
		d.Command = cmd.Describe()
	}
	return d
}
