package policy

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	planMetaChars = regexp.MustCompile("[;&|`$<>\\\\()]")
	planBlocklist = regexp.MustCompile(`(?i)\b(sudo|shutdown|reboot|mkfs|dd|chmod\s+777|chown|useradd|usermod|groupadd|iptables|ufw|systemctl|service)\b|:>`)
	rmDangerous   = regexp.MustCompile(`rm\s+.*(/\s|/\*|/$|~|\.\.)`)
	rmSafe        = []*regexp.Regexp{
		regexp.MustCompile(`^rm\s+-rf?\s+[a-zA-Z0-9_\-./]+$`),
		regexp.MustCompile(`^rm\s+[a-zA-Z0-9_\-./]+\.(txt|log|tmp|json|yml|yaml)$`),
	}
)

// DefaultPlanPrefixes are the commands a submitted plan step may start with.
var DefaultPlanPrefixes = []string{
	"ls", "pwd", "whoami", "id", "date", "uname", "env", "printenv", "echo",
	"cat", "head", "tail", "grep", "find", "stat", "du", "df", "ps", "top",
	"tree", "file", "which", "whereis",
	"mkdir", "touch", "cp", "mv", "rm", "nano", "vi", "vim",
	"docker", "ibmcloud", "kubectl", "oc", "helm", "git",
	"npm", "yarn", "pip", "python", "python3", "node", "jq", "curl", "wget",
	"make", "mvn", "gradle",
}

// PlanSubcommands restricts powerful CLIs to the listed subcommands.
var PlanSubcommands = map[string]map[string]bool{
	"docker":   set("ps", "images", "info", "version", "logs", "inspect", "stats", "build", "run", "exec"),
	"kubectl":  set("get", "describe", "logs", "top", "version", "config", "apply", "create", "delete"),
	"oc":       set("get", "describe", "logs", "status", "version", "project", "rollout"),
	"helm":     set("list", "status", "get", "version", "install", "upgrade", "uninstall"),
	"git":      set("status", "log", "diff", "branch", "rev-parse", "show", "clone", "pull", "push", "commit", "add"),
	"ibmcloud": set("version", "help", "target", "regions", "resource", "cr", "ce", "login", "ks", "plugin"),
}

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}

// StepValidator checks commands typed into the live session by an approved
// plan. It is stricter than the input policy's strict mode is loose: no shell
// metacharacters, an allow-listed first word and limited subcommands.
type StepValidator struct {
	maxChars int
	prefixes map[string]bool
}

// NewStepValidator returns a validator with the default prefixes plus extra.
func NewStepValidator(maxChars int, extra []string) *StepValidator {
	if maxChars <= 0 {
		maxChars = 500
	}
	prefixes := set(DefaultPlanPrefixes...)
	for _, p := range extra {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			prefixes[p] = true
		}
	}
	return &StepValidator{maxChars: maxChars, prefixes: prefixes}
}

// Validate returns an allowed Decision or the specific reason for rejection.
func (v *StepValidator) Validate(cmd string) Decision {
	c := strings.TrimSpace(cmd)
	deny := func(rule, format string, args ...interface{}) Decision {
		return Decision{Reason: fmt.Sprintf(format, args...), Level: RiskHigh, Rule: "plan:" + rule}
	}

	if c == "" {
		return deny("empty", "empty command")
	}
	if len(c) > v.maxChars {
		return deny("too_long", "command too long (%d > %d chars)", len(c), v.maxChars)
	}
	if planMetaChars.MatchString(c) {
		return deny("meta_chars", "shell metacharacters (| ; & > < $ ` \\ parentheses) are not allowed")
	}
	if planBlocklist.MatchString(c) {
		return deny("blocklist", "command contains a blocked keyword")
	}

	parts := strings.Fields(c)
	root := strings.ToLower(parts[0])
	if !v.prefixes[root] {
		return deny("not_allowed", "command %q is not in the allowlist", root)
	}

	if root == "rm" {
		if rmDangerous.MatchString(c) {
			return deny("rm_dangerous", "rm with /, /*, ~ or .. is not allowed")
		}
		for _, re := range rmSafe {
			if re.MatchString(c) {
				return Decision{Allowed: true, Reason: "ok", Level: RiskMedium, Rule: "plan:rm_safe", Normalized: c}
			}
		}
		return deny("rm_pattern", "rm command does not match safe patterns (rm file.txt or rm -rf folder_name)")
	}

	if subs, ok := PlanSubcommands[root]; ok {
		if len(parts) < 2 {
			return deny("subcommand", "%q requires a subcommand", root)
		}
		if sub := strings.ToLower(parts[1]); !subs[sub] {
			return deny("subcommand", "%q is not an allowed subcommand", root+" "+sub)
		}
	}

	return Decision{Allowed: true, Reason: "ok", Level: RiskLow, Rule: "plan:allowed", Normalized: c}
}
