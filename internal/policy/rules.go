package policy

import (
	"regexp"
	"strings"
)

// Matcher reports whether a rule applies to text.
type Matcher interface {
	Match(text string) bool
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(string) bool

// Match calls f.
func (f MatcherFunc) Match(text string) bool { return f(text) }

type regexMatcher struct {
	re *regexp.Regexp
}

func (m regexMatcher) Match(text string) bool { return m.re.MatchString(text) }

func (m regexMatcher) String() string { return m.re.String() }

// Regex returns a case-insensitive regular expression matcher. It panics on a
// malformed pattern, so use it only for package-level tables.
func Regex(pattern string) Matcher {
	return regexMatcher{re: regexp.MustCompile("(?i)" + pattern)}
}

// Unless matches when base matches and none of the text after base's first
// match matches forbid. RE2 has no lookahead; this covers "DELETE FROM ...
// without WHERE" style rules.
func Unless(base, forbid string) Matcher {
	b := regexp.MustCompile("(?i)" + base)
	f := regexp.MustCompile("(?i)" + forbid)
	return MatcherFunc(func(text string) bool {
		loc := b.FindStringIndex(text)
		if loc == nil {
			return false
		}
		return !f.MatchString(text[loc[1]:])
	})
}

// Rule is one entry of an ordered rule table.
type Rule struct {
	Label    string
	Category string
	Matcher  Matcher
	Level    RiskLevel
}

// RuleSet is evaluated in order; the first matching rule wins.
type RuleSet []Rule

// First returns the first rule matching text.
func (rs RuleSet) First(text string) (Rule, bool) {
	for _, r := range rs {
		if r.Matcher != nil && r.Matcher.Match(text) {
			return r, true
		}
	}
	return Rule{}, false
}

// Labels lists the rule labels in evaluation order.
func (rs RuleSet) Labels() []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Label
	}
	return out
}

// Categories lists distinct categories in first-seen order.
func (rs RuleSet) Categories() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rs {
		if r.Category != "" && !seen[r.Category] {
			seen[r.Category] = true
			out = append(out, r.Category)
		}
	}
	return out
}

func ruleName(r Rule) string {
	if r.Category == "" {
		return r.Label
	}
	return r.Category + ":" + r.Label
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
