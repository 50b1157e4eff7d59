// Package redact masks secrets in terminal output before it leaves the
// process.
package redact

import "regexp"

// Placeholder replaces every masked value.
const Placeholder = "<REDACTED>"

var (
	secretAssignments = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(OPENAI_API_KEY|ANTHROPIC_API_KEY|WATSONX_API_KEY|IBMCLOUD_API_KEY)\s*=\s*(\S+)`),
		regexp.MustCompile(`(?i)\b(api_key|apikey|token|password|secret)\s*[:=]\s*(\S+)`),
	}
	bearerToken = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-._~+/]+=*`)
	dotenvLine  = regexp.MustCompile(`(?m)^([A-Za-z_][A-Za-z0-9_]*)=(.+)$`)
)

// Options tunes Text.
type Options struct {
	// DotenvValues also masks every KEY=VALUE line, keeping the key.
	DotenvValues bool
}

// Text masks known secret shapes in s.
func Text(s string, opts Options) string {
	out := s
	for _, re := range secretAssignments {
		out = re.ReplaceAllString(out, "${1}="+Placeholder)
	}
	out = bearerToken.ReplaceAllString(out, "Bearer "+Placeholder)
	if opts.DotenvValues {
		out = dotenvLine.ReplaceAllString(out, "${1}="+Placeholder)
	}
	return out
}

// String is Text with default options.
func String(s string) string {
	return Text(s, Options{})
}
