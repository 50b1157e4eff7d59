package detector

import (
	"regexp"
	"strings"
)

// Phase is a cumulative milestone. Later entries outrank earlier ones.
type Phase struct {
	Label     string
	Marker    string // lower-case substring that reaches the phase
	Completes bool
}

// StepRule maps a phrase in the recent output to a stable step id.
type StepRule struct {
	ID      string
	Label   string
	Pattern *regexp.Regexp
}

// StepRules are evaluated in order; the first match wins.
type StepRules []StepRule

func (rs StepRules) first(text string) (StepRule, bool) {
	for _, r := range rs {
		if r.Pattern.MatchString(text) {
			return r, true
		}
	}
	return StepRule{}, false
}

// PromptRule recognises a line that waits for input.
type PromptRule struct {
	Kind    string
	Pattern *regexp.Regexp
}

// ChoiceHint supplies canned choices when a known menu is on screen.
type ChoiceHint struct {
	Marker  string
	Choices []string
}

// RuleBook bundles every table the detector evaluates.
type RuleBook struct {
	Phases      []Phase
	Steps       StepRules
	Prompts     []PromptRule
	ChoiceHints []ChoiceHint
}

func rx(s string) *regexp.Regexp {
	return regexp.MustCompile(`(?im)` + s)
}

// ImageSourceMarker introduces the container image source menu.
const ImageSourceMarker = "choose how you want to obtain the container image"

// WizardRules returns the rule book for the container deployment wizard.
func WizardRules() *RuleBook {
	return &RuleBook{
		Phases: []Phase{
			{Label: "starting"},
			{Label: "icr_prepare", Marker: "ibm cloud container registry"},
			{Label: "code_engine", Marker: "ibm cloud code engine deployment"},
			{Label: "done", Marker: "all done!", Completes: true},
		},
		Steps: StepRules{
			{ID: "image_source_mode", Label: "Choose image source", Pattern: rx(`choose how you want to obtain the container image`)},
			{ID: "docker_build", Label: "Build Docker image", Pattern: rx(`building docker image from dockerfile`)},
			{ID: "local_image_select", Label: "Select local Docker image", Pattern: rx(`local docker images:`)},
			{ID: "icr_registry_select", Label: "Select ICR registry endpoint", Pattern: rx(`container registry public regional endpoints|select registry for push`)},
			{ID: "icr_namespace_select", Label: "Select ICR namespace", Pattern: rx(`available namespaces:|select namespace`)},
			{ID: "icr_push_confirm", Label: "Confirm push to ICR", Pattern: rx(`proceed with tagging and pushing to icr`)},
			{ID: "ce_deploy_confirm", Label: "Deploy to Code Engine?", Pattern: rx(`do you want to deploy this image .* to code engine\?`)},
			{ID: "ce_plugin_install", Label: "Ensure Code Engine plugin", Pattern: rx(`checking for code engine plugin|install the 'code-engine' plugin`)},
			{ID: "ce_project_select", Label: "Select Code Engine project", Pattern: rx(`available code engine projects|select code engine project|project select`)},
			{ID: "ce_registry_secret", Label: "Configure registry secret", Pattern: rx(`configuring code engine access to ibm cloud container registry|registry secret`)},
			{ID: "ce_env_secret", Label: "Configure env secret", Pattern: rx(`configure environment variables from \.env file|creating env secret`)},
			{ID: "ce_app_config", Label: "Configure application", Pattern: rx(`configuring code engine application|deployment summary`)},
			{ID: "ce_app_apply", Label: "Create/Update application", Pattern: rx(`creating new application|updating it\.\.\.|ce app (create|update)`)},
			{ID: "ce_app_url", Label: "Fetch application URL", Pattern: rx(`fetching application url|should be available at:`)},
			{ID: "done", Label: "Done", Pattern: rx(`all done!`)},
		},
		Prompts: []PromptRule{
			{Kind: "selection", Pattern: rx(`selection\s*\[\d+\]\s*:\s*$`)},
			{Kind: "select", Pattern: rx(`^\s*select .+?:\s*$`)},
			{Kind: "enter", Pattern: rx(`^\s*enter .+?:\s*$`)},
			{Kind: "proceed_yn", Pattern: rx(`proceed .+\[y/n\]\s*:?\s*$`)},
			{Kind: "install_yn", Pattern: rx(`install .+\[y/n\]\s*:?\s*$`)},
			{Kind: "deploy_yn", Pattern: rx(`deploy .+\[y/n\]\s*:?\s*$`)},
		},
		ChoiceHints: []ChoiceHint{
			{
				Marker: ImageSourceMarker,
				Choices: []string{
					"1) Build from local Dockerfile and push",
					"2) Use existing local image and push",
					"3) Use existing image already in ICR (no push)",
				},
			},
		},
	}
}

// detectPrompt evaluates prompt rules in order against the last line of
// tail. A prompt followed by a newline has been answered, so only a line
// that ends the output counts. It returns the rule kind, the trimmed line
// and the byte offset where that line starts.
func (b *RuleBook) detectPrompt(tail string) (kind, line string, start int, ok bool) {
	trimmed := strings.TrimRight(tail, " \t")
	start = strings.LastIndex(trimmed, "\n") + 1
	last := trimmed[start:]
	if strings.TrimSpace(last) == "" {
		return "", "", 0, false
	}
	for _, p := range b.Prompts {
		if p.Pattern.MatchString(last) {
			return p.Kind, strings.TrimSpace(last), start, true
		}
	}
	return "", "", 0, false
}
