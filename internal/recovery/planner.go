package recovery

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/traylinx/cloudrecovery/internal/policy"
	"github.com/traylinx/cloudrecovery/internal/signals"
)

// StepTemplate is one action in an archetype. "{{service}}" in Command or
// Rollback is replaced by the service name.
type StepTemplate struct {
	Title            string            `yaml:"title" json:"title"`
	Command          string            `yaml:"cmd" json:"cmd,omitempty"`
	Tool             string            `yaml:"tool" json:"tool,omitempty"`
	Args             map[string]string `yaml:"args" json:"args,omitempty"`
	Risk             string            `yaml:"risk" json:"risk"`
	RequiresApproval bool              `yaml:"requires-approval" json:"requires_approval"`
	TimeoutSeconds   int               `yaml:"timeout-seconds" json:"timeout_seconds,omitempty"`
	Rollback         string            `yaml:"rollback" json:"rollback,omitempty"`
}

// Archetype maps a class of evidence to a plan template.
type Archetype struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description,omitempty"`
	ServiceType string         `yaml:"service-type" json:"service_type"`
	ServiceName string         `yaml:"service-name" json:"service_name,omitempty"`
	Kinds       []string       `yaml:"kinds" json:"kinds,omitempty"`
	Keywords    []string       `yaml:"keywords" json:"keywords,omitempty"`
	Steps       []StepTemplate `yaml:"steps" json:"steps"`
}

// matches reports whether ev belongs to a.
func (a Archetype) matches(ev signals.Evidence) bool {
	for _, k := range a.Kinds {
		if strings.EqualFold(k, ev.Kind) {
			return true
		}
	}
	msg := strings.ToLower(ev.Message)
	for _, kw := range a.Keywords {
		if kw != "" && strings.Contains(msg, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func (a Archetype) serviceName(ev signals.Evidence) string {
	if url := ev.PayloadString("url"); url != "" && a.ServiceType == "website" {
		return url
	}
	if svc := ev.PayloadString("service"); svc != "" {
		return svc
	}
	if a.ServiceName != "" {
		return a.ServiceName
	}
	return a.ServiceType
}

// commandName is the name spliced into shell commands. Evidence values
// that are not plain identifiers fall back to the archetype's own name.
func (a Archetype) commandName(name string) string {
	if ValidArg(name) {
		return name
	}
	if ValidArg(a.ServiceName) {
		return a.ServiceName
	}
	return a.ServiceType
}

func (a Archetype) build(ev signals.Evidence) *Plan {
	name := a.serviceName(ev)
	cmdName := a.commandName(name)
	evCopy := ev
	plan := &Plan{
		ID:          uuid.NewString(),
		ServiceName: name,
		ServiceType: a.ServiceType,
		CreatedAt:   time.Now().UTC(),
		Evidence:    &evCopy,
	}
	for _, st := range a.Steps {
		level, err := policy.ParseRiskLevel(st.Risk)
		if err != nil {
			level = policy.RiskMedium
		}
		desc := strings.ReplaceAll(st.Title, "{{service}}", name)
		plan.Actions = append(plan.Actions, Action{
			ID:               uuid.NewString(),
			Description:      desc,
			Command:          strings.ReplaceAll(st.Command, "{{service}}", cmdName),
			Tool:             st.Tool,
			Args:             st.Args,
			Level:            level,
			RequiresApproval: st.RequiresApproval,
			TimeoutSeconds:   st.TimeoutSeconds,
			RollbackCommand:  strings.ReplaceAll(st.Rollback, "{{service}}", cmdName),
		})
	}
	return plan
}

// BuiltinArchetypes returns the web server, relational database and
// control-plane agent templates, in match order.
func BuiltinArchetypes() []Archetype {
	return []Archetype{
		{
			Name:        "website",
			ServiceType: "website",
			ServiceName: "website",
			Kinds:       []string{signals.KindSiteCheck},
			Steps: []StepTemplate{
				{Title: "Check if {{service}} web server process is running", Command: "systemctl status nginx || systemctl status apache2 || systemctl status httpd", Risk: "safe"},
				{Title: "Check web server error logs", Command: "tail -n 50 /var/log/nginx/error.log /var/log/apache2/error.log /var/log/httpd/error_log 2>/dev/null", Risk: "safe"},
				{Title: "Restart web server service", Command: "systemctl restart nginx || systemctl restart apache2 || systemctl restart httpd", Risk: "low", RequiresApproval: true},
			},
		},
		{
			Name:        "postgresql",
			ServiceType: "postgresql",
			ServiceName: "postgresql",
			Keywords:    []string{"postgresql", "postgres"},
			Steps: []StepTemplate{
				{Title: "Check PostgreSQL service status", Command: "systemctl status postgresql", Risk: "safe"},
				{Title: "Check PostgreSQL logs for errors", Command: "tail -n 50 /var/log/postgresql/postgresql-*.log 2>/dev/null || journalctl -u postgresql -n 50", Risk: "safe"},
				{Title: "Check disk space", Command: "df -h /var/lib/postgresql", Risk: "safe"},
				{Title: "Restart PostgreSQL service", Command: "systemctl restart postgresql", Risk: "medium", RequiresApproval: true},
			},
		},
		{
			Name:        "mcp",
			ServiceType: "mcp",
			ServiceName: "mcp-server",
			Keywords:    []string{"mcp"},
			Steps: []StepTemplate{
				{Title: "Check MCP server process", Command: "ps aux | grep mcp | grep -v grep", Risk: "safe"},
				{Title: "Check MCP server logs", Command: "tail -n 50 /var/log/mcp/server.log 2>/dev/null || journalctl -u mcp-server -n 50", Risk: "safe"},
				{Title: "Restart MCP server", Command: "systemctl restart mcp-server", Risk: "low", RequiresApproval: true},
			},
		},
	}
}

// Planner turns evidence into plans using an ordered archetype table.
type Planner struct {
	mu         sync.RWMutex
	archetypes []Archetype
}

// NewPlanner returns a planner loaded with the built-in archetypes.
func NewPlanner() *Planner {
	return &Planner{archetypes: BuiltinArchetypes()}
}

// Register puts a in front of the table, replacing any archetype with the
// same service type.
func (p *Planner) Register(a Archetype) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := []Archetype{a}
	for _, existing := range p.archetypes {
		if existing.ServiceType != a.ServiceType {
			kept = append(kept, existing)
		}
	}
	p.archetypes = kept
}

// Archetypes returns the current table in match order.
func (p *Planner) Archetypes() []Archetype {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Archetype(nil), p.archetypes...)
}

// PlanFromEvidence builds a plan from the first matching archetype, or
// returns nil.
func (p *Planner) PlanFromEvidence(ev signals.Evidence) *Plan {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, a := range p.archetypes {
		if len(a.Steps) > 0 && a.matches(ev) {
			return a.build(ev)
		}
	}
	return nil
}
