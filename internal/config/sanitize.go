package config

import (
	"strings"
)

var validLevels = map[string]bool{
	"safe":     true,
	"low":      true,
	"medium":   true,
	"high":     true,
	"critical": true,
}

// Sanitize normalizes enumerations and clamps numeric settings.
func (cfg *Config) Sanitize() {
	if cfg == nil {
		return
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = 8787
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8787"
	}
	if cfg.MaxConnections < 0 {
		cfg.MaxConnections = 0
	}

	cfg.SanitizeSession()
	cfg.SanitizePolicy()
	cfg.SanitizeRecovery()

	if cfg.Monitoring.DefaultDurationHours < 1 {
		cfg.Monitoring.DefaultDurationHours = 1
	}
	if cfg.Monitoring.CleanupIntervalSeconds < 10 {
		cfg.Monitoring.CleanupIntervalSeconds = 10
	}

	if cfg.Autopilot.PollIntervalMs < 50 {
		cfg.Autopilot.PollIntervalMs = 50
	}
	if cfg.Autopilot.WaitTimeoutSeconds < 1 {
		cfg.Autopilot.WaitTimeoutSeconds = 1
	}
	if cfg.Autopilot.StepDelayMs < 0 {
		cfg.Autopilot.StepDelayMs = 0
	}

	if cfg.Audit.HistorySize < 0 {
		cfg.Audit.HistorySize = 0
	}
	if cfg.Agent.EvidenceBufferSize < 100 {
		cfg.Agent.EvidenceBufferSize = 100
	}

	cfg.Synthetics.URLs = compactStrings(cfg.Synthetics.URLs)
	if cfg.Synthetics.IntervalSeconds < 5 {
		cfg.Synthetics.IntervalSeconds = 60
	}
	if cfg.Synthetics.TimeoutSeconds < 1 {
		cfg.Synthetics.TimeoutSeconds = 5
	}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	switch cfg.Store.Driver {
	case "", "sqlite3", "pgx":
	case "sqlite", "sqlite3+wal":
		cfg.Store.Driver = "sqlite3"
	case "postgres", "postgresql":
		cfg.Store.Driver = "pgx"
	default:
		cfg.Store.Driver = ""
	}
}

// SanitizeSession clamps process session settings.
func (cfg *Config) SanitizeSession() {
	s := &cfg.Session
	s.Shell = strings.TrimSpace(s.Shell)
	if s.Shell == "" {
		s.Shell = "bash"
	}
	if s.BufferChunks < 100 {
		s.BufferChunks = 100
	}
	if cfg.Detector.WindowChars < 1000 {
		cfg.Detector.WindowChars = 1000
	}
	if cfg.Detector.PromptTailChars <= 0 || cfg.Detector.PromptTailChars > cfg.Detector.WindowChars {
		cfg.Detector.PromptTailChars = min(2000, cfg.Detector.WindowChars)
	}
}

// SanitizePolicy normalizes risk levels and list entries.
func (cfg *Config) SanitizePolicy() {
	p := &cfg.Policy

	p.MaxSafetyLevel = strings.ToLower(strings.TrimSpace(p.MaxSafetyLevel))
	if !validLevels[p.MaxSafetyLevel] {
		p.MaxSafetyLevel = "medium"
	}
	p.RequireApprovalAbove = strings.ToLower(strings.TrimSpace(p.RequireApprovalAbove))
	if !validLevels[p.RequireApprovalAbove] {
		p.RequireApprovalAbove = "low"
	}

	p.Environment = strings.ToLower(strings.TrimSpace(p.Environment))
	switch p.Environment {
	case "dev", "staging", "prod":
	case "production":
		p.Environment = "prod"
	default:
		p.Environment = "dev"
	}

	p.AllowList = compactStrings(p.AllowList)
	p.DenyList = compactStrings(p.DenyList)
	p.PlanAllowedPrefixes = compactStrings(p.PlanAllowedPrefixes)

	rules := p.CustomRules[:0]
	for _, r := range p.CustomRules {
		r.Name = strings.TrimSpace(r.Name)
		r.When = strings.TrimSpace(r.When)
		if r.Name == "" || r.When == "" {
			continue
		}
		r.Level = strings.ToLower(strings.TrimSpace(r.Level))
		if !validLevels[r.Level] {
			r.Level = "high"
		}
		r.Action = strings.ToLower(strings.TrimSpace(r.Action))
		if r.Action != "allow" {
			r.Action = "deny"
		}
		rules = append(rules, r)
	}
	p.CustomRules = rules

	if p.PlanMaxSteps < 1 {
		p.PlanMaxSteps = 15
	}
	if p.PlanMaxSteps > 15 {
		p.PlanMaxSteps = 15
	}
	if p.PlanStepMaxChars < 16 {
		p.PlanStepMaxChars = 500
	}
}

// SanitizeRecovery normalizes executor settings.
func (cfg *Config) SanitizeRecovery() {
	r := &cfg.Recovery
	if r.DefaultTimeoutSeconds < 1 {
		r.DefaultTimeoutSeconds = 300
	}
	r.Executor = strings.ToLower(strings.TrimSpace(r.Executor))
	if r.Executor != "remote" {
		r.Executor = "local"
	}
	r.RemoteURL = strings.TrimRight(strings.TrimSpace(r.RemoteURL), "/")
	if r.Executor == "remote" && r.RemoteURL == "" {
		r.Executor = "local"
	}
}

func compactStrings(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
