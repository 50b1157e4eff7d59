// Copyright 2026 The cloudrecovery Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and normalizes the cloudrecovery server configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvStrictPolicy = "CLOUDRECOVERY_STRICT_POLICY"
	EnvAgentToken   = "CLOUDRECOVERY_AGENT_TOKEN"
	EnvExecSecret   = "CLOUDRECOVERY_EXEC_SECRET"
)

// Config is the root configuration document.
type Config struct {
	// Host is the bind address. Empty binds all interfaces; the default is loopback.
	Host string `yaml:"host" json:"host"`

	// Port is the HTTP listen port.
	Port int `yaml:"port" json:"port"`

	// BaseURL is the externally reachable URL used when minting monitoring links.
	BaseURL string `yaml:"base-url" json:"base-url"`

	// MaxConnections caps concurrently accepted connections. Zero means unlimited.
	MaxConnections int `yaml:"max-connections" json:"max-connections"`

	Debug         bool   `yaml:"debug" json:"debug"`
	LogLevel      string `yaml:"log-level" json:"log-level"`
	LoggingToFile bool   `yaml:"logging-to-file" json:"logging-to-file"`
	LogDir        string `yaml:"log-dir" json:"log-dir"`

	Session    SessionConfig    `yaml:"session" json:"session"`
	Detector   DetectorConfig   `yaml:"detector" json:"detector"`
	Policy     PolicyConfig     `yaml:"policy" json:"policy"`
	Recovery   RecoveryConfig   `yaml:"recovery" json:"recovery"`
	Monitoring MonitoringConfig `yaml:"monitoring" json:"monitoring"`
	Autopilot  AutopilotConfig  `yaml:"autopilot" json:"autopilot"`
	Audit      AuditConfig      `yaml:"audit" json:"audit"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Agent      AgentConfig      `yaml:"agent" json:"agent"`
	Synthetics SyntheticsConfig `yaml:"synthetics" json:"synthetics"`
}

// SessionConfig describes the supervised interactive process.
type SessionConfig struct {
	// Command is run as `<shell> -lc <command>`.
	Command string `yaml:"command" json:"command"`

	Shell   string   `yaml:"shell" json:"shell"`
	WorkDir string   `yaml:"workdir" json:"workdir"`
	Env     []string `yaml:"env" json:"env"`

	// BufferChunks bounds the rolling output buffer.
	BufferChunks int `yaml:"buffer_chunks" json:"buffer_chunks"`
}

// DetectorConfig tunes the output classifier.
type DetectorConfig struct {
	WindowChars     int `yaml:"window_chars" json:"window_chars"`
	PromptTailChars int `yaml:"prompt_tail_chars" json:"prompt_tail_chars"`
}

// CustomRule is an operator-supplied command rule written as an expression.
// The expression sees `command`, `first` (first token) and `tokens`.
type CustomRule struct {
	Name  string `yaml:"name" json:"name"`
	When  string `yaml:"when" json:"when"`
	Level string `yaml:"level" json:"level"`

	// Action is "deny" (default) or "allow".
	Action string `yaml:"action" json:"action"`
}

// PolicyConfig configures the input and command guards.
type PolicyConfig struct {
	// StrictMode restricts session input to empty, y/n/yes/no or 1-3 digits.
	StrictMode bool `yaml:"strict_mode" json:"strict_mode"`

	// MaxSafetyLevel fails any command classified above it.
	MaxSafetyLevel string `yaml:"max_safety_level" json:"max_safety_level"`

	// RequireApprovalAbove marks commands above this level as needing sign-off.
	RequireApprovalAbove string `yaml:"require_approval_above" json:"require_approval_above"`

	AllowList   []string     `yaml:"allow_list" json:"allow_list"`
	DenyList    []string     `yaml:"deny_list" json:"deny_list"`
	CustomRules []CustomRule `yaml:"custom_rules" json:"custom_rules"`

	// Environment is "dev", "staging" or "prod" and drives the action policy.
	Environment string `yaml:"environment" json:"environment"`

	// PlanMaxSteps caps a submitted plan.
	PlanMaxSteps int `yaml:"plan_max_steps" json:"plan_max_steps"`

	// PlanStepMaxChars caps a single plan step command.
	PlanStepMaxChars int `yaml:"plan_step_max_chars" json:"plan_step_max_chars"`

	// PlanAllowedPrefixes extends the built-in allowed command prefixes.
	PlanAllowedPrefixes []string `yaml:"plan_allowed_prefixes" json:"plan_allowed_prefixes"`
}

// RecoveryConfig configures the recovery engine.
type RecoveryConfig struct {
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds" json:"default_timeout_seconds"`

	// Executor is "local" or "remote".
	Executor string `yaml:"executor" json:"executor"`

	// RemoteURL points at an exec-agent when Executor is "remote".
	RemoteURL    string `yaml:"remote_url" json:"remote_url"`
	RemoteSecret string `yaml:"remote_secret" json:"-"`

	// RunbookDir holds YAML runbooks extending the built-in archetypes.
	RunbookDir string `yaml:"runbook_dir" json:"runbook_dir"`
}

// MonitoringConfig configures monitoring sessions.
type MonitoringConfig struct {
	DefaultDurationHours   int `yaml:"default_duration_hours" json:"default_duration_hours"`
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds" json:"cleanup_interval_seconds"`
}

// AutopilotConfig tunes the control loop and plan execution pacing.
type AutopilotConfig struct {
	PollIntervalMs     int `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	WaitTimeoutSeconds int `yaml:"wait_timeout_seconds" json:"wait_timeout_seconds"`
	StepDelayMs        int `yaml:"step_delay_ms" json:"step_delay_ms"`
}

// AuditConfig configures the JSON-lines audit log.
type AuditConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	LogPath     string `yaml:"log_path" json:"log_path"`
	MaxSizeMB   int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days" json:"max_age_days"`
	Compress    bool   `yaml:"compress" json:"compress"`
	HistorySize int    `yaml:"history_size" json:"history_size"`
}

// StoreConfig enables the optional SQL audit sink.
type StoreConfig struct {
	// Driver is "", "sqlite3" or "pgx".
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"-"`
}

// AgentConfig configures the agent ingestion endpoints.
type AgentConfig struct {
	Token              string `yaml:"token" json:"-"`
	EvidenceBufferSize int    `yaml:"evidence_buffer_size" json:"evidence_buffer_size"`

	// AutoPlan builds a recovery plan and monitoring session for critical evidence.
	AutoPlan bool `yaml:"auto_plan" json:"auto_plan"`
}

// SyntheticsConfig lists URLs checked in the background. Each check result is
// ingested as evidence.
type SyntheticsConfig struct {
	URLs            []string `yaml:"urls" json:"urls"`
	IntervalSeconds int      `yaml:"interval_seconds" json:"interval_seconds"`
	TimeoutSeconds  int      `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// LoadConfig reads and sanitizes the YAML configuration at configFile.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads YAML from configFile.
// If optional is true and the file is missing or empty, defaults are returned.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && (os.IsNotExist(err) || errors.Is(err, syscall.EISDIR)) {
			cfg.ApplyEnv()
			cfg.Sanitize()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if len(strings.TrimSpace(string(data))) > 0 {
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ApplyEnv()
	cfg.Sanitize()
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Host:     "127.0.0.1",
		Port:     8787,
		BaseURL:  "http://localhost:8787",
		LogLevel: "info",
		LogDir:   "logs",
		Session: SessionConfig{
			Shell:        "bash",
			BufferChunks: 4000,
		},
		Detector: DetectorConfig{
			WindowChars:     20000,
			PromptTailChars: 2000,
		},
		Policy: PolicyConfig{
			StrictMode:           true,
			MaxSafetyLevel:       "medium",
			RequireApprovalAbove: "low",
			Environment:          "dev",
			PlanMaxSteps:         15,
			PlanStepMaxChars:     500,
		},
		Recovery: RecoveryConfig{
			DefaultTimeoutSeconds: 300,
			Executor:              "local",
		},
		Monitoring: MonitoringConfig{
			DefaultDurationHours:   24,
			CleanupIntervalSeconds: 300,
		},
		Autopilot: AutopilotConfig{
			PollIntervalMs:     500,
			WaitTimeoutSeconds: 30,
			StepDelayMs:        300,
		},
		Audit: AuditConfig{
			Enabled:     true,
			LogPath:     "./logs/audit.log",
			MaxSizeMB:   100,
			MaxBackups:  10,
			MaxAgeDays:  30,
			HistorySize: 1000,
		},
		Agent: AgentConfig{
			EvidenceBufferSize: 5000,
		},
		Synthetics: SyntheticsConfig{
			IntervalSeconds: 60,
			TimeoutSeconds:  5,
		},
	}
}

// ApplyEnv overlays environment overrides.
func (cfg *Config) ApplyEnv() {
	if v, ok := os.LookupEnv(EnvStrictPolicy); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "0", "false", "no", "off":
			cfg.Policy.StrictMode = false
		case "1", "true", "yes", "on":
			cfg.Policy.StrictMode = true
		}
	}
	if v := os.Getenv(EnvAgentToken); v != "" {
		cfg.Agent.Token = v
	}
	if v := os.Getenv(EnvExecSecret); v != "" {
		cfg.Recovery.RemoteSecret = v
	}
}
