// Copyright 2026 The cloudrecovery Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package policy implements the two guards in front of every write into the
// live session and every external command: the input policy and the command
// safety policy. Both return Decisions as plain values; a denial is a normal
// result that callers must branch on.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

// RiskLevel orders commands from harmless to catastrophic.
type RiskLevel int

const (
	RiskSafe RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = [...]string{"safe", "low", "medium", "high", "critical"}

// ErrPolicyViolation is returned by callers that turn a denial into an error.
var ErrPolicyViolation = errors.New("policy violation")

func (r RiskLevel) String() string {
	if r < RiskSafe || r > RiskCritical {
		return fmt.Sprintf("RiskLevel(%d)", int(r))
	}
	return riskNames[r]
}

// ParseRiskLevel parses a case-insensitive level name.
func ParseRiskLevel(s string) (RiskLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range riskNames {
		if name == s {
			return RiskLevel(i), nil
		}
	}
	return RiskMedium, fmt.Errorf("unknown risk level %q", s)
}

// MarshalText encodes the level as its name.
func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a level name.
func (r *RiskLevel) UnmarshalText(b []byte) error {
	lvl, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*r = lvl
	return nil
}

// Decision is the outcome of a guard check.
type Decision struct {
	Allowed bool      `json:"allowed"`
	Reason  string    `json:"reason"`
	Level   RiskLevel `json:"risk_level"`

	// Rule is the label of the rule that decided, e.g. "destructive:mkfs".
	Rule string `json:"rule,omitempty"`

	// Normalized is the value that should actually be sent or executed.
	Normalized string `json:"normalized,omitempty"`
}

// Err returns nil for an allowed decision and an ErrPolicyViolation wrap otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPolicyViolation, d.Reason)
}
