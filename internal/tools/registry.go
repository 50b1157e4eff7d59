// Copyright 2026 The cloudrecovery Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tools is the tool-call boundary used by external agents. Tools are
// contributed by capability providers and called with JSON arguments.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	// ErrUnknownTool is returned for a name no provider registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArgs is returned for malformed or unexpected arguments.
	ErrInvalidArgs = errors.New("invalid arguments")
)

// Param describes one tool argument.
type Param struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Default  any    `json:"default,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Handler runs a tool. The returned value is encoded as the call result.
type Handler func(ctx context.Context, args Args) (any, error)

// Tool is a named, documented handler.
type Tool struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Provider    string  `json:"provider"`
	Params      []Param `json:"params"`
	Handler     Handler `json:"-"`
}

// Provider contributes a group of tools.
type Provider interface {
	Name() string
	Tools() []Tool
}

// Args gives typed access to a call's JSON arguments.
type Args struct {
	raw gjson.Result
}

// ParseArgs wraps raw JSON arguments. Empty input means no arguments.
func ParseArgs(raw []byte) (Args, error) {
	if len(raw) == 0 {
		return Args{raw: gjson.Parse("{}")}, nil
	}
	if !gjson.ValidBytes(raw) {
		return Args{}, fmt.Errorf("%w: body is not valid JSON", ErrInvalidArgs)
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.Null {
		return Args{raw: gjson.Parse("{}")}, nil
	}
	if !r.IsObject() {
		return Args{}, fmt.Errorf("%w: arguments must be an object", ErrInvalidArgs)
	}
	return Args{raw: r}, nil
}

// Has reports whether name was supplied.
func (a Args) Has(name string) bool { return a.raw.Get(name).Exists() }

// String returns name or def when absent.
func (a Args) String(name, def string) string {
	if v := a.raw.Get(name); v.Exists() {
		return v.String()
	}
	return def
}

// Int returns name or def when absent.
func (a Args) Int(name string, def int) int {
	if v := a.raw.Get(name); v.Exists() {
		return int(v.Int())
	}
	return def
}

// Float returns name or def when absent.
func (a Args) Float(name string, def float64) float64 {
	if v := a.raw.Get(name); v.Exists() {
		return v.Float()
	}
	return def
}

// Bool returns name or def when absent.
func (a Args) Bool(name string, def bool) bool {
	if v := a.raw.Get(name); v.Exists() {
		return v.Bool()
	}
	return def
}

// Map returns every string-valued argument.
func (a Args) Map() map[string]string {
	m := make(map[string]string)
	a.raw.ForEach(func(k, v gjson.Result) bool {
		m[k.String()] = v.String()
		return true
	})
	return m
}

// Registry holds the tools of every registered provider.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry from providers.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, p := range providers {
		if err := r.Use(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Use registers every tool of p. Names must be unique across providers.
func (r *Registry) Use(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tools := p.Tools()
	for _, t := range tools {
		if _, exists := r.tools[t.Name]; exists {
			return fmt.Errorf("tool %s already registered", t.Name)
		}
	}
	for _, t := range tools {
		t.Provider = p.Name()
		r.tools[t.Name] = t
	}
	log.WithFields(log.Fields{"provider": p.Name(), "tools": len(tools)}).Debug("tool provider registered")
	return nil
}

// List returns every tool sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the tool called name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Call validates rawArgs against the tool's parameters, runs it and returns
// {"tool": name, "ok": true, "result": ...}.
func (r *Registry) Call(ctx context.Context, name string, rawArgs []byte) ([]byte, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	args, err := ParseArgs(rawArgs)
	if err != nil {
		return nil, err
	}
	if err := checkParams(t, args); err != nil {
		return nil, err
	}

	result, err := t.Handler(ctx, args)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", name, err)
	}
	out, _ := sjson.SetBytes([]byte(`{}`), "tool", name)
	out, _ = sjson.SetBytes(out, "ok", true)
	return sjson.SetRawBytes(out, "result", encoded)
}

func checkParams(t Tool, args Args) error {
	known := make(map[string]Param, len(t.Params))
	for _, p := range t.Params {
		known[p.Name] = p
		if p.Required && !args.Has(p.Name) {
			return fmt.Errorf("%w: %s requires %q", ErrInvalidArgs, t.Name, p.Name)
		}
	}

	var err error
	args.raw.ForEach(func(k, v gjson.Result) bool {
		p, ok := known[k.String()]
		if !ok {
			err = fmt.Errorf("%w: %s does not accept %q", ErrInvalidArgs, t.Name, k.String())
			return false
		}
		if !typeMatches(p.Type, v) {
			err = fmt.Errorf("%w: %q must be %s", ErrInvalidArgs, p.Name, p.Type)
			return false
		}
		return true
	})
	return err
}

func typeMatches(want string, v gjson.Result) bool {
	switch want {
	case "string":
		return v.Type == gjson.String
	case "integer":
		return v.Type == gjson.Number && v.Float() == float64(v.Int())
	case "number":
		return v.Type == gjson.Number
	case "boolean":
		return v.IsBool()
	}
	return true
}
