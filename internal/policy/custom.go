package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// CustomRuleSpec is an operator rule written in the expr language, e.g.
//
//	first == "kubectl" && "delete" in tokens
type CustomRuleSpec struct {
	Name  string
	When  string
	Level RiskLevel

	// Deny rejects matching commands; otherwise the rule only sets the level.
	Deny bool
}

type ruleEnv struct {
	Command string   `expr:"command"`
	First   string   `expr:"first"`
	Tokens  []string `expr:"tokens"`
}

type compiledRule struct {
	name    string
	level   RiskLevel
	deny    bool
	program *vm.Program
}

func compileCustomRules(specs []CustomRuleSpec) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(specs))
	for _, s := range specs {
		program, err := expr.Compile(s.When, expr.Env(ruleEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("custom rule %q: %w", s.Name, err)
		}
		out = append(out, compiledRule{name: s.Name, level: s.Level, deny: s.Deny, program: program})
	}
	return out, nil
}

func (c compiledRule) eval(command string) (bool, error) {
	tokens := strings.Fields(command)
	env := ruleEnv{Command: command, Tokens: tokens}
	if len(tokens) > 0 {
		env.First = tokens[0]
	}
	out, err := expr.Run(c.program, env)
	if err != nil {
		return false, err
	}
	ok, _ := out.(bool)
	return ok, nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
