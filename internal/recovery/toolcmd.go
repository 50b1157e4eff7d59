package recovery

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/traylinx/cloudrecovery/internal/policy"
)

var safeArg = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@-]*$`)

// ValidArg reports whether s is a plain identifier safe to splice into a
// tool command.
func ValidArg(s string) bool { return safeArg.MatchString(s) }

// ToolCommand renders a tool action to the shell command that performs it.
// Arguments are restricted to plain identifiers.
func ToolCommand(tool string, args map[string]string) (string, error) {
	get := func(key string) (string, error) {
		v := args[key]
		if !safeArg.MatchString(v) {
			return "", fmt.Errorf("tool %s: invalid %s %q", tool, key, v)
		}
		return v, nil
	}

	switch tool {
	case policy.ToolSystemdRestart:
		unit, err := get("unit")
		if err != nil {
			return "", err
		}
		return "systemctl restart " + unit, nil
	case policy.ToolRolloutRestart, policy.ToolRolloutUndo, policy.ToolScale:
		ns, err := get("namespace")
		if err != nil {
			return "", err
		}
		deploy, err := get("deployment")
		if err != nil {
			return "", err
		}
		switch tool {
		case policy.ToolRolloutRestart:
			return fmt.Sprintf("oc rollout restart deploy/%s -n %s", deploy, ns), nil
		case policy.ToolRolloutUndo:
			return fmt.Sprintf("oc rollout undo deploy/%s -n %s", deploy, ns), nil
		}
		replicas, err := strconv.Atoi(args["replicas"])
		if err != nil || replicas < 0 || replicas > 100 {
			return "", fmt.Errorf("tool %s: invalid replicas %q", tool, args["replicas"])
		}
		return fmt.Sprintf("oc scale deploy/%s -n %s --replicas=%d", deploy, ns, replicas), nil
	}
	return "", fmt.Errorf("unknown tool %q", tool)
}
