package autopilot

import (
	"strings"

	"github.com/traylinx/cloudrecovery/internal/detector"
)

// Decider proposes the next input for the live session. ok is false when
// it abstains.
type Decider interface {
	Decide(state detector.StateSnapshot, tail string) (input string, ok bool)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(state detector.StateSnapshot, tail string) (string, bool)

// Decide calls f.
func (f DeciderFunc) Decide(state detector.StateSnapshot, tail string) (string, bool) {
	return f(state, tail)
}

// WizardDecider answers the container deployment wizard conservatively:
// never with an error on screen, "Y" to yes/no confirmations, "1" (build
// and push) to the image source menu, and the default everywhere else.
type WizardDecider struct{}

// Decide implements Decider.
func (WizardDecider) Decide(state detector.StateSnapshot, tail string) (string, bool) {
	if state.Completed || state.LastError != "" || !state.WaitingForInput {
		return "", false
	}
	if strings.Contains(strings.ToLower(state.Prompt), "[y/n]") {
		return "Y", true
	}
	if strings.Contains(strings.ToLower(tail), detector.ImageSourceMarker) {
		return "1", true
	}
	return "", true
}
