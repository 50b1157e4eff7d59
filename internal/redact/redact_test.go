package redact

import (
	"strings"
	"testing"
)

func TestText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		opts Options
		want string
	}{
		{"api key env", "export OPENAI_API_KEY=sk-abc123", Options{}, "export OPENAI_API_KEY=<REDACTED>"},
		{"token colon", "token: abc.def", Options{}, "token=<REDACTED>"},
		{"password case", "PASSWORD=hunter2 next", Options{}, "PASSWORD=<REDACTED> next"},
		{"bearer", "Authorization: Bearer eyJhbGciOi.x-y_z==", Options{}, "Authorization: Bearer <REDACTED>"},
		{"plain text untouched", "Selection [1]: ", Options{}, "Selection [1]: "},
		{"dotenv off", "DB_HOST=db.internal", Options{}, "DB_HOST=db.internal"},
		{"dotenv on", "DB_HOST=db.internal\nPORT=5432", Options{DotenvValues: true}, "DB_HOST=<REDACTED>\nPORT=<REDACTED>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Text(tt.in, tt.opts); got != tt.want {
				t.Errorf("Text(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestString_NoSecretSurvives(t *testing.T) {
	in := "apikey=AAA token=BBB Bearer CCC"
	out := String(in)
	for _, secret := range []string{"AAA", "BBB", "CCC"} {
		if strings.Contains(out, secret) {
			t.Errorf("String(%q) leaked %q: %q", in, secret, out)
		}
	}
}
