package config

import (
	"strings"
	"testing"
)

func TestMatchSecret(t *testing.T) {
	hashed, err := HashSecret("s3cret")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if !strings.HasPrefix(hashed, "$2") {
		t.Fatalf("expected bcrypt hash, got %q", hashed)
	}

	tests := []struct {
		name      string
		stored    string
		presented string
		want      bool
	}{
		{"plain match", "s3cret", "s3cret", true},
		{"plain mismatch", "s3cret", "other", false},
		{"hash match", hashed, "s3cret", true},
		{"hash mismatch", hashed, "other", false},
		{"empty stored", "", "", false},
		{"empty presented", "s3cret", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchSecret(tt.stored, tt.presented); got != tt.want {
				t.Errorf("MatchSecret() = %v, want %v", got, tt.want)
			}
		})
	}
}
