package config

import (
	"reflect"
	"testing"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("COLONY_TEST_TOKEN", "tok-123")

	got := ExpandEnv(map[string]string{
		"github_token": "${COLONY_TEST_TOKEN}",
		"MODE":         "fast",
		"MISSING":      "${COLONY_TEST_UNSET}",
	})
	want := map[string]string{
		"GITHUB_TOKEN": "tok-123",
		"MODE":         "fast",
		"MISSING":      "",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExpandEnv() = %v, want %v", got, want)
	}
}

func TestIsSecret(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"ANTHROPIC_API_KEY", true},
		{"github_token", true},
		{"DB_PASSWORD", true},
		{"CLIENT_SECRET", true},
		{"MODE", false},
		{"PATH", false},
	}
	for _, tt := range tests {
		if got := IsSecret(tt.name); got != tt.want {
			t.Errorf("IsSecret(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMaskValue(t *testing.T) {
	tests := []struct {
		value string
		want  string
	}{
		{"", "(not set)"},
		{"short", "***"},
		{"sk-ant-REDACTED", "sk-a...mnop"},
	}
	for _, tt := range tests {
		if got := MaskValue(tt.value); got != tt.want {
			t.Errorf("MaskValue(%q) = %q, want %q", tt.value, got, tt.want)
		}
	}
}

func TestDisplayEnv(t *testing.T) {
	got := DisplayEnv(map[string]string{
		"MODE":    "fast",
		"API_KEY": "sk-ant-REDACTED",
	})
	want := []string{"API_KEY=sk-a...mnop", "MODE=fast"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DisplayEnv() = %v, want %v", got, want)
	}
}
