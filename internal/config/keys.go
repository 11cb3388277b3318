package config

import (
	"os"
	"sort"
	"strings"
)

// secretMarkers flag environment variable names whose values are masked
// for display.
var secretMarkers = []string{"KEY", "TOKEN", "SECRET", "PASSWORD"}

// ExpandEnv expands ${VAR} references in agent environment values.
// References to unset variables expand to the empty string.
func ExpandEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[strings.ToUpper(k)] = os.ExpandEnv(v)
	}
	return out
}

// IsSecret reports whether an environment variable name looks like a
// credential.
func IsSecret(name string) bool {
	upper := strings.ToUpper(name)
	for _, m := range secretMarkers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}

// MaskValue returns a masked version of a secret for display.
// Shows the first 4 and last 4 characters of long values.
func MaskValue(value string) string {
	if value == "" {
		return "(not set)"
	}
	if len(value) <= 12 {
		return "***"
	}
	return value[:4] + "..." + value[len(value)-4:]
}

// DisplayEnv returns "NAME=value" lines for the agent environment, sorted
// by name, with secrets masked.
func DisplayEnv(env map[string]string) []string {
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, k := range names {
		v := env[k]
		if IsSecret(k) {
			v = MaskValue(v)
		}
		lines = append(lines, k+"="+v)
	}
	return lines
}
