package logutil

import (
	"strings"
	"testing"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "my-service", "my-service"},
		{"newlines", "line1\nline2\r\nline3", "line1 line2 line3"},
		{"tabs", "a\tb", "a b"},
		{"ansi escape dropped", "\033[93mERROR\033[0m", "[93mERROR[0m"},
		{"delete dropped", "a\x7fb", "ab"},
		{"unicode kept", "ошибка", "ошибка"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeForLog(tt.in); got != tt.want {
				t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeForLog_Truncates(t *testing.T) {
	got := SanitizeForLog(strings.Repeat("x", maxValueLen+10))
	if want := strings.Repeat("x", maxValueLen) + "..."; got != want {
		t.Errorf("SanitizeForLog(long) has length %d, want %d", len(got), len(want))
	}
	exact := strings.Repeat("y", maxValueLen)
	if got := SanitizeForLog(exact); got != exact {
		t.Errorf("SanitizeForLog(exact) was modified")
	}
}
