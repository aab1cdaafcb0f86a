package logutil

import "strings"

// maxValueLen bounds how much of a user-supplied value ends up in a log entry.
const maxValueLen = 256

// SanitizeForLog flattens a user-supplied or remote-supplied string into a
// single log-safe line: newlines and tabs become spaces, other control
// characters (ANSI escapes included) are dropped, and the result is cut at
// maxValueLen runes.
func SanitizeForLog(s string) string {
	s = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", "\t", " ").Replace(s)

	var result strings.Builder
	result.Grow(len(s))
	n := 0
	for _, r := range s {
		if r < 32 || r == 0x7f {
			continue
		}
		if n == maxValueLen {
			result.WriteString("...")
			break
		}
		result.WriteRune(r)
		n++
	}
	return result.String()
}
