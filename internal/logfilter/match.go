package logfilter

import "regexp"

// Marker surrounds each highlighted keyword occurrence.
type Marker struct {
	Start string
	End   string
}

var (
	// DefaultMarker renders matches in bright yellow on ANSI terminals.
	DefaultMarker = Marker{Start: "\033[93m", End: "\033[0m"}

	// NoMarker leaves matched text untouched, for output that is not a terminal.
	NoMarker = Marker{}
)

// Matcher finds literal keyword occurrences in log lines.
type Matcher struct {
	keyword string
	re      *regexp.Regexp
	marker  Marker
}

// NewMatcher compiles keyword as a literal pattern. It returns nil for an
// empty keyword, which callers treat as "no filter".
func NewMatcher(keyword string, ignoreCase bool, marker Marker) *Matcher {
	if keyword == "" {
		return nil
	}
	pattern := regexp.QuoteMeta(keyword)
	if ignoreCase {
		pattern = "(?i)" + pattern
	}
	return &Matcher{
		keyword: keyword,
		re:      regexp.MustCompile(pattern),
		marker:  marker,
	}
}

// Keyword returns the literal the matcher was built from.
func (m *Matcher) Keyword() string {
	return m.keyword
}

// Match reports whether line contains the keyword.
func (m *Matcher) Match(line string) bool {
	return m.re.MatchString(line)
}

// Highlight wraps every non-overlapping keyword occurrence in the marker.
// Lines without a match are returned unchanged.
func (m *Matcher) Highlight(line string) string {
	if m.marker == NoMarker {
		return line
	}
	return m.re.ReplaceAllStringFunc(line, func(s string) string {
		return m.marker.Start + s + m.marker.End
	})
}

// LineMatches reports whether keyword occurs in line as a literal substring.
// An empty keyword never matches.
func LineMatches(line, keyword string, ignoreCase bool) bool {
	m := NewMatcher(keyword, ignoreCase, NoMarker)
	if m == nil {
		return false
	}
	return m.Match(line)
}

// Highlight wraps every literal occurrence of keyword in line with marker.
func Highlight(line, keyword string, ignoreCase bool, marker Marker) string {
	m := NewMatcher(keyword, ignoreCase, marker)
	if m == nil {
		return line
	}
	return m.Highlight(line)
}
