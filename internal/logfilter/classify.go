package logfilter

// headerPrefix is the shape of the date token that opens a log entry.
const headerPrefix = "DDDD-DD-DD"

// IsHeader reports whether line starts a new log entry, that is whether it
// begins with a YYYY-MM-DD date token. Dates are not validated.
func IsHeader(line string) bool {
	if len(line) < len(headerPrefix) {
		return false
	}
	for i := 0; i < len(headerPrefix); i++ {
		c := line[i]
		if headerPrefix[i] == '-' {
			if c != '-' {
				return false
			}
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
