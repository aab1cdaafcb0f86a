// Package logfilter reassembles multi-line log entries from a raw line feed and
// filters them by keyword, highlighting every match.
//
// A log entry starts with a header line, recognised by a leading
// YYYY-MM-DD date token, and owns every continuation line (stack frames,
// wrapped output) up to the next header. Entries are emitted or dropped as a
// unit: once any line of an entry contains the keyword, the entry is a match
// and all of its lines are written, the header included.
//
// # Components
//
//   - [IsHeader] classifies a single line.
//   - [Matcher] tests lines for the keyword and wraps occurrences in a
//     [Marker]. The keyword is always a literal; it is quoted before being
//     compiled as a regular expression.
//   - [Engine] is the Idle/Pending state machine. It holds at most one
//     pending entry, so memory use does not depend on log volume.
//   - [Run] drives an Engine from an io.Reader, the way log streams arrive
//     from the orchestrator backends.
//
// # Pass-through
//
// An empty keyword is not an error. It switches the engine to pass-through
// mode: every line is written exactly as received and the entry machinery is
// bypassed.
//
// # Flushing
//
// A matched header is held until the engine knows what follows it. The
// pending entry is settled when the next header arrives or when
// [Engine.Close] runs. Run calls Close on every exit path, including context
// cancellation, so a match buffered when the user hits Ctrl+C is still
// printed. A process killed without running Close loses that last header.
//
// # Usage
//
//	eng := logfilter.New(os.Stdout, logfilter.Options{
//		Keyword:    "ERROR",
//		IgnoreCase: true,
//		Marker:     logfilter.DefaultMarker,
//	})
//	if err := logfilter.Run(ctx, stream, eng); err != nil {
//		return err
//	}
package logfilter
