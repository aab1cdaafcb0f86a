package logfilter

import (
	"fmt"
	"io"
)

// Options configure an Engine.
type Options struct {
	// Keyword selects the entries to emit. Empty means pass-through.
	Keyword    string
	IgnoreCase bool
	// Marker wraps keyword occurrences in emitted lines.
	Marker Marker
	// MaxHeldLines caps the continuation lines held for an entry that has
	// not matched yet. Zero means DefaultMaxHeldLines.
	MaxHeldLines int
}

// DefaultMaxHeldLines bounds the lines held back for one unmatched entry.
const DefaultMaxHeldLines = 1000

// Stats counts what an Engine has seen and written.
type Stats struct {
	LinesIn        int
	LinesOut       int
	EntriesMatched int
	// LinesDropped counts continuation lines of a held entry that did not
	// fit under MaxHeldLines.
	LinesDropped int
}

// pendingEntry is the single entry an Engine may hold back. header is only
// meaningful while buffered is true; it is cleared on first flush so a header
// is never written twice. held collects continuation lines seen before the
// entry matched and is always empty once matched is set.
type pendingEntry struct {
	header   string
	buffered bool
	matched  bool
	held     []string
}

// Engine is the Idle/Pending state machine that groups lines into entries.
// A nil pending entry is the Idle state. Engine is not safe for concurrent
// use; feed it from one goroutine.
type Engine struct {
	w       io.Writer
	matcher *Matcher
	pending *pendingEntry
	maxHeld int
	closed  bool
	stats   Stats
}

// New returns an Engine writing emitted lines to w.
func New(w io.Writer, opts Options) *Engine {
	maxHeld := opts.MaxHeldLines
	if maxHeld <= 0 {
		maxHeld = DefaultMaxHeldLines
	}
	return &Engine{
		w:       w,
		matcher: NewMatcher(opts.Keyword, opts.IgnoreCase, opts.Marker),
		maxHeld: maxHeld,
	}
}

// PassThrough reports whether the engine copies lines without filtering.
func (e *Engine) PassThrough() bool {
	return e.matcher == nil
}

// Pending reports whether an entry is currently held back.
func (e *Engine) Pending() bool {
	return e.pending != nil
}

// Stats returns counters for the lines processed so far.
func (e *Engine) Stats() Stats {
	return e.stats
}

// Feed processes one raw line, terminator included.
func (e *Engine) Feed(line string) error {
	if e.closed {
		return fmt.Errorf("feed after close")
	}
	e.stats.LinesIn++

	if e.matcher == nil {
		return e.write(line)
	}

	if IsHeader(line) {
		if err := e.flush(); err != nil {
			return err
		}
		matched := e.matcher.Match(line)
		if matched {
			e.stats.EntriesMatched++
		}
		e.pending = &pendingEntry{header: line, buffered: true, matched: matched}
		return nil
	}

	cur := e.matcher.Match(line)

	if e.pending == nil {
		// A continuation with no header before it stands alone.
		if !cur {
			return nil
		}
		e.stats.EntriesMatched++
		return e.write(e.matcher.Highlight(line))
	}

	if !e.pending.matched && !cur {
		e.hold(line)
		return nil
	}
	if !e.pending.matched {
		e.stats.EntriesMatched++
	}
	e.pending.matched = true
	if err := e.release(); err != nil {
		return err
	}
	return e.write(e.matcher.Highlight(line))
}

// hold keeps an unmatched continuation line in case a later line of the same
// entry matches.
func (e *Engine) hold(line string) {
	if len(e.pending.held) >= e.maxHeld {
		e.stats.LinesDropped++
		return
	}
	e.pending.held = append(e.pending.held, line)
}

// Close settles the pending entry, writing its header if it matched and has
// not been written yet. Calling Close more than once is a no-op.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.flush()
}

// flush closes the pending entry and returns the engine to Idle.
func (e *Engine) flush() error {
	if e.pending == nil {
		return nil
	}
	var err error
	if e.pending.matched {
		err = e.release()
	}
	e.pending = nil
	return err
}

// release writes whatever the pending entry still holds: the header, once,
// then any continuation lines kept before the entry matched.
func (e *Engine) release() error {
	p := e.pending
	if p.buffered {
		header := p.header
		p.header = ""
		p.buffered = false
		if err := e.write(e.matcher.Highlight(header)); err != nil {
			return err
		}
	}
	held := p.held
	p.held = nil
	for _, line := range held {
		if err := e.write(e.matcher.Highlight(line)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) write(line string) error {
	if _, err := io.WriteString(e.w, line); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	e.stats.LinesOut++
	return nil
}
