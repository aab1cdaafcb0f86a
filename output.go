package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/gluk-w/dlog/internal/config"
)

var (
	yellow = lipgloss.Color("11")
	red    = lipgloss.Color("9")
)

// colorEnabled resolves --color for w. auto colors terminals only and
// honours NO_COLOR.
func colorEnabled(mode string, w io.Writer) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// renderer returns a lipgloss renderer for w that colors exactly when color
// is set, whatever lipgloss would detect on its own.
func renderer(w io.Writer, color bool) *lipgloss.Renderer {
	r := lipgloss.NewRenderer(w)
	if color {
		r.SetColorProfile(termenv.ANSI)
	} else {
		r.SetColorProfile(termenv.Ascii)
	}
	return r
}

func banner(color bool, service, host string) string {
	hl := renderer(io.Discard, color).NewStyle().Foreground(yellow)
	return fmt.Sprintf("--- Streaming logs for service: %s on host: %s ---", hl.Render(service), hl.Render(host))
}

// printError reports a command failure on w. A missing target also prints
// how to configure one.
func printError(w io.Writer, color bool, err error) {
	style := renderer(w, color).NewStyle().Foreground(red)
	var se *streamError
	if errors.As(err, &se) {
		fmt.Fprintln(w, se.Error())
		return
	}
	fmt.Fprintln(w, style.Render("Error: "+err.Error()))
	if errors.Is(err, config.ErrNoTarget) {
		fmt.Fprintln(w, "Please provide it as the first argument, or set a default in the config file.")
		fmt.Fprintln(w, "Example CLI: dlog user@host my-service ERROR")
		fmt.Fprintln(w, "Example config (~/.config/dlog/config.toml):\n[default]\ntarget = \"user@host\"")
	}
}
