package main

import (
	"io"
	"os"

	"github.com/charmbracelet/glamour"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/rendis/flowtree/pkg/schema"
)

const defaultWrap = 100

// terminalFd returns the file descriptor of w when it is a terminal.
func terminalFd(w io.Writer) (int, bool) {
	f, ok := w.(*os.File)
	if !ok {
		return 0, false
	}
	fd := int(f.Fd())
	return fd, term.IsTerminal(fd)
}

// writeMarkdown renders md with glamour on a terminal and writes it verbatim
// anywhere else, so files and pipes get plain Markdown.
func writeMarkdown(w io.Writer, md string) error {
	fd, ok := terminalFd(w)
	if !ok {
		_, err := io.WriteString(w, md)
		return err
	}
	wrap := defaultWrap
	if width, _, err := term.GetSize(fd); err == nil && width > 0 && width < wrap {
		wrap = width
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wrap),
	)
	if err != nil {
		return err
	}
	out, err := r.Render(md)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}

// styledOutcome colors an outcome for terminals; other writers get the bare
// word.
func styledOutcome(w io.Writer, outcome schema.Outcome) string {
	out := termenv.NewOutput(w)
	color := "#2d6a2d"
	if outcome == schema.OutcomeDeadEnd {
		color = "#8b1a1a"
	}
	return out.String(string(outcome)).Foreground(out.Color(color)).Bold().String()
}
