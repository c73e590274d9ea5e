// Package output provides CLI output formatting: styled for interactive
// terminals, plain for pipes and CI.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Color palette.
const (
	colorAccent = "75"  // blue accent for headings and scores
	colorGray   = "245" // secondary text
	colorRed    = "196" // errors
	colorYellow = "220" // warnings
	colorGreen  = "78"  // success
)

// Styles holds the render styles for one writer.
type Styles struct {
	Heading lipgloss.Style
	Accent  lipgloss.Style
	Dim     lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}

func styledStyles() Styles {
	return Styles{
		Heading: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorAccent)),
		Accent:  lipgloss.NewStyle().Foreground(lipgloss.Color(colorAccent)),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color(colorGray)),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color(colorGreen)),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color(colorYellow)),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorRed)),
	}
}

func plainStyles() Styles {
	return Styles{
		Heading: lipgloss.NewStyle(),
		Accent:  lipgloss.NewStyle(),
		Dim:     lipgloss.NewStyle(),
		Success: lipgloss.NewStyle(),
		Warning: lipgloss.NewStyle(),
		Error:   lipgloss.NewStyle(),
	}
}

// Writer provides formatted output for the CLI.
type Writer struct {
	out    io.Writer
	styles Styles
}

// New creates a Writer. Styling is enabled only for interactive terminals
// without NO_COLOR set.
func New(out io.Writer) *Writer {
	if useColor(out) {
		return &Writer{out: out, styles: styledStyles()}
	}
	return &Writer{out: out, styles: plainStyles()}
}

// NewPlain creates a Writer with styling off regardless of terminal.
func NewPlain(out io.Writer) *Writer {
	return &Writer{out: out, styles: plainStyles()}
}

func useColor(w io.Writer) bool {
	if _, noColor := os.LookupEnv("NO_COLOR"); noColor {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Heading prints a bold section heading.
func (w *Writer) Heading(format string, args ...any) {
	_, _ = fmt.Fprintln(w.out, w.styles.Heading.Render(fmt.Sprintf(format, args...)))
}

// Line prints an unstyled line.
func (w *Writer) Line(format string, args ...any) {
	_, _ = fmt.Fprintf(w.out, format+"\n", args...)
}

// Dim prints secondary text.
func (w *Writer) Dim(format string, args ...any) {
	_, _ = fmt.Fprintln(w.out, w.styles.Dim.Render(fmt.Sprintf(format, args...)))
}

// Success prints a success line.
func (w *Writer) Success(format string, args ...any) {
	_, _ = fmt.Fprintln(w.out, w.styles.Success.Render("✓ "+fmt.Sprintf(format, args...)))
}

// Warning prints a warning line.
func (w *Writer) Warning(format string, args ...any) {
	_, _ = fmt.Fprintln(w.out, w.styles.Warning.Render("! "+fmt.Sprintf(format, args...)))
}

// Error prints an error line.
func (w *Writer) Error(format string, args ...any) {
	_, _ = fmt.Fprintln(w.out, w.styles.Error.Render("✗ "+fmt.Sprintf(format, args...)))
}

// Result prints one search hit: rank, location, score, then a snippet.
func (w *Writer) Result(rank int, location string, score float64, snippet string) {
	_, _ = fmt.Fprintf(w.out, "%2d. %s %s\n",
		rank,
		w.styles.Accent.Render(location),
		w.styles.Dim.Render(fmt.Sprintf("(%.3f)", score)),
	)
	if snippet != "" {
		_, _ = fmt.Fprintf(w.out, "    %s\n", w.styles.Dim.Render(snippet))
	}
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}

// Progress prints an in-place progress bar.
func (w *Writer) Progress(current, total int, msg string) {
	if total <= 0 {
		return
	}
	pct := float64(current) / float64(total) * 100
	bar := renderBar(current, total, 30)
	_, _ = fmt.Fprintf(w.out, "\r[%s] %3.0f%% %s", bar, pct, msg)
	if current >= total {
		_, _ = fmt.Fprintln(w.out)
	}
}

func renderBar(current, total, width int) string {
	filled := int(float64(current) / float64(total) * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
