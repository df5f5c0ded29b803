// Package output formats CLI results: status lines, key/value details and
// tables, styled with lipgloss when writing to a terminal.
package output

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

const (
	colorAccent = "154"
	colorGray   = "245"
	colorRed    = "196"
	colorYellow = "220"
)

type styles struct {
	header  lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	label   lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{header: plain, success: plain, warning: plain, err: plain, label: plain}
	}
	return styles{
		header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorAccent)),
		success: lipgloss.NewStyle().Foreground(lipgloss.Color(colorAccent)),
		warning: lipgloss.NewStyle().Foreground(lipgloss.Color(colorYellow)),
		err:     lipgloss.NewStyle().Foreground(lipgloss.Color(colorRed)),
		label:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorGray)),
	}
}

// Writer provides formatted output for CLI.
type Writer struct {
	out      io.Writer
	useColor bool
	styles   styles
}

// New creates a Writer without color.
func New(out io.Writer) *Writer {
	return &Writer{out: out, styles: newStyles(false)}
}

// NewAuto creates a Writer that colors output when out is a terminal and
// NO_COLOR is unset.
func NewAuto(out io.Writer) *Writer {
	w := New(out)
	if IsTerminal(out) && os.Getenv("NO_COLOR") == "" {
		w.useColor = true
		w.styles = newStyles(true)
	}
	return w
}

// IsTerminal reports whether out is a file attached to a terminal.
func IsTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Status prints a status message with an icon.
// Errors from writing are intentionally ignored for console output.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Statusf prints a formatted status message with an icon.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Success prints a success message with checkmark.
func (w *Writer) Success(msg string) {
	w.Status(w.styles.success.Render("✓"), msg)
}

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) {
	w.Success(fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (w *Writer) Warning(msg string) {
	w.Status(w.styles.warning.Render("!"), msg)
}

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) {
	w.Warning(fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (w *Writer) Error(msg string) {
	w.Status(w.styles.err.Render("✗"), msg)
}

// Errorf prints a formatted error message.
func (w *Writer) Errorf(format string, args ...any) {
	w.Error(fmt.Sprintf(format, args...))
}

// Header prints a section title.
func (w *Writer) Header(title string) {
	_, _ = fmt.Fprintln(w.out, w.styles.header.Render(title))
}

// Field prints an aligned "label: value" line.
func (w *Writer) Field(label string, value any) {
	_, _ = fmt.Fprintf(w.out, "  %s %v\n", w.styles.label.Render(fmt.Sprintf("%-12s", label+":")), value)
}

// Table prints rows under headers. Nothing is printed when rows is empty.
func (w *Writer) Table(headers []string, rows [][]string) {
	if len(rows) == 0 {
		return
	}
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return w.styles.header.PaddingRight(1)
			}
			return lipgloss.NewStyle().PaddingRight(1)
		})
	_, _ = fmt.Fprintln(w.out, t.Render())
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}

