package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var headingStyle = lipgloss.NewStyle().Bold(true)

// styledOut reports whether stdout is a terminal worth styling.
func styledOut() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// heading renders a standalone heading, bold on a terminal.
func heading(s string) string {
	if styledOut() {
		return headingStyle.Render(s)
	}
	return s
}

// renderTable prints rows with the first row as header. Cells never carry
// styling: escape codes would break tabwriter's width accounting.
func renderTable(out io.Writer, rows [][]string) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}

// clipText bounds a cell to max runes with an ellipsis.
func clipText(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
