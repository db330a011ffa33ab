package kiln

import (
	"fmt"
	"strings"
)

// color-compatible printer interface (works with *color.Theme and *color.Style)
type colorPrinter interface {
	Sprintf(format string, a ...any) string
}

// status prints an arrow-prefixed line in the given style.
func status(p colorPrinter, format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if p == nil {
		fmt.Fprintf(console, "%s%s\n", colArrow.Sprint("-> "), msg)
		return
	}
	fmt.Fprintf(console, "%s%s\n", colArrow.Sprint("-> "), p.Sprintf("%s", msg))
}

// debugf prints debug messages when Debug is true
func debugf(format string, args ...any) {
	if Debug {
		fmt.Fprintf(console, format, args...)
	}
}

// tail returns at most the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
