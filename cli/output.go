package cli

import (
	"fmt"
	"io"
	"os"
)

// ANSI color codes
const (
	reset  = "\033[0m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	blue   = "\033[34m"
	cyan   = "\033[36m"
	bold   = "\033[1m"
	dim    = "\033[2m"
)

// ColorPrinter provides colored output utilities
type ColorPrinter struct {
	out      io.Writer
	errOut   io.Writer
	useColor bool
}

// NewColorPrinter creates a printer on stdout and stderr. Color is used
// only when stdout is a terminal.
func NewColorPrinter() *ColorPrinter {
	return NewPrinter(os.Stdout, os.Stderr, isTerminal())
}

// NewPrinter creates a printer on the given writers.
func NewPrinter(out, errOut io.Writer, useColor bool) *ColorPrinter {
	return &ColorPrinter{out: out, errOut: errOut, useColor: useColor}
}

func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func (p *ColorPrinter) colorize(color, text string) string {
	if !p.useColor {
		return text
	}
	return color + text + reset
}

// Println writes a plain line to stdout.
func (p *ColorPrinter) Println(text string) {
	fmt.Fprintln(p.out, text)
}

// Success prints a green success message with checkmark
func (p *ColorPrinter) Success(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(p.errOut, "%s %s\n", p.colorize(green, "✓"), msg)
}

// Error prints a red error message with X mark
func (p *ColorPrinter) Error(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(p.errOut, "%s %s\n", p.colorize(red, "✗"), msg)
}

// Warning prints a yellow warning message
func (p *ColorPrinter) Warning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(p.errOut, "%s %s\n", p.colorize(yellow, "!"), msg)
}

// Info prints a blue info message
func (p *ColorPrinter) Info(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(p.errOut, "%s %s\n", p.colorize(blue, "→"), msg)
}

// Bold returns bold text
func (p *ColorPrinter) Bold(text string) string {
	return p.colorize(bold, text)
}

// Cyan returns cyan text
func (p *ColorPrinter) Cyan(text string) string {
	return p.colorize(cyan, text)
}

// Dim returns dimmed text
func (p *ColorPrinter) Dim(text string) string {
	return p.colorize(dim, text)
}

// PrintUsage prints the top-level help.
func (p *ColorPrinter) PrintUsage(version string) {
	w := p.out
	fmt.Fprintf(w, "%s %s\n\n", p.Bold("livetrack"), p.Dim("v"+version))
	fmt.Fprintf(w, "%s\n\n", p.Bold("USAGE"))
	fmt.Fprintf(w, "    livetrack <command> [flags]\n\n")

	fmt.Fprintf(w, "%s\n\n", p.Bold("COMMANDS"))
	commands := []struct {
		cmd  string
		desc string
	}{
		{"serve", "Run the ingestion and live replay server"},
		{"token <domain-id>", "Mint a tracking token for local testing"},
		{"version", "Show livetrack version"},
		{"help", "Show this help message"},
	}
	for _, c := range commands {
		fmt.Fprintf(w, "    %-20s %s\n", p.Cyan(c.cmd), p.Dim(c.desc))
	}

	fmt.Fprintf(w, "\n%s\n\n", p.Bold("EXAMPLES"))
	fmt.Fprintf(w, "    livetrack serve --config livetrack.yaml\n")
	fmt.Fprintf(w, "    LIVETRACK_TOKEN_SECRET=... livetrack token site-1\n")
	fmt.Fprintln(w)
}
