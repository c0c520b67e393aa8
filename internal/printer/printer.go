// Package printer formats user-facing CLI output. Log lines go through the
// standard logger; everything a human operator is meant to read goes here.
package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	// Out and ErrOut are the destinations for normal and error output.
	Out    io.Writer = os.Stdout
	ErrOut io.Writer = os.Stderr

	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// Success prints a success message in green with a checkmark prefix
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(Out, msg)
}

// Info prints an informational message in the default color
func Info(format string, a ...any) {
	fmt.Fprintf(Out, format, a...)
}

// Warning prints a warning message in yellow with a warning prefix
func Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(Out, msg)
}

// Step prints a step message with emphasis (used in multi-step operations)
func Step(format string, a ...any) {
	cyan.Fprintf(Out, "→ %s", fmt.Sprintf(format, a...))
}

// Faint prints de-emphasised text, such as timestamps in a stream
func Faint(format string, a ...any) {
	faint.Fprintf(Out, format, a...)
}

// Println prints a plain message (for output that doesn't need coloring)
func Println(a ...any) {
	fmt.Fprintln(Out, a...)
}

// Printf prints a plain formatted message (for output that doesn't need coloring)
func Printf(format string, a ...any) {
	fmt.Fprintf(Out, format, a...)
}

// Error creates a formatted error message with title, explanation, and suggestions.
// Prints to ErrOut and returns a simple error for Cobra.
func Error(title string, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext creates a formatted error with context details.
// Context keys are printed in sorted order.
// Prints to ErrOut and returns a simple error for Cobra.
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	red.Fprintf(ErrOut, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(ErrOut, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintf(ErrOut, "\n")
		for _, k := range keys {
			fmt.Fprintf(ErrOut, "  %s: %s\n", k, context[k])
		}
	}

	printSuggestions(suggestions)

	// Return simple error for Cobra (won't be printed due to SilenceErrors)
	return fmt.Errorf("%s", title)
}

func printSuggestions(suggestions []string) {
	if len(suggestions) == 0 {
		return
	}
	fmt.Fprintf(ErrOut, "\n")
	if len(suggestions) == 1 {
		fmt.Fprintf(ErrOut, "%s\n", suggestions[0])
		return
	}
	fmt.Fprintf(ErrOut, "Either:\n")
	for i, suggestion := range suggestions {
		fmt.Fprintf(ErrOut, "  %d. %s\n", i+1, suggestion)
	}
}

// Conflict describes another active conductor found on the network.
type Conflict struct {
	LocalID  string
	PeerID   string
	PeerAddr string
	Reason   string
}

// ConflictReport prints why this conductor refuses to run and returns an
// error for Cobra.
func ConflictReport(c Conflict) error {
	return ErrorWithContext(
		"Another conductor is already active on this network",
		"Only one conductor may transmit frame numbers on a broadcast domain. "+c.Reason+".",
		map[string]string{
			"Peer instance":  c.PeerID,
			"Peer address":   c.PeerAddr,
			"Local instance": c.LocalID,
		},
		[]string{
			fmt.Sprintf("Stop the conductor running at %s", hostOf(c.PeerAddr)),
			"Run with --no-singleton if several local instances are intended (testing only)",
		},
	)
}

func hostOf(addr string) string {
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}
