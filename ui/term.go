package ui

import (
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// TerminalWidth returns the width of the terminal behind f, or fallback.
func TerminalWidth(f *os.File, fallback int) int {
	if !IsTerminal(f) {
		return fallback
	}
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

// UseDashboard decides between the interactive dashboard and console lines.
func UseDashboard(disabled bool) bool {
	return !disabled && IsTerminal(os.Stdout) && IsTerminal(os.Stdin) && os.Getenv("TERM") != "dumb"
}
