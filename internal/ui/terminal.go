package ui

import (
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether stdout is attached to a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ShouldUseColor decides whether styled output is appropriate.
// Precedence follows the informal CLI conventions: NO_COLOR always
// wins, CLICOLOR_FORCE=1 forces color even when piped, CLICOLOR=0
// disables it, and otherwise color tracks TTY detection.
func ShouldUseColor() bool {
	if _, set := os.LookupEnv("NO_COLOR"); set {
		return false
	}
	if os.Getenv("CLICOLOR_FORCE") == "1" {
		return true
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	return IsTerminal()
}

// ShouldUseEmoji reports whether status icons may use emoji glyphs.
// TALLY_NO_EMOJI opts out; otherwise emoji follows TTY detection.
func ShouldUseEmoji() bool {
	if os.Getenv("TALLY_NO_EMOJI") != "" {
		return false
	}
	return IsTerminal()
}
