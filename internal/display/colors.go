package display

import (
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// colorSystem applies status colors with terminal capability detection
type colorSystem struct {
	enabled bool
	profile termenv.Profile

	success *color.Color
	warning *color.Color
	failure *color.Color
	info    *color.Color
	muted   *color.Color
}

func newColorSystem(enabled bool) *colorSystem {
	cs := &colorSystem{
		enabled: enabled && detectColorSupport(),
		profile: termenv.ColorProfile(),
		success: color.New(color.FgGreen),
		warning: color.New(color.FgYellow),
		failure: color.New(color.FgRed, color.Bold),
		info:    color.New(color.FgCyan),
		muted:   color.New(color.Faint),
	}
	return cs
}

// detectColorSupport checks whether stdout is a color-capable terminal
func detectColorSupport() bool {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return false
	}
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return true
}

func (cs *colorSystem) paint(c *color.Color, text string) string {
	if !cs.enabled {
		return text
	}
	return c.Sprint(text)
}
