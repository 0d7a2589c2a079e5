package display

import (
	"fmt"
	"strings"
)

// progressBarWidth is the character width of the rendered bar
const progressBarWidth = 30

// PhaseProgress renders a named step with a 0-100 bar on one line, suitable
// for polling-driven updates (external restorations report progress this
// way).
func (s *Service) PhaseProgress(step string, percent int) {
	if s.cfg.QuietMode || !s.cfg.ShowProgress {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	filled := progressBarWidth * percent / 100
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", progressBarWidth-filled)
	fmt.Fprintf(s.out, "\r[%s] %3d%%  %s", bar, percent, step)
	if percent >= 100 {
		fmt.Fprintln(s.out)
	}
}

// StepDone prints a completed step line when progressive rendering is off
func (s *Service) StepDone(step string) {
	if s.cfg.QuietMode {
		return
	}
	fmt.Fprintf(s.out, "  %s %s\n", s.colors.paint(s.colors.success, "done"), step)
}
