package display

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Service renders command output: status lines, record tables, JSON payloads
// and phase progress. All output goes through one writer so commands stay
// scriptable.
type Service struct {
	cfg    *Config
	colors *colorSystem
	out    io.Writer
}

// NewService creates a display service from the configuration
func NewService(cfg *Config) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Writer
	if out == nil {
		out = os.Stdout
	}
	return &Service{
		cfg:    cfg,
		colors: newColorSystem(cfg.ColorEnabled),
		out:    out,
	}
}

// Format reports the configured output format
func (s *Service) Format() OutputFormat {
	return s.cfg.OutputFormat
}

// Success prints a green status line
func (s *Service) Success(message string) {
	if s.cfg.QuietMode {
		return
	}
	fmt.Fprintln(s.out, s.colors.paint(s.colors.success, "✓ "+message))
}

// Warning prints a yellow status line
func (s *Service) Warning(message string) {
	if s.cfg.QuietMode {
		return
	}
	fmt.Fprintln(s.out, s.colors.paint(s.colors.warning, "! "+message))
}

// Error prints a red status line. Errors print even in quiet mode.
func (s *Service) Error(message string) {
	fmt.Fprintln(s.out, s.colors.paint(s.colors.failure, "✗ "+message))
}

// Info prints a neutral status line
func (s *Service) Info(message string) {
	if s.cfg.QuietMode {
		return
	}
	fmt.Fprintln(s.out, s.colors.paint(s.colors.info, message))
}

// Detail prints an indented, muted detail line under a status line
func (s *Service) Detail(format string, args ...interface{}) {
	if s.cfg.QuietMode {
		return
	}
	fmt.Fprintln(s.out, s.colors.paint(s.colors.muted, "  "+fmt.Sprintf(format, args...)))
}

// PrintJSON renders a value as indented JSON
func (s *Service) PrintJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, string(data))
	return nil
}

// PrintTable renders rows with left-aligned columns sized to content
func (s *Service) PrintTable(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	s.printRow(headers, widths)
	separators := make([]string, len(headers))
	for i := range headers {
		separators[i] = strings.Repeat("-", widths[i])
	}
	s.printRow(separators, widths)
	for _, row := range rows {
		s.printRow(row, widths)
	}
}

func (s *Service) printRow(cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}
	fmt.Fprintln(s.out, strings.TrimRight(strings.Join(parts, "  "), " "))
}

// FormatBytes renders a byte count in human units
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
