package display

import (
	"io"
	"os"
)

// OutputFormat selects how command results are rendered
type OutputFormat string

const (
	FormatTable   OutputFormat = "table"
	FormatJSON    OutputFormat = "json"
	FormatCompact OutputFormat = "compact"
)

// Config holds the visual display options
type Config struct {
	ColorEnabled bool         `mapstructure:"color_enabled" yaml:"color_enabled"`
	OutputFormat OutputFormat `mapstructure:"output_format" yaml:"output_format"`
	ShowProgress bool         `mapstructure:"show_progress" yaml:"show_progress"`
	QuietMode    bool         `mapstructure:"quiet" yaml:"quiet"`

	// Writer overrides stdout, mainly for tests
	Writer io.Writer `mapstructure:"-" yaml:"-"`
}

// DefaultConfig returns the standard terminal configuration
func DefaultConfig() *Config {
	return &Config{
		ColorEnabled: true,
		OutputFormat: FormatTable,
		ShowProgress: true,
		Writer:       os.Stdout,
	}
}

// Valid reports whether the output format is known
func (f OutputFormat) Valid() bool {
	switch f {
	case FormatTable, FormatJSON, FormatCompact:
		return true
	default:
		return false
	}
}
