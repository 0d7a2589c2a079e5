package display

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedService(quiet bool) (*Service, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewService(&Config{
		ColorEnabled: false,
		OutputFormat: FormatTable,
		ShowProgress: true,
		QuietMode:    quiet,
		Writer:       &buf,
	}), &buf
}

func TestStatusLines(t *testing.T) {
	s, buf := newBufferedService(false)

	s.Success("backup completed")
	s.Warning("scanner missing")
	s.Error("restore failed")
	s.Info("3 backups found")
	s.Detail("artifact: %s", "/data/backups/a.snapvault")

	out := buf.String()
	assert.Contains(t, out, "✓ backup completed")
	assert.Contains(t, out, "! scanner missing")
	assert.Contains(t, out, "✗ restore failed")
	assert.Contains(t, out, "3 backups found")
	assert.Contains(t, out, "  artifact: /data/backups/a.snapvault")
}

func TestQuietModeSuppressesAllButErrors(t *testing.T) {
	s, buf := newBufferedService(true)

	s.Success("hidden")
	s.Info("hidden")
	s.PhaseProgress("extracting", 50)
	s.Error("still visible")

	assert.Equal(t, "✗ still visible\n", buf.String())
}

func TestPrintTable(t *testing.T) {
	s, buf := newBufferedService(false)

	s.PrintTable(
		[]string{"ID", "STATUS"},
		[][]string{
			{"backup-20250101-000000-abcd1234", "completed"},
			{"backup-2", "failed"},
		},
	)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "ID")
	assert.Contains(t, lines[0], "STATUS")
	assert.Contains(t, lines[1], "---")
	// Columns align: STATUS starts at the same offset in every row.
	statusCol := strings.Index(lines[0], "STATUS")
	assert.Equal(t, "completed", lines[2][statusCol:statusCol+len("completed")])
}

func TestPrintJSON(t *testing.T) {
	s, buf := newBufferedService(false)

	require.NoError(t, s.PrintJSON(map[string]int{"total": 3}))
	assert.JSONEq(t, `{"total":3}`, buf.String())
}

func TestPhaseProgress(t *testing.T) {
	s, buf := newBufferedService(false)

	s.PhaseProgress("executing", 60)
	out := buf.String()
	assert.Contains(t, out, "60%")
	assert.Contains(t, out, "executing")

	buf.Reset()
	s.PhaseProgress("completed", 100)
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KB", FormatBytes(1024))
	assert.Equal(t, "1.5 MB", FormatBytes(3*1024*1024/2))
	assert.Equal(t, "2.0 GB", FormatBytes(2*1024*1024*1024))
}
