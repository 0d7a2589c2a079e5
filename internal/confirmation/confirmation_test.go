package confirmation

import (
	"bytes"
	"strings"
	"testing"

	"snapvault/internal/display"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDisplay() (*display.Service, *bytes.Buffer) {
	var buf bytes.Buffer
	cfg := display.DefaultConfig()
	cfg.ColorEnabled = false
	cfg.Writer = &buf
	return display.NewService(cfg), &buf
}

func TestConfirm_Yes(t *testing.T) {
	disp, _ := testDisplay()
	p := NewPromptWithReader(disp, strings.NewReader("y\n"), false)

	ok, err := p.Confirm("Restore will overwrite live data")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConfirm_NoIsDefault(t *testing.T) {
	disp, _ := testDisplay()
	p := NewPromptWithReader(disp, strings.NewReader("\n"), false)

	ok, err := p.Confirm("Delete backup bkp_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfirm_ExplicitNo(t *testing.T) {
	disp, _ := testDisplay()
	p := NewPromptWithReader(disp, strings.NewReader("no\n"), false)

	ok, err := p.Confirm("Delete backup bkp_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfirm_RepromptsOnGarbage(t *testing.T) {
	disp, _ := testDisplay()
	p := NewPromptWithReader(disp, strings.NewReader("maybe\nyes\n"), false)

	ok, err := p.Confirm("Restore will overwrite live data")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConfirm_AutoApproveSkipsPrompt(t *testing.T) {
	disp, out := testDisplay()
	// No input available; would block without auto-approve.
	p := NewPromptWithReader(disp, strings.NewReader(""), true)

	ok, err := p.Confirm("Delete backup bkp_1", "artifact: /x/y.enc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, out.String(), "Auto-approving")
	assert.Contains(t, out.String(), "artifact: /x/y.enc")
}

func TestConfirm_DetailsAreShown(t *testing.T) {
	disp, out := testDisplay()
	p := NewPromptWithReader(disp, strings.NewReader("n\n"), false)

	_, err := p.Confirm("Restore backup bkp_1", "12 tables", "3481 records")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Restore backup bkp_1")
	assert.Contains(t, out.String(), "12 tables")
	assert.Contains(t, out.String(), "3481 records")
}
