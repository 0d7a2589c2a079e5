package confirmation

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"snapvault/internal/display"
)

// Prompt asks the operator to approve a destructive operation before it
// runs. Restores overwrite live data and deletes discard artifacts, so both
// go through here unless --yes was passed.
type Prompt struct {
	display     *display.Service
	reader      *bufio.Reader
	autoApprove bool
}

// NewPrompt creates a confirmation prompt reading from stdin
func NewPrompt(disp *display.Service, autoApprove bool) *Prompt {
	return NewPromptWithReader(disp, os.Stdin, autoApprove)
}

// NewPromptWithReader creates a prompt with a custom input source, mainly for tests
func NewPromptWithReader(disp *display.Service, in io.Reader, autoApprove bool) *Prompt {
	return &Prompt{
		display:     disp,
		reader:      bufio.NewReader(in),
		autoApprove: autoApprove,
	}
}

// Confirm describes the pending operation and waits for a yes/no answer.
// An interrupt while waiting counts as a refusal.
func (p *Prompt) Confirm(action string, details ...string) (bool, error) {
	p.display.Warning(action)
	for _, d := range details {
		p.display.Detail("%s", d)
	}

	if p.autoApprove {
		p.display.Info("Auto-approving (--yes)")
		return true, nil
	}

	interruptChan := make(chan os.Signal, 1)
	signal.Notify(interruptChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interruptChan)

	inputChan := make(chan string, 1)
	errorChan := make(chan error, 1)

	go func() {
		input, err := p.read()
		if err != nil {
			errorChan <- err
			return
		}
		inputChan <- input
	}()

	select {
	case <-interruptChan:
		p.display.Warning("Operation cancelled")
		return false, nil
	case err := <-errorChan:
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	case input := <-inputChan:
		return p.parse(input)
	}
}

func (p *Prompt) read() (string, error) {
	fmt.Fprint(os.Stderr, "Proceed? [y/N]: ")
	input, err := p.reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

func (p *Prompt) parse(input string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return true, nil
	case "n", "no", "":
		return false, nil
	default:
		fmt.Fprintf(os.Stderr, "Please answer 'y' or 'n'.\n")
		next, err := p.read()
		if err != nil {
			return false, err
		}
		return p.parse(next)
	}
}
