package dump

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"snapvault/internal/config"
	"snapvault/internal/errors"
	"snapvault/internal/logging"
)

// defaultTimeout bounds dump and import subprocesses when the config does
// not set one.
const defaultTimeout = time.Hour

// Result describes a completed native export.
type Result struct {
	Engine    config.EngineKind `json:"engine"`
	DumpPath  string            `json:"dump_path"`
	EntryName string            `json:"entry_name"`
	Size      int64             `json:"size"`
	Tool      string            `json:"tool"`
	Duration  time.Duration     `json:"duration"`
	// RawFileCopy is set when the export fell back to copying the datastore
	// file instead of producing a SQL dump.
	RawFileCopy bool `json:"raw_file_copy"`
}

// ImportStats describes a completed native import.
type ImportStats struct {
	Tool     string        `json:"tool"`
	Duration time.Duration `json:"duration"`
	Output   string        `json:"output"`
}

// Strategy exports and imports the datastore with its native tooling.
type Strategy interface {
	Kind() config.EngineKind
	// Export writes the dump into destDir and returns where it landed.
	Export(ctx context.Context, destDir string) (*Result, error)
	// Import replays a dump file produced by Export.
	Import(ctx context.Context, dumpPath string) (*ImportStats, error)
}

// NewStrategy selects the strategy for the configured engine.
func NewStrategy(cfg *config.DatastoreConfig, logger *logging.Logger) (Strategy, error) {
	switch cfg.Engine {
	case config.EngineSQLite:
		return &SQLiteStrategy{cfg: cfg, logger: logger}, nil
	case config.EngineMySQL:
		return &MySQLStrategy{cfg: cfg, logger: logger}, nil
	case config.EnginePostgres:
		return &PostgresStrategy{cfg: cfg, logger: logger}, nil
	default:
		return nil, errors.NewConfigurationError(fmt.Sprintf("unsupported datastore engine: %s", cfg.Engine), nil)
	}
}

// toolContext applies the configured subprocess timeout.
func toolContext(ctx context.Context, cfg *config.DatastoreConfig) (context.Context, context.CancelFunc) {
	timeout := cfg.DumpTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// runTool executes a native CLI tool, wiring stdout/stdin as given and
// capturing stderr for diagnostics. A non-zero exit fails with the captured
// stderr attached.
func runTool(ctx context.Context, name string, args []string, env []string, stdout io.Writer, stdin io.Reader) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = stdout
	cmd.Stdin = stdin

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := strings.TrimSpace(stderr.String())
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return output, errors.NewTimeoutError(fmt.Sprintf("%s timed out", name), err)
		}
		return output, fmt.Errorf("%s failed: %w (stderr: %s)", name, err, output)
	}
	return output, nil
}

func dumpFileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// copyFile is the raw-file fallback used by the sqlite strategy.
func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	n, err := io.Copy(out, in)
	if err != nil {
		return n, err
	}
	return n, out.Sync()
}
