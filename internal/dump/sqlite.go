package dump

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"snapvault/internal/archive"
	"snapvault/internal/config"
	"snapvault/internal/errors"
	"snapvault/internal/logging"
)

const sqliteTool = "sqlite3"

// SQLiteStrategy exports via the sqlite3 CLI's .dump command. When the CLI
// is not installed it falls back to copying the datastore file verbatim.
type SQLiteStrategy struct {
	cfg    *config.DatastoreConfig
	logger *logging.Logger
}

func (s *SQLiteStrategy) Kind() config.EngineKind {
	return config.EngineSQLite
}

func (s *SQLiteStrategy) Export(ctx context.Context, destDir string) (*Result, error) {
	ctx, cancel := toolContext(ctx, s.cfg)
	defer cancel()

	start := time.Now()

	if _, err := exec.LookPath(sqliteTool); err != nil {
		return s.exportRawCopy(destDir, start)
	}

	dumpPath := filepath.Join(destDir, archive.DatabaseDumpName)
	out, err := os.Create(dumpPath)
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("failed to create dump file %s", dumpPath), err)
	}

	_, runErr := runTool(ctx, sqliteTool, []string{s.cfg.Path, ".dump"}, nil, out, nil)
	closeErr := out.Close()
	duration := time.Since(start)
	s.logger.LogDumpExecution(string(config.EngineSQLite), sqliteTool, duration, runErr)

	if runErr != nil {
		os.Remove(dumpPath)
		return nil, errors.NewStorageError("sqlite export failed", runErr)
	}
	if closeErr != nil {
		os.Remove(dumpPath)
		return nil, errors.NewStorageError("failed to flush sqlite dump", closeErr)
	}

	return &Result{
		Engine:    config.EngineSQLite,
		DumpPath:  dumpPath,
		EntryName: archive.DatabaseDumpName,
		Size:      dumpFileSize(dumpPath),
		Tool:      sqliteTool,
		Duration:  duration,
	}, nil
}

// exportRawCopy copies the datastore file directly. The restore side detects
// the raw entry name and writes the file back instead of replaying SQL.
func (s *SQLiteStrategy) exportRawCopy(destDir string, start time.Time) (*Result, error) {
	dumpPath := filepath.Join(destDir, archive.DatabaseRawName)
	if _, err := copyFile(s.cfg.Path, dumpPath); err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("failed to copy datastore file %s", s.cfg.Path), err)
	}

	duration := time.Since(start)
	s.logger.LogDumpExecution(string(config.EngineSQLite), "raw-copy", duration, nil)

	return &Result{
		Engine:      config.EngineSQLite,
		DumpPath:    dumpPath,
		EntryName:   archive.DatabaseRawName,
		Size:        dumpFileSize(dumpPath),
		Tool:        "raw-copy",
		Duration:    duration,
		RawFileCopy: true,
	}, nil
}

func (s *SQLiteStrategy) Import(ctx context.Context, dumpPath string) (*ImportStats, error) {
	ctx, cancel := toolContext(ctx, s.cfg)
	defer cancel()

	start := time.Now()

	// Raw copies replace the datastore file wholesale.
	if filepath.Base(dumpPath) == archive.DatabaseRawName {
		if _, err := copyFile(dumpPath, s.cfg.Path); err != nil {
			return nil, errors.NewDatabaseRestoreError("failed to replace datastore file", err)
		}
		duration := time.Since(start)
		s.logger.LogDumpExecution(string(config.EngineSQLite), "raw-copy", duration, nil)
		return &ImportStats{Tool: "raw-copy", Duration: duration}, nil
	}

	in, err := os.Open(dumpPath)
	if err != nil {
		return nil, errors.NewDatabaseRestoreError(fmt.Sprintf("failed to open dump %s", dumpPath), err)
	}
	defer in.Close()

	output, runErr := runTool(ctx, sqliteTool, []string{s.cfg.Path}, nil, nil, in)
	duration := time.Since(start)
	s.logger.LogDumpExecution(string(config.EngineSQLite), sqliteTool, duration, runErr)

	if runErr != nil {
		return nil, errors.NewDatabaseRestoreError("sqlite import failed", runErr)
	}

	return &ImportStats{Tool: sqliteTool, Duration: duration, Output: output}, nil
}
