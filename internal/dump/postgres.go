package dump

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"snapvault/internal/archive"
	"snapvault/internal/config"
	"snapvault/internal/errors"
	"snapvault/internal/logging"
)

const (
	pgDumpTool = "pg_dump"
	psqlTool   = "psql"
)

// PostgresStrategy shells out to pg_dump/psql. Dumps are produced with
// --inserts so the replay path can tokenize them statement by statement.
type PostgresStrategy struct {
	cfg    *config.DatastoreConfig
	logger *logging.Logger
}

func (s *PostgresStrategy) Kind() config.EngineKind {
	return config.EnginePostgres
}

func (s *PostgresStrategy) connectionArgs() []string {
	return []string{
		"--host=" + s.cfg.Host,
		"--port=" + strconv.Itoa(s.cfg.Port),
		"--username=" + s.cfg.Username,
		"--dbname=" + s.cfg.Database,
	}
}

func (s *PostgresStrategy) env() []string {
	if s.cfg.Password == "" {
		return nil
	}
	return []string{"PGPASSWORD=" + s.cfg.Password}
}

func (s *PostgresStrategy) exportArgs() []string {
	args := s.connectionArgs()
	args = append(args,
		"--no-owner",
		"--no-privileges",
		"--inserts",
		"--column-inserts",
	)
	return args
}

func (s *PostgresStrategy) Export(ctx context.Context, destDir string) (*Result, error) {
	ctx, cancel := toolContext(ctx, s.cfg)
	defer cancel()

	start := time.Now()

	dumpPath := filepath.Join(destDir, archive.DatabaseDumpName)
	out, err := os.Create(dumpPath)
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("failed to create dump file %s", dumpPath), err)
	}

	_, runErr := runTool(ctx, pgDumpTool, s.exportArgs(), s.env(), out, nil)
	closeErr := out.Close()
	duration := time.Since(start)
	s.logger.LogDumpExecution(string(config.EnginePostgres), pgDumpTool, duration, runErr)

	if runErr != nil {
		os.Remove(dumpPath)
		return nil, errors.NewStorageError("postgres export failed", runErr)
	}
	if closeErr != nil {
		os.Remove(dumpPath)
		return nil, errors.NewStorageError("failed to flush postgres dump", closeErr)
	}

	return &Result{
		Engine:    config.EnginePostgres,
		DumpPath:  dumpPath,
		EntryName: archive.DatabaseDumpName,
		Size:      dumpFileSize(dumpPath),
		Tool:      pgDumpTool,
		Duration:  duration,
	}, nil
}

func (s *PostgresStrategy) Import(ctx context.Context, dumpPath string) (*ImportStats, error) {
	ctx, cancel := toolContext(ctx, s.cfg)
	defer cancel()

	start := time.Now()

	args := append(s.connectionArgs(),
		"--set", "ON_ERROR_STOP=1",
		"--file", dumpPath,
	)
	output, runErr := runTool(ctx, psqlTool, args, s.env(), nil, nil)
	duration := time.Since(start)
	s.logger.LogDumpExecution(string(config.EnginePostgres), psqlTool, duration, runErr)

	if runErr != nil {
		return nil, errors.NewDatabaseRestoreError("postgres import failed", runErr)
	}

	return &ImportStats{Tool: psqlTool, Duration: duration, Output: output}, nil
}
