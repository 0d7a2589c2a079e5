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
	mysqlDumpTool   = "mysqldump"
	mysqlClientTool = "mysql"
)

// MySQLStrategy shells out to mysqldump/mysql. The password travels through
// MYSQL_PWD so it never appears in the process list.
type MySQLStrategy struct {
	cfg    *config.DatastoreConfig
	logger *logging.Logger
}

func (s *MySQLStrategy) Kind() config.EngineKind {
	return config.EngineMySQL
}

func (s *MySQLStrategy) connectionArgs() []string {
	return []string{
		"--host=" + s.cfg.Host,
		"--port=" + strconv.Itoa(s.cfg.Port),
		"--user=" + s.cfg.Username,
	}
}

func (s *MySQLStrategy) env() []string {
	if s.cfg.Password == "" {
		return nil
	}
	return []string{"MYSQL_PWD=" + s.cfg.Password}
}

func (s *MySQLStrategy) exportArgs() []string {
	args := s.connectionArgs()
	args = append(args,
		"--single-transaction",
		"--routines",
		"--triggers",
		"--complete-insert",
		s.cfg.Database,
	)
	return args
}

func (s *MySQLStrategy) Export(ctx context.Context, destDir string) (*Result, error) {
	ctx, cancel := toolContext(ctx, s.cfg)
	defer cancel()

	start := time.Now()

	dumpPath := filepath.Join(destDir, archive.DatabaseDumpName)
	out, err := os.Create(dumpPath)
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("failed to create dump file %s", dumpPath), err)
	}

	_, runErr := runTool(ctx, mysqlDumpTool, s.exportArgs(), s.env(), out, nil)
	closeErr := out.Close()
	duration := time.Since(start)
	s.logger.LogDumpExecution(string(config.EngineMySQL), mysqlDumpTool, duration, runErr)

	if runErr != nil {
		os.Remove(dumpPath)
		return nil, errors.NewStorageError("mysql export failed", runErr)
	}
	if closeErr != nil {
		os.Remove(dumpPath)
		return nil, errors.NewStorageError("failed to flush mysql dump", closeErr)
	}

	return &Result{
		Engine:    config.EngineMySQL,
		DumpPath:  dumpPath,
		EntryName: archive.DatabaseDumpName,
		Size:      dumpFileSize(dumpPath),
		Tool:      mysqlDumpTool,
		Duration:  duration,
	}, nil
}

func (s *MySQLStrategy) Import(ctx context.Context, dumpPath string) (*ImportStats, error) {
	ctx, cancel := toolContext(ctx, s.cfg)
	defer cancel()

	start := time.Now()

	in, err := os.Open(dumpPath)
	if err != nil {
		return nil, errors.NewDatabaseRestoreError(fmt.Sprintf("failed to open dump %s", dumpPath), err)
	}
	defer in.Close()

	args := append(s.connectionArgs(), s.cfg.Database)
	output, runErr := runTool(ctx, mysqlClientTool, args, s.env(), nil, in)
	duration := time.Since(start)
	s.logger.LogDumpExecution(string(config.EngineMySQL), mysqlClientTool, duration, runErr)

	if runErr != nil {
		return nil, errors.NewDatabaseRestoreError("mysql import failed", runErr)
	}

	return &ImportStats{Tool: mysqlClientTool, Duration: duration, Output: output}, nil
}
