package external

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapvault/internal/config"
	"snapvault/internal/errors"
	"snapvault/internal/ledger"
	"snapvault/internal/logging"
	"snapvault/internal/restore"
	"snapvault/internal/security"
)

func quietLogger() *logging.Logger {
	logger := logging.NewDefaultLogger()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Datastore.Engine = config.EngineSQLite
	cfg.Datastore.Path = filepath.Join(t.TempDir(), "app.db")
	cfg.Storage.Root = t.TempDir()
	cfg.Encryption.InstallationSecret = "test-secret"
	cfg.SetDefaults()
	return cfg
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, *config.Config) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := testConfig(t)
	logger := quietLogger()
	repo := ledger.NewRepository(db, "sqlite")
	validator := security.NewValidator(cfg.Security, logger)
	engine := restore.NewEngine(cfg, db, repo, nil, nil, logger)

	return NewService(cfg, db, repo, validator, engine, logger), mock, cfg
}

func TestFilter_ProtectedTablesNeverPass(t *testing.T) {
	filter := NewFilter(config.EngineSQLite, ledger.MergeStrategyMerge, []string{"notes"}, quietLogger())

	statements := []string{
		"INSERT INTO backup_records VALUES ('forged')",
		"UPDATE users SET role = 'admin'",
		"DROP TABLE sessions",
		"DELETE FROM sys_settings",
		"ALTER TABLE auth_tokens ADD COLUMN x INT",
		"TRUNCATE TABLE user_permissions",
		"INSERT INTO notes (id, body) VALUES (1, 'fine')",
	}

	result := filter.Apply(statements)

	require.Len(t, result.Allowed, 1)
	assert.Equal(t, 6, result.Dropped)
	assert.Len(t, result.PreservedTables, 6)
	assert.Contains(t, result.Allowed[0], "notes")
}

func TestFilter_BusinessTableUpsertRewrite(t *testing.T) {
	filter := NewFilter(config.EngineSQLite, ledger.MergeStrategyMerge, []string{"notes"}, quietLogger())

	result := filter.Apply([]string{"INSERT INTO notes (id, body) VALUES (1, 'hello')"})

	require.Len(t, result.Allowed, 1)
	assert.Equal(t, "INSERT OR REPLACE INTO notes (id, body) VALUES (1, 'hello')", result.Allowed[0])
	assert.Equal(t, 1, result.ConflictsResolved)
}

func TestFilter_UnknownTableLosesExplicitKeys(t *testing.T) {
	filter := NewFilter(config.EngineSQLite, ledger.MergeStrategyPreserveSystem, nil, quietLogger())

	result := filter.Apply([]string{"INSERT INTO imported (id, name) VALUES (7, 'x')"})

	require.Len(t, result.Allowed, 1)
	assert.Equal(t, "INSERT INTO imported (name) VALUES ('x')", result.Allowed[0])
	assert.Equal(t, 1, result.KeysStripped)
}

func TestFilter_ProtectedBusinessNameStaysProtected(t *testing.T) {
	// Even if the live schema lists a protected name, it must not become
	// a business table.
	filter := NewFilter(config.EngineSQLite, ledger.MergeStrategyMerge, []string{"users", "notes"}, quietLogger())

	result := filter.Apply([]string{"INSERT INTO users (name) VALUES ('eve')"})
	assert.Empty(t, result.Allowed)
	assert.Equal(t, 1, result.Dropped)
}

func TestFilter_DropsStatementsWithoutTargetTable(t *testing.T) {
	// Trigger and view bodies can write to protected tables while the outer
	// statement names none, so anything without a determinable target must
	// never reach the datastore.
	filter := NewFilter(config.EngineSQLite, ledger.MergeStrategyMerge, []string{"notes"}, quietLogger())

	statements := []string{
		"CREATE TRIGGER sneaky AFTER INSERT ON notes BEGIN INSERT INTO backup_records VALUES ('forged'); END",
		"CREATE VIEW v AS SELECT * FROM users",
		"SET sql_mode = ''",
		"INSERT INTO notes (id, body) VALUES (1, 'fine')",
	}

	result := filter.Apply(statements)

	require.Len(t, result.Allowed, 1)
	assert.Contains(t, result.Allowed[0], "notes")
	assert.Equal(t, 3, result.Dropped)
	assert.Empty(t, result.PreservedTables)
}

func TestUpsertRewrite(t *testing.T) {
	stmt := "INSERT INTO notes (id) VALUES (1)"

	sqlite, ok := upsertRewrite(stmt, config.EngineSQLite)
	require.True(t, ok)
	assert.Equal(t, "INSERT OR REPLACE INTO notes (id) VALUES (1)", sqlite)

	mysql, ok := upsertRewrite(stmt, config.EngineMySQL)
	require.True(t, ok)
	assert.Equal(t, "REPLACE INTO notes (id) VALUES (1)", mysql)

	postgres, ok := upsertRewrite(stmt, config.EnginePostgres)
	require.True(t, ok)
	assert.Equal(t, stmt+" ON CONFLICT DO NOTHING", postgres)

	_, ok = upsertRewrite("UPDATE notes SET body = 'x'", config.EngineSQLite)
	assert.False(t, ok)
}

func TestStripPrimaryKey(t *testing.T) {
	t.Run("single tuple", func(t *testing.T) {
		out, ok := stripPrimaryKey("INSERT INTO t (id, name, age) VALUES (1, 'bob', 30)")
		require.True(t, ok)
		assert.Equal(t, "INSERT INTO t (name, age) VALUES ('bob', 30)", out)
	})

	t.Run("multiple tuples", func(t *testing.T) {
		out, ok := stripPrimaryKey("INSERT INTO t (id, name) VALUES (1, 'a'), (2, 'b')")
		require.True(t, ok)
		assert.Equal(t, "INSERT INTO t (name) VALUES ('a'), ('b')", out)
	})

	t.Run("quoted values with commas and parens", func(t *testing.T) {
		out, ok := stripPrimaryKey(`INSERT INTO t (id, body) VALUES (9, 'a, (b) c''d')`)
		require.True(t, ok)
		assert.Equal(t, `INSERT INTO t (body) VALUES ('a, (b) c''d')`, out)
	})

	t.Run("no id column", func(t *testing.T) {
		_, ok := stripPrimaryKey("INSERT INTO t (name) VALUES ('a')")
		assert.False(t, ok)
	})

	t.Run("positional insert untouched", func(t *testing.T) {
		_, ok := stripPrimaryKey("INSERT INTO t VALUES (1, 'a')")
		assert.False(t, ok)
	})
}

func TestRestoreExternal_RejectsReplaceStrategy(t *testing.T) {
	service, mock, _ := newTestService(t)

	_, err := service.RestoreExternal(context.Background(), "upload-1", "admin", ledger.MergeStrategyReplace)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindSecurity))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func uploadCols() []string {
	return []string{"id", "label", "file_path", "file_size", "checksum", "detected_type",
		"source_system", "status", "validation_report", "created_by", "created_at"}
}

func externalCols() []string {
	return []string{"id", "upload_id", "merge_strategy", "status", "progress", "current_step",
		"tables_processed", "records_processed", "files_processed", "tables_preserved",
		"conflicts_resolved", "rollback_info", "started_at", "completed_at", "error", "created_by"}
}

func expectAdvance(mock sqlmock.Sqlmock, currentStatus string) {
	mock.ExpectQuery("SELECT id, upload_id, merge_strategy").
		WillReturnRows(sqlmock.NewRows(externalCols()).
			AddRow("ext-1", "upload-1", "merge", currentStatus, 0, "", 0, 0, 0, 0, 0, "",
				time.Now(), nil, "", "admin"))
	mock.ExpectExec("UPDATE external_restorations SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestRestoreExternal_FullRun(t *testing.T) {
	service, mock, cfg := newTestService(t)

	dump := `INSERT INTO backup_records VALUES ('forged');
INSERT INTO users (id, name) VALUES (1, 'eve');
INSERT INTO sys_settings VALUES (1);
INSERT INTO notes (id, body) VALUES (1, 'hello');
INSERT INTO imported (id, name) VALUES (5, 'x');
`
	dumpPath := filepath.Join(cfg.Storage.UploadsDir, "upload-1.sql")
	require.NoError(t, os.MkdirAll(cfg.Storage.UploadsDir, 0750))
	require.NoError(t, os.WriteFile(dumpPath, []byte(dump), 0600))

	mock.ExpectQuery("SELECT id, label, file_path").
		WithArgs("upload-1").
		WillReturnRows(sqlmock.NewRows(uploadCols()).
			AddRow("upload-1", "customer export", dumpPath, int64(len(dump)), "abc",
				"sql/plain", "mysql", "ready", "{}", "admin", time.Now()))
	mock.ExpectExec("INSERT INTO external_restorations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	expectAdvance(mock, "pending")    // extracting
	expectAdvance(mock, "extracting") // analyzing

	mock.ExpectQuery("SELECT name FROM sqlite_master").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("notes").AddRow("users"))

	expectAdvance(mock, "analyzing") // executing

	mock.ExpectExec(regexp.QuoteMeta("PRAGMA foreign_keys = OFF")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT OR REPLACE INTO notes (id, body) VALUES (1, 'hello')")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO imported (name) VALUES ('x')")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("PRAGMA foreign_key_check")).
		WillReturnRows(sqlmock.NewRows([]string{"table", "rowid", "parent", "fkid"}))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("PRAGMA foreign_keys = ON")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// finalizing, then completed
	mock.ExpectExec("UPDATE external_restorations SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE external_restorations SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := service.RestoreExternal(context.Background(), "upload-1", "admin", ledger.MergeStrategyMerge)
	require.NoError(t, err)

	assert.Equal(t, ledger.ExternalStatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, 3, rec.TablesPreserved)
	assert.Equal(t, 2, rec.TablesProcessed)
	assert.Equal(t, 1, rec.ConflictsResolved)
	assert.Equal(t, 2, rec.RecordsProcessed)
	assert.Contains(t, rec.RollbackInfo, `"statements_dropped":3`)
	require.NotNil(t, rec.CompletedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRestoreExternal_RefusesNonReadyUpload(t *testing.T) {
	service, mock, _ := newTestService(t)

	mock.ExpectQuery("SELECT id, label, file_path").
		WithArgs("upload-1").
		WillReturnRows(sqlmock.NewRows(uploadCols()).
			AddRow("upload-1", "bad", "/tmp/x.sql", int64(10), "abc",
				"sql/plain", "", "failed_validation", "{}", "admin", time.Now()))

	_, err := service.RestoreExternal(context.Background(), "upload-1", "admin", ledger.MergeStrategyMerge)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only ready uploads")
}

func TestRestoreExternal_HonorsCancellation(t *testing.T) {
	service, mock, cfg := newTestService(t)

	dumpPath := filepath.Join(cfg.Storage.UploadsDir, "upload-1.sql")
	require.NoError(t, os.MkdirAll(cfg.Storage.UploadsDir, 0750))
	require.NoError(t, os.WriteFile(dumpPath, []byte("INSERT INTO notes (body) VALUES ('x');"), 0600))

	mock.ExpectQuery("SELECT id, label, file_path").
		WithArgs("upload-1").
		WillReturnRows(sqlmock.NewRows(uploadCols()).
			AddRow("upload-1", "export", dumpPath, int64(38), "abc",
				"sql/plain", "", "ready", "{}", "admin", time.Now()))
	mock.ExpectExec("INSERT INTO external_restorations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// A cancellation landed before the first phase began.
	mock.ExpectQuery("SELECT id, upload_id, merge_strategy").
		WillReturnRows(sqlmock.NewRows(externalCols()).
			AddRow("ext-1", "upload-1", "merge", "cancelled", 0, "pending", 0, 0, 0, 0, 0, "",
				time.Now(), time.Now(), "", "admin"))

	rec, err := service.RestoreExternal(context.Background(), "upload-1", "admin", ledger.MergeStrategyMerge)
	require.NoError(t, err)
	assert.Equal(t, ledger.ExternalStatusCancelled, rec.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpload_CleanFileBecomesReady(t *testing.T) {
	service, mock, cfg := newTestService(t)

	source := filepath.Join(t.TempDir(), "export.sql")
	content := []byte("-- MySQL dump 10.13\nINSERT INTO notes VALUES (1);\n")
	require.NoError(t, os.WriteFile(source, content, 0600))

	mock.ExpectExec("INSERT INTO uploaded_backups").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE uploaded_backups SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	upload, err := service.Upload(context.Background(), source, "admin", "customer export")
	require.NoError(t, err)

	assert.Equal(t, ledger.UploadStatusReady, upload.Status)
	assert.Equal(t, "sql/plain", upload.DetectedType)
	assert.Equal(t, "mysql", upload.SourceSystem)
	assert.NotEmpty(t, upload.Checksum)
	assert.NotEmpty(t, upload.ValidationReport)

	// The stored copy lives in the uploads zone under our ID, not the
	// caller's name.
	assert.Equal(t, cfg.Storage.UploadsDir, filepath.Dir(upload.FilePath))
	assert.FileExists(t, upload.FilePath)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpload_UnsafeFileFailsValidation(t *testing.T) {
	service, mock, _ := newTestService(t)

	source := filepath.Join(t.TempDir(), "payload.sql")
	require.NoError(t, os.WriteFile(source, []byte("#!/bin/sh\nrm -rf /\n"), 0600))

	mock.ExpectExec("INSERT INTO uploaded_backups").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE uploaded_backups SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	upload, err := service.Upload(context.Background(), source, "admin", "")
	require.NoError(t, err)
	assert.Equal(t, ledger.UploadStatusFailedValidation, upload.Status)
}
