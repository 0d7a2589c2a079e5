package restore

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapvault/internal/config"
	"snapvault/internal/ledger"
	"snapvault/internal/logging"
)

func quietLogger() *logging.Logger {
	logger := logging.NewDefaultLogger()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestEngine(t *testing.T, engine config.EngineKind) (*Engine, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}
	cfg.Datastore.Engine = engine

	return NewEngine(cfg, db, ledger.NewRepository(db, "sqlite"), nil, nil, quietLogger()), mock
}

func TestSplitStatements(t *testing.T) {
	input := `-- schema dump
CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT);
INSERT INTO notes VALUES (1, 'semi; colon inside');
/* block
   comment; with semicolons */
INSERT INTO notes VALUES (2, 'it''s quoted');
# mysql style comment; ignored
INSERT INTO ` + "`weird;table`" + ` VALUES (3);
`

	statements, err := SplitStatements(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, statements, 4)

	assert.Equal(t, "CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)", statements[0])
	assert.Contains(t, statements[1], "semi; colon inside")
	assert.Contains(t, statements[2], "it''s quoted")
	assert.Contains(t, statements[3], "`weird;table`")
}

func TestSplitStatements_DollarQuoting(t *testing.T) {
	input := `CREATE FUNCTION f() RETURNS void AS $body$
BEGIN
  INSERT INTO t VALUES (1); -- still inside
END;
$body$ LANGUAGE plpgsql;
SELECT 1;`

	statements, err := SplitStatements(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, statements, 2)
	assert.Contains(t, statements[0], "$body$")
	assert.Contains(t, statements[0], "INSERT INTO t VALUES (1);")
	assert.Equal(t, "SELECT 1", statements[1])
}

func TestSplitStatements_TrailingWithoutSemicolon(t *testing.T) {
	statements, err := SplitStatements(strings.NewReader("INSERT INTO t VALUES (1)"))
	require.NoError(t, err)
	require.Len(t, statements, 1)
}

func TestTargetTable(t *testing.T) {
	tests := []struct {
		stmt string
		want string
	}{
		{"INSERT INTO users (id) VALUES (1)", "users"},
		{"insert into `backup_records` values (1)", "backup_records"},
		{`INSERT INTO "Mixed" VALUES (1)`, "mixed"},
		{"INSERT INTO public.users VALUES (1)", "users"},
		{"REPLACE INTO sessions VALUES (1)", "sessions"},
		{"UPDATE notes SET body = 'x'", "notes"},
		{"DELETE FROM notes WHERE id = 1", "notes"},
		{"TRUNCATE TABLE audit_log", "audit_log"},
		{"CREATE TABLE IF NOT EXISTS tags (id INT)", "tags"},
		{"DROP TABLE IF EXISTS tags", "tags"},
		{"ALTER TABLE users ADD COLUMN age INT", "users"},
		{"SELECT * FROM users", ""},
		{"PRAGMA foreign_keys = ON", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, TargetTable(tt.stmt), "stmt: %s", tt.stmt)
	}
}

func expectSQLiteReplayPrologue(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta("PRAGMA foreign_keys = OFF")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
}

func expectSQLiteReplayEpilogue(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(regexp.QuoteMeta("PRAGMA foreign_key_check")).
		WillReturnRows(sqlmock.NewRows([]string{"table", "rowid", "parent", "fkid"}))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("PRAGMA foreign_keys = ON")).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestReplay_AllStatementsExecute(t *testing.T) {
	engine, mock := newTestEngine(t, config.EngineSQLite)

	statements := []string{
		"CREATE TABLE notes (id INTEGER PRIMARY KEY)",
		"INSERT INTO notes VALUES (1)",
		"INSERT INTO notes VALUES (2)",
	}

	expectSQLiteReplayPrologue(mock)
	for _, stmt := range statements {
		mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	expectSQLiteReplayEpilogue(mock)

	result, err := engine.replay(context.Background(), statements, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 3, result.Executed)
	assert.Zero(t, result.Failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplay_ForeignKeyDeferralResolves(t *testing.T) {
	engine, mock := newTestEngine(t, config.EngineSQLite)

	child := "INSERT INTO child VALUES (1, 10)"
	parent := "INSERT INTO parent VALUES (10)"

	expectSQLiteReplayPrologue(mock)
	mock.ExpectExec(regexp.QuoteMeta(child)).
		WillReturnError(errors.New("FOREIGN KEY constraint failed"))
	mock.ExpectExec(regexp.QuoteMeta(parent)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// deferred pass retries the child once its parent exists
	mock.ExpectExec(regexp.QuoteMeta(child)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectSQLiteReplayEpilogue(mock)

	result, err := engine.replay(context.Background(), []string{child, parent}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Executed)
	assert.Equal(t, 1, result.DeferredResolved)
	assert.Zero(t, result.Failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplay_UnresolvedDeferralBecomesFailure(t *testing.T) {
	engine, mock := newTestEngine(t, config.EngineSQLite)

	orphan := "INSERT INTO child VALUES (1, 999)"

	expectSQLiteReplayPrologue(mock)
	// main pass plus one deferred pass that makes no progress
	mock.ExpectExec(regexp.QuoteMeta(orphan)).
		WillReturnError(errors.New("FOREIGN KEY constraint failed"))
	mock.ExpectExec(regexp.QuoteMeta(orphan)).
		WillReturnError(errors.New("FOREIGN KEY constraint failed"))
	expectSQLiteReplayEpilogue(mock)

	result, err := engine.replay(context.Background(), []string{orphan}, Options{})
	require.NoError(t, err)
	assert.Zero(t, result.Executed)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Failures, 1)
	assert.Contains(t, result.Failures[0], "unresolved foreign key dependency")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplay_DuplicateHandling(t *testing.T) {
	dup := "INSERT INTO notes VALUES (1)"

	t.Run("skipped when ignoring duplicates", func(t *testing.T) {
		engine, mock := newTestEngine(t, config.EngineSQLite)

		expectSQLiteReplayPrologue(mock)
		mock.ExpectExec(regexp.QuoteMeta(dup)).
			WillReturnError(errors.New("UNIQUE constraint failed: notes.id"))
		expectSQLiteReplayEpilogue(mock)

		result, err := engine.replay(context.Background(), []string{dup}, Options{IgnoreDuplicates: true})
		require.NoError(t, err)
		assert.Equal(t, 1, result.SkippedDuplicates)
		assert.Zero(t, result.Failed)
	})

	t.Run("recorded as failure otherwise", func(t *testing.T) {
		engine, mock := newTestEngine(t, config.EngineSQLite)

		expectSQLiteReplayPrologue(mock)
		mock.ExpectExec(regexp.QuoteMeta(dup)).
			WillReturnError(errors.New("UNIQUE constraint failed: notes.id"))
		expectSQLiteReplayEpilogue(mock)

		result, err := engine.replay(context.Background(), []string{dup}, Options{})
		require.NoError(t, err)
		assert.Zero(t, result.SkippedDuplicates)
		assert.Equal(t, 1, result.Failed)
	})
}

func TestReplay_NotNullRepairedWithColumnDefault(t *testing.T) {
	engine, mock := newTestEngine(t, config.EngineSQLite)

	stmt := "INSERT INTO users (id) VALUES (1)"
	repaired := "INSERT INTO users (id, name) VALUES (1, 'anonymous')"

	expectSQLiteReplayPrologue(mock)
	mock.ExpectExec(regexp.QuoteMeta(stmt)).
		WillReturnError(errors.New("NOT NULL constraint failed: users.name"))
	mock.ExpectQuery(regexp.QuoteMeta(`PRAGMA table_info("users")`)).
		WillReturnRows(sqlmock.NewRows([]string{"cid", "name", "type", "notnull", "dflt_value", "pk"}).
			AddRow(0, "id", "INTEGER", 1, nil, 1).
			AddRow(1, "name", "TEXT", 1, "'anonymous'", 0))
	mock.ExpectExec(regexp.QuoteMeta(repaired)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectSQLiteReplayEpilogue(mock)

	result, err := engine.replay(context.Background(), []string{stmt}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Executed)
	assert.Zero(t, result.Failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplay_LockedStatementRetries(t *testing.T) {
	engine, mock := newTestEngine(t, config.EngineSQLite)

	stmt := "INSERT INTO notes VALUES (1)"

	expectSQLiteReplayPrologue(mock)
	mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnError(errors.New("database is locked"))
	mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 1))
	expectSQLiteReplayEpilogue(mock)

	result, err := engine.replay(context.Background(), []string{stmt}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Executed)
	assert.Zero(t, result.Failed)
}

func TestReplay_LockedStatementFailsAfterRetryBudget(t *testing.T) {
	engine, mock := newTestEngine(t, config.EngineSQLite)

	stmt := "INSERT INTO notes VALUES (1)"

	expectSQLiteReplayPrologue(mock)
	for i := 0; i < maxLockRetries; i++ {
		mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnError(errors.New("database is locked"))
	}
	expectSQLiteReplayEpilogue(mock)

	result, err := engine.replay(context.Background(), []string{stmt}, Options{})
	require.NoError(t, err)
	assert.Zero(t, result.Executed)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Failures, 1)
	assert.Contains(t, result.Failures[0], "locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplay_StrictForeignKeysFailsOnViolations(t *testing.T) {
	engine, mock := newTestEngine(t, config.EngineSQLite)

	stmt := "INSERT INTO child VALUES (1, 999)"

	expectSQLiteReplayPrologue(mock)
	mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("PRAGMA foreign_key_check")).
		WillReturnRows(sqlmock.NewRows([]string{"table", "rowid", "parent", "fkid"}).
			AddRow("child", 1, "parent", 0))
	mock.ExpectRollback()
	mock.ExpectExec(regexp.QuoteMeta("PRAGMA foreign_keys = ON")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := engine.replay(context.Background(), []string{stmt}, Options{StrictForeignKeys: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "foreign key violation")
}

func foreignKeyCols() []string {
	return []string{"table_name", "column_name", "referenced_table_name", "referenced_column_name"}
}

func TestReplay_MySQLDisablesChecksInTransaction(t *testing.T) {
	engine, mock := newTestEngine(t, config.EngineMySQL)

	stmt := "INSERT INTO notes VALUES (1)"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET FOREIGN_KEY_CHECKS = 0")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT table_name, column_name, referenced_table_name").
		WillReturnRows(sqlmock.NewRows(foreignKeyCols()))
	mock.ExpectCommit()

	result, err := engine.replay(context.Background(), []string{stmt}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Executed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplay_MySQLStrictFailsOnOrphanedRows(t *testing.T) {
	engine, mock := newTestEngine(t, config.EngineMySQL)

	stmt := "INSERT INTO child VALUES (1, 999)"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET FOREIGN_KEY_CHECKS = 0")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT table_name, column_name, referenced_table_name").
		WillReturnRows(sqlmock.NewRows(foreignKeyCols()).
			AddRow("child", "parent_id", "parent", "id"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM `child` c LEFT JOIN `parent` p")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	_, err := engine.replay(context.Background(), []string{stmt}, Options{StrictForeignKeys: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "foreign key violation")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplay_MySQLToleratesOrphanedRowsByDefault(t *testing.T) {
	engine, mock := newTestEngine(t, config.EngineMySQL)

	stmt := "INSERT INTO child VALUES (1, 999)"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET FOREIGN_KEY_CHECKS = 0")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT table_name, column_name, referenced_table_name").
		WillReturnRows(sqlmock.NewRows(foreignKeyCols()).
			AddRow("child", "parent_id", "parent", "id"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM `child` c LEFT JOIN `parent` p")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectCommit()

	result, err := engine.replay(context.Background(), []string{stmt}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Executed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplay_PostgresValidatesConstraintsBeforeCommit(t *testing.T) {
	engine, mock := newTestEngine(t, config.EnginePostgres)

	stmt := "INSERT INTO notes VALUES (1)"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET CONSTRAINTS ALL DEFERRED")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SAVEPOINT constraint_check")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SET CONSTRAINTS ALL IMMEDIATE")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("RELEASE SAVEPOINT constraint_check")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	result, err := engine.replay(context.Background(), []string{stmt}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Executed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplay_PostgresStrictFailsOnDeferredViolation(t *testing.T) {
	engine, mock := newTestEngine(t, config.EnginePostgres)

	stmt := "INSERT INTO child VALUES (1, 999)"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET CONSTRAINTS ALL DEFERRED")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SAVEPOINT constraint_check")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SET CONSTRAINTS ALL IMMEDIATE")).
		WillReturnError(errors.New(`insert or update on table "child" violates foreign key constraint`))
	mock.ExpectExec(regexp.QuoteMeta("ROLLBACK TO SAVEPOINT constraint_check")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := engine.replay(context.Background(), []string{stmt}, Options{StrictForeignKeys: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deferred constraint violations")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInjectColumnDefault(t *testing.T) {
	t.Run("appends column and value", func(t *testing.T) {
		out, ok := injectColumnDefault("INSERT INTO users (id) VALUES (1)", "name", "'anon'")
		require.True(t, ok)
		assert.Equal(t, "INSERT INTO users (id, name) VALUES (1, 'anon')", out)
	})

	t.Run("refuses positional inserts", func(t *testing.T) {
		_, ok := injectColumnDefault("INSERT INTO users VALUES (1)", "name", "'anon'")
		assert.False(t, ok)
	})

	t.Run("refuses when column already listed", func(t *testing.T) {
		_, ok := injectColumnDefault("INSERT INTO users (id, name) VALUES (1, NULL)", "name", "'anon'")
		assert.False(t, ok)
	})

	t.Run("refuses non-insert statements", func(t *testing.T) {
		_, ok := injectColumnDefault("UPDATE users SET name = NULL", "name", "'anon'")
		assert.False(t, ok)
	})
}

func TestNullViolationColumn(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"Error 1048: Column 'email' cannot be null", "email"},
		{`ERROR: null value in column "email" of relation "users" violates not-null constraint`, "email"},
		{"NOT NULL constraint failed: users.email", "email"},
		{"some unrelated error", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, nullViolationColumn(errors.New(tt.msg)), "msg: %s", tt.msg)
	}
}

func TestProtectSourceRecord(t *testing.T) {
	backupCols := []string{"id", "name", "backup_type", "status", "file_path", "file_size",
		"checksum", "records_count", "tables_count", "files_count", "started_at",
		"completed_at", "log", "error", "created_by"}

	started := time.Now().UTC().Add(-time.Hour)
	completed := started.Add(10 * time.Minute)
	snapshot := ledger.Snapshot{
		Status:      ledger.StatusCompleted,
		FilePath:    "/var/backups/managed/backup-1.snapvault",
		FileSize:    4096,
		Checksum:    "abc123",
		StartedAt:   started,
		CompletedAt: &completed,
	}

	oplog, err := logging.NewOperationLogger(logging.OperationLoggerConfig{
		Logger:    quietLogger(),
		Operation: "restore",
	})
	require.NoError(t, err)

	t.Run("untouched row is left alone", func(t *testing.T) {
		engine, mock := newTestEngine(t, config.EngineSQLite)

		mock.ExpectQuery("SELECT id, name, backup_type").
			WithArgs("backup-1").
			WillReturnRows(sqlmock.NewRows(backupCols).
				AddRow("backup-1", "nightly", "full", "completed", snapshot.FilePath,
					snapshot.FileSize, snapshot.Checksum, 10, 2, 0, started, completed, "", "", "admin"))

		require.NoError(t, engine.protectSourceRecord(context.Background(), "backup-1", snapshot, oplog))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replayed historical row is forced back", func(t *testing.T) {
		engine, mock := newTestEngine(t, config.EngineSQLite)

		// The dump carried the backup's own ledger row as it looked
		// mid-run: status running, no artifact yet.
		mock.ExpectQuery("SELECT id, name, backup_type").
			WithArgs("backup-1").
			WillReturnRows(sqlmock.NewRows(backupCols).
				AddRow("backup-1", "nightly", "full", "running", "",
					0, "", 0, 0, 0, started, nil, "", "", "admin"))

		mock.ExpectExec("UPDATE backup_records SET").
			WithArgs("completed", snapshot.FilePath, snapshot.FileSize, snapshot.Checksum,
				snapshot.StartedAt, sqlmock.AnyArg(), "backup-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, engine.protectSourceRecord(context.Background(), "backup-1", snapshot, oplog))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRestore_RejectsNonCompletedBackup(t *testing.T) {
	engine, mock := newTestEngine(t, config.EngineSQLite)

	backupCols := []string{"id", "name", "backup_type", "status", "file_path", "file_size",
		"checksum", "records_count", "tables_count", "files_count", "started_at",
		"completed_at", "log", "error", "created_by"}

	mock.ExpectQuery("SELECT id, name, backup_type").
		WithArgs("backup-1").
		WillReturnRows(sqlmock.NewRows(backupCols).
			AddRow("backup-1", "nightly", "full", "failed", "", 0, "", 0, 0, 0,
				time.Now(), nil, "", "boom", "admin"))

	_, err := engine.Restore(context.Background(), "backup-1", Options{Principal: "admin"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only completed backups")
}
