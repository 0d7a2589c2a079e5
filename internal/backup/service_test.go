package backup

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapvault/internal/archive"
	"snapvault/internal/config"
	"snapvault/internal/crypto"
	"snapvault/internal/dump"
	"snapvault/internal/errors"
	"snapvault/internal/ledger"
	"snapvault/internal/logging"
)

// stubStrategy writes a canned dump file so pipeline tests need no native
// tooling.
type stubStrategy struct {
	dumpContent string
	exportErr   error
}

func (s *stubStrategy) Kind() config.EngineKind {
	return config.EngineSQLite
}

func (s *stubStrategy) Export(ctx context.Context, destDir string) (*dump.Result, error) {
	if s.exportErr != nil {
		return nil, s.exportErr
	}
	dumpPath := filepath.Join(destDir, archive.DatabaseDumpName)
	if err := os.WriteFile(dumpPath, []byte(s.dumpContent), 0600); err != nil {
		return nil, err
	}
	return &dump.Result{
		Engine:    config.EngineSQLite,
		DumpPath:  dumpPath,
		EntryName: archive.DatabaseDumpName,
		Size:      int64(len(s.dumpContent)),
		Tool:      "stub",
	}, nil
}

func (s *stubStrategy) Import(ctx context.Context, dumpPath string) (*dump.ImportStats, error) {
	return &dump.ImportStats{Tool: "stub"}, nil
}

func pipelineConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		Datastore: config.DatastoreConfig{Engine: config.EngineSQLite, Path: filepath.Join(root, "app.db")},
		Storage: config.StorageConfig{
			Root:              root,
			ManagedDir:        filepath.Join(root, "managed"),
			TempDir:           filepath.Join(root, "tmp"),
			UploadsDir:        filepath.Join(root, "uploads"),
			RestoreScratchDir: filepath.Join(root, "scratch"),
		},
		Encryption: config.EncryptionConfig{InstallationSecret: "test-secret", Iterations: 100000, ChunkSize: 4096},
		Backup:     config.BackupConfig{MetadataCompression: config.MetadataCompressionGzip},
	}
	require.NoError(t, os.MkdirAll(cfg.Storage.ManagedDir, 0750))
	require.NoError(t, os.MkdirAll(cfg.Storage.TempDir, 0750))
	return cfg
}

func quietLogger() *logging.Logger {
	logger := logging.NewDefaultLogger()
	logger.SetOutput(io.Discard)
	return logger
}

func expectMetadataQueries(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT name FROM sqlite_master").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("notes").AddRow("users"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "notes"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "users"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
}

func TestCreateBackup_FullPipeline(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := pipelineConfig(t)
	fileDir := filepath.Join(cfg.Storage.Root, "media")
	require.NoError(t, os.MkdirAll(fileDir, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(fileDir, "photo.jpg"), []byte("jpeg-bytes"), 0600))
	cfg.Storage.FileDirs = []string{fileDir}

	repo := ledger.NewRepository(db, "sqlite")
	cryptoSvc := crypto.NewService(cfg.Encryption.Iterations, cfg.Encryption.ChunkSize)
	strategy := &stubStrategy{dumpContent: "INSERT INTO notes VALUES (1, 'hi');\n"}

	mock.ExpectQuery("SELECT (.+) FROM backup_records WHERE name =").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO backup_records").WillReturnResult(sqlmock.NewResult(1, 1))
	expectMetadataQueries(mock)
	mock.ExpectExec("UPDATE backup_records SET").WillReturnResult(sqlmock.NewResult(0, 1))

	svc := NewService(cfg, db, repo, cryptoSvc, strategy, nil, quietLogger())
	record, err := svc.CreateBackup(context.Background(), Options{
		Name:      "nightly",
		Type:      ledger.BackupTypeFull,
		Principal: "admin",
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusCompleted, record.Status)
	assert.Equal(t, 2, record.TablesCount)
	assert.Equal(t, 10, record.RecordsCount)
	assert.Equal(t, 1, record.FilesCount)
	assert.NotEmpty(t, record.Checksum)
	require.NotNil(t, record.CompletedAt)
	assert.Contains(t, record.Log, "artifact stored")

	// The artifact landed in managed storage, encrypted.
	assert.Equal(t, filepath.Join(cfg.Storage.ManagedDir, record.ID+ArtifactExtension), record.FilePath)
	info, err := os.Stat(record.FilePath)
	require.NoError(t, err)
	assert.Equal(t, record.FileSize, info.Size())

	// Nothing unencrypted survives in the working directory.
	leftovers, err := os.ReadDir(cfg.Storage.TempDir)
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	// It decrypts back to a readable archive with the expected entries.
	secret, err := cfg.InstallationSecretBytes()
	require.NoError(t, err)
	key := cryptoSvc.DeriveKey("admin", secret)

	zipPath := filepath.Join(cfg.Storage.Root, "check.zip")
	require.NoError(t, cryptoSvc.DecryptFile(record.FilePath, zipPath, key))

	extractDir := filepath.Join(cfg.Storage.Root, "check")
	result, err := archive.Extract(zipPath, extractDir, archive.DefaultExtractLimits())
	require.NoError(t, err)
	assert.Equal(t, "metadata.json.gz", result.MetadataEntry)
	assert.Equal(t, archive.DatabaseDumpName, result.DatabaseEntry)
	assert.ElementsMatch(t, []string{"files/media/photo.jpg"}, result.FileEntries)

	metaJSON, err := archive.ReadMetadata(extractDir, result.MetadataEntry)
	require.NoError(t, err)
	meta, err := ParseMetadata(metaJSON)
	require.NoError(t, err)
	assert.Equal(t, record.ID, meta.BackupID)
	assert.Equal(t, int64(10), meta.TotalRows)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBackup_MetadataOnlySkipsDump(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := pipelineConfig(t)
	repo := ledger.NewRepository(db, "sqlite")
	cryptoSvc := crypto.NewService(cfg.Encryption.Iterations, cfg.Encryption.ChunkSize)
	strategy := &stubStrategy{exportErr: errors.NewStorageError("dump must not run", nil)}

	mock.ExpectQuery("SELECT (.+) FROM backup_records WHERE name =").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO backup_records").WillReturnResult(sqlmock.NewResult(1, 1))
	expectMetadataQueries(mock)
	mock.ExpectExec("UPDATE backup_records SET").WillReturnResult(sqlmock.NewResult(0, 1))

	svc := NewService(cfg, db, repo, cryptoSvc, strategy, nil, quietLogger())
	record, err := svc.CreateBackup(context.Background(), Options{
		Name:      "schema-snapshot",
		Type:      ledger.BackupTypeMetadataOnly,
		Principal: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, record.Status)
	assert.Zero(t, record.FilesCount)
}

func TestCreateBackup_DumpFailureMarksRecordFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := pipelineConfig(t)
	repo := ledger.NewRepository(db, "sqlite")
	cryptoSvc := crypto.NewService(cfg.Encryption.Iterations, cfg.Encryption.ChunkSize)
	strategy := &stubStrategy{exportErr: errors.NewStorageError("mysqldump exited 2", nil)}

	mock.ExpectQuery("SELECT (.+) FROM backup_records WHERE name =").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO backup_records").WillReturnResult(sqlmock.NewResult(1, 1))
	expectMetadataQueries(mock)
	// Failure update.
	mock.ExpectExec("UPDATE backup_records SET").WillReturnResult(sqlmock.NewResult(0, 1))

	svc := NewService(cfg, db, repo, cryptoSvc, strategy, nil, quietLogger())
	_, err = svc.CreateBackup(context.Background(), Options{
		Name:      "nightly",
		Type:      ledger.BackupTypeDataOnly,
		Principal: "admin",
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindStorage, errors.KindOf(err))

	// No artifact may reach managed storage.
	entries, err := os.ReadDir(cfg.Storage.ManagedDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBackup_ValidatesOptions(t *testing.T) {
	svc := NewService(pipelineConfig(t), nil, nil, nil, nil, nil, quietLogger())

	_, err := svc.CreateBackup(context.Background(), Options{Type: ledger.BackupTypeFull, Principal: "admin"})
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	_, err = svc.CreateBackup(context.Background(), Options{Name: "n", Type: "weird", Principal: "admin"})
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestDeleteBackup_RefusesRunning(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := pipelineConfig(t)
	repo := ledger.NewRepository(db, "sqlite")

	cols := []string{"id", "name", "backup_type", "status", "file_path", "file_size", "checksum",
		"records_count", "tables_count", "files_count", "started_at", "completed_at", "log", "error", "created_by"}
	mock.ExpectQuery("SELECT (.+) FROM backup_records WHERE id =").
		WithArgs("backup-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("backup-1", "nightly", "full", "running", "", 0, "", 0, 0, 0, time.Now(), nil, "", "", "admin"))

	svc := NewService(cfg, db, repo, nil, nil, nil, quietLogger())
	err = svc.DeleteBackup(context.Background(), "backup-1")
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
