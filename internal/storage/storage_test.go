package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
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

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, *config.Config) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}
	cfg.Datastore.Engine = config.EngineSQLite
	cfg.Datastore.Path = filepath.Join(t.TempDir(), "app.db")
	cfg.Storage.Root = t.TempDir()
	cfg.Encryption.InstallationSecret = "test-secret"
	cfg.SetDefaults()

	service := NewService(cfg, ledger.NewRepository(db, "sqlite"), quietLogger())
	require.NoError(t, service.EnsureZones())
	return service, mock, cfg
}

func writeAged(t *testing.T, path string, content []byte, age time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, content, 0600))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func expectReferencedPaths(mock sqlmock.Sqlmock, paths ...string) {
	rows := sqlmock.NewRows([]string{"file_path"})
	for _, p := range paths {
		rows.AddRow(p)
	}
	mock.ExpectQuery("SELECT file_path FROM backup_records").WillReturnRows(rows)
}

func uploadCols() []string {
	return []string{"id", "label", "file_path", "file_size", "checksum", "detected_type",
		"source_system", "status", "validation_report", "created_by", "created_at"}
}

// expectUploadSweep mocks the ledger round trip of one uploads-zone sweep:
// the stale-upload listing (with optional purged rows) followed by the
// ready-path exemption query.
func expectUploadSweep(mock sqlmock.Sqlmock, stale []*ledger.UploadedBackup, readyPaths ...string) {
	staleRows := sqlmock.NewRows(uploadCols())
	for _, u := range stale {
		staleRows.AddRow(u.ID, u.Label, u.FilePath, u.FileSize, u.Checksum, u.DetectedType,
			u.SourceSystem, string(u.Status), u.ValidationReport, u.CreatedBy, u.CreatedAt)
	}
	mock.ExpectQuery("SELECT id, label, file_path").WillReturnRows(staleRows)

	for range stale {
		mock.ExpectExec("DELETE FROM uploaded_backups").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	readyRows := sqlmock.NewRows([]string{"file_path"})
	for _, p := range readyPaths {
		readyRows.AddRow(p)
	}
	mock.ExpectQuery("SELECT file_path FROM uploaded_backups").WillReturnRows(readyRows)
}

func TestReferenceCache_LazyRebuildAndTTL(t *testing.T) {
	service, mock, _ := newTestService(t)
	cache := NewReferenceCache(service.repo, 50*time.Millisecond)

	expectReferencedPaths(mock, "/data/backups/a.snapvault")

	referenced, err := cache.IsReferenced(context.Background(), "/data/backups/a.snapvault")
	require.NoError(t, err)
	assert.True(t, referenced)

	// Within the TTL the snapshot answers without touching the ledger.
	referenced, err = cache.IsReferenced(context.Background(), "/data/backups/b.snapvault")
	require.NoError(t, err)
	assert.False(t, referenced)
	assert.NoError(t, mock.ExpectationsWereMet())

	// Once the TTL lapses the next lookup rebuilds.
	time.Sleep(60 * time.Millisecond)
	expectReferencedPaths(mock, "/data/backups/b.snapvault")

	referenced, err = cache.IsReferenced(context.Background(), "/data/backups/b.snapvault")
	require.NoError(t, err)
	assert.True(t, referenced)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReferenceCache_Invalidate(t *testing.T) {
	service, mock, _ := newTestService(t)
	cache := NewReferenceCache(service.repo, time.Hour)

	expectReferencedPaths(mock)
	_, err := cache.IsReferenced(context.Background(), "/x")
	require.NoError(t, err)

	cache.Invalidate()

	expectReferencedPaths(mock, "/x")
	referenced, err := cache.IsReferenced(context.Background(), "/x")
	require.NoError(t, err)
	assert.True(t, referenced)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanup_SweepsAgedTempAndScratch(t *testing.T) {
	service, mock, cfg := newTestService(t)

	writeAged(t, filepath.Join(cfg.Storage.TempDir, "stale.zip"), []byte("0123456789"), 48*time.Hour)
	writeAged(t, filepath.Join(cfg.Storage.RestoreScratchDir, "stale.sql"), []byte("abc"), 48*time.Hour)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Storage.TempDir, "fresh.zip"), []byte("keep"), 0600))

	expectUploadSweep(mock, nil)

	result, err := service.Cleanup(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, 2, result.FilesRemoved)
	assert.Equal(t, int64(13), result.BytesReclaimed)
	assert.Equal(t, 1, result.PerZone[ZoneTemp])
	assert.Equal(t, 1, result.PerZone[ZoneScratch])
	assert.FileExists(t, filepath.Join(cfg.Storage.TempDir, "fresh.zip"))
}

func TestCleanup_RemovesAgedWorkingDirectories(t *testing.T) {
	service, mock, cfg := newTestService(t)

	workDir := filepath.Join(cfg.Storage.TempDir, "backup-20250101-000000-abcd1234")
	require.NoError(t, os.MkdirAll(workDir, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "database.sql"), []byte("12345"), 0600))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(workDir, old, old))

	expectUploadSweep(mock, nil)

	result, err := service.Cleanup(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, 1, result.FilesRemoved)
	assert.Equal(t, int64(5), result.BytesReclaimed)
	assert.NoDirExists(t, workDir)
}

func TestCleanup_ManagedZoneProtectsReferencedArtifacts(t *testing.T) {
	service, mock, cfg := newTestService(t)
	cfg.Cleanup.ManagedMaxAge = 24 * time.Hour

	referenced := filepath.Join(cfg.Storage.ManagedDir, "live.snapvault")
	orphan := filepath.Join(cfg.Storage.ManagedDir, "orphan.snapvault")
	writeAged(t, referenced, []byte("live artifact"), 72*time.Hour)
	writeAged(t, orphan, []byte("orphan"), 72*time.Hour)

	expectUploadSweep(mock, nil)
	expectReferencedPaths(mock, referenced)

	result, err := service.Cleanup(context.Background(), 0)
	require.NoError(t, err)

	assert.FileExists(t, referenced)
	assert.NoFileExists(t, orphan)
	assert.Equal(t, 1, result.PerZone[ZoneManaged])
	assert.Equal(t, 1, result.Skipped[ZoneManaged])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanup_ManagedZoneSkippedWithoutThreshold(t *testing.T) {
	service, mock, cfg := newTestService(t)

	artifact := filepath.Join(cfg.Storage.ManagedDir, "old.snapvault")
	writeAged(t, artifact, []byte("artifact"), 30*24*time.Hour)

	expectUploadSweep(mock, nil)

	result, err := service.Cleanup(context.Background(), 0)
	require.NoError(t, err)

	assert.FileExists(t, artifact)
	assert.Zero(t, result.PerZone[ZoneManaged])
	// No backup_records query: the managed zone is not swept.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanup_ExplicitMaxAgeOverridesThresholds(t *testing.T) {
	service, mock, cfg := newTestService(t)

	// Younger than the 24h zone default, older than the override.
	writeAged(t, filepath.Join(cfg.Storage.TempDir, "recent.zip"), []byte("x"), 2*time.Hour)

	expectUploadSweep(mock, nil)

	result, err := service.Cleanup(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PerZone[ZoneTemp])
}

func TestCleanup_PurgesStaleUploadsThroughLedger(t *testing.T) {
	service, mock, cfg := newTestService(t)

	stalePath := filepath.Join(cfg.Storage.UploadsDir, "never-promoted.sql")
	writeAged(t, stalePath, []byte("0123456789"), 14*24*time.Hour)

	expectUploadSweep(mock, []*ledger.UploadedBackup{{
		ID:        "upload-1",
		Label:     "abandoned import",
		FilePath:  stalePath,
		FileSize:  10,
		Status:    ledger.UploadStatusFailedValidation,
		CreatedBy: "admin",
		CreatedAt: time.Now().Add(-14 * 24 * time.Hour),
	}})

	result, err := service.Cleanup(context.Background(), 0)
	require.NoError(t, err)

	assert.NoFileExists(t, stalePath)
	assert.Equal(t, 1, result.PerZone[ZoneUploads])
	assert.Equal(t, int64(10), result.BytesReclaimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanup_ReadyUploadsSurviveAgeSweep(t *testing.T) {
	service, mock, cfg := newTestService(t)

	ready := filepath.Join(cfg.Storage.UploadsDir, "awaiting-restore.sql")
	orphan := filepath.Join(cfg.Storage.UploadsDir, "rowless.sql")
	writeAged(t, ready, []byte("keep me"), 30*24*time.Hour)
	writeAged(t, orphan, []byte("sweep"), 30*24*time.Hour)

	expectUploadSweep(mock, nil, ready)

	result, err := service.Cleanup(context.Background(), 0)
	require.NoError(t, err)

	assert.FileExists(t, ready)
	assert.NoFileExists(t, orphan)
	assert.Equal(t, 1, result.Skipped[ZoneUploads])
	assert.Equal(t, 1, result.PerZone[ZoneUploads])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanup_LogsPerZoneSweeps(t *testing.T) {
	service, mock, cfg := newTestService(t)

	var buf bytes.Buffer
	service.logger.SetOutput(&buf)

	writeAged(t, filepath.Join(cfg.Storage.TempDir, "stale.zip"), []byte("x"), 48*time.Hour)
	expectUploadSweep(mock, nil)

	_, err := service.Cleanup(context.Background(), 0)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "cleanup_sweep")
	assert.Contains(t, out, "zone=temp")
	assert.Contains(t, out, "zone=uploads")
	assert.Contains(t, out, "files_removed=1")
}

func TestStats_PerZoneBreakdown(t *testing.T) {
	service, _, cfg := newTestService(t)

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Storage.ManagedDir, "a.snapvault"), []byte("0123456789"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Storage.UploadsDir, "u.sql"), []byte("abcde"), 0600))

	stats, err := service.Stats()
	require.NoError(t, err)

	assert.Equal(t, 2, stats.TotalFiles)
	assert.Equal(t, int64(15), stats.TotalBytes)

	byZone := make(map[Zone]ZoneStats)
	for _, zs := range stats.Zones {
		byZone[zs.Zone] = zs
	}
	assert.Equal(t, 1, byZone[ZoneManaged].Files)
	assert.Equal(t, int64(10), byZone[ZoneManaged].Bytes)
	assert.Equal(t, 1, byZone[ZoneUploads].Files)
	assert.Zero(t, byZone[ZoneTemp].Files)
}
