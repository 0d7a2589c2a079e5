package external

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"snapvault/internal/archive"
	"snapvault/internal/backup"
	"snapvault/internal/config"
	"snapvault/internal/errors"
	"snapvault/internal/ledger"
	"snapvault/internal/logging"
	"snapvault/internal/restore"
	"snapvault/internal/security"
)

// Service is the isolation layer for externally supplied archives: it owns
// the UploadedBackup and ExternalRestoration lifecycles and guarantees no
// unfiltered statement from an upload ever reaches the datastore.
type Service struct {
	cfg       *config.Config
	db        *sql.DB
	repo      *ledger.Repository
	validator *security.Validator
	engine    *restore.Engine
	logger    *logging.Logger
}

// NewService wires the isolation layer
func NewService(cfg *config.Config, db *sql.DB, repo *ledger.Repository, validator *security.Validator, engine *restore.Engine, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Service{
		cfg:       cfg,
		db:        db,
		repo:      repo,
		validator: validator,
		engine:    engine,
		logger:    logger,
	}
}

// Upload takes possession of an externally supplied file: copies it into the
// uploads zone, runs the security validation layers, and records the outcome.
// The upload is only usable for restoration once its status is ready.
func (s *Service) Upload(ctx context.Context, sourcePath, principal, label string) (*ledger.UploadedBackup, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("upload source %s not found", sourcePath), err)
	}
	if info.IsDir() {
		return nil, errors.NewValidationError("upload source must be a file", nil)
	}

	upload := &ledger.UploadedBackup{
		ID:        ledger.NewID("upload"),
		Label:     label,
		Status:    ledger.UploadStatusProcessing,
		CreatedBy: principal,
		CreatedAt: time.Now().UTC(),
	}
	if upload.Label == "" {
		upload.Label = filepath.Base(sourcePath)
	}

	if err := os.MkdirAll(s.cfg.Storage.UploadsDir, 0750); err != nil {
		return nil, errors.NewStorageError("failed to create uploads directory", err)
	}

	// The stored name keeps the original extension so validation sees it,
	// but the basename is ours: an attacker does not choose our paths.
	destPath := filepath.Join(s.cfg.Storage.UploadsDir,
		upload.ID+strings.ToLower(filepath.Ext(sourcePath)))
	if err := copyUpload(sourcePath, destPath); err != nil {
		return nil, err
	}
	upload.FilePath = destPath
	upload.FileSize = info.Size()

	if err := s.repo.CreateUpload(ctx, upload); err != nil {
		os.Remove(destPath)
		return nil, err
	}

	report, err := s.validator.Validate(ctx, destPath)
	if err != nil {
		upload.Status = ledger.UploadStatusCorrupted
		upload.ValidationReport = fmt.Sprintf(`{"error":%q}`, err.Error())
		s.repo.UpdateUpload(ctx, upload)
		return nil, err
	}

	upload.Checksum = report.FileHash
	upload.DetectedType = report.DetectedType
	upload.SourceSystem = report.SourceSystem
	upload.ValidationReport = report.ToJSON()

	switch {
	case report.Corrupted:
		upload.Status = ledger.UploadStatusCorrupted
	case !report.IsSafe:
		upload.Status = ledger.UploadStatusFailedValidation
	default:
		upload.Status = ledger.UploadStatusReady
	}

	if err := s.repo.UpdateUpload(ctx, upload); err != nil {
		return nil, err
	}

	s.logger.Infof("upload %s (%s) validated: status %s", upload.ID, upload.Label, upload.Status)
	return upload, nil
}

// RestoreExternal replays a validated upload against the live datastore
// under the isolation policy. The returned record carries per-phase progress
// and final counters; statement-level drops never fail the run.
func (s *Service) RestoreExternal(ctx context.Context, uploadID, principal string, strategy ledger.MergeStrategy) (*ledger.ExternalRestoration, error) {
	// Policy gate before any work: replace would let an upload overwrite
	// the whole system and is never executed.
	if !strategy.Allowed() {
		return nil, errors.NewSecurityViolation(
			fmt.Sprintf("merge strategy %q is not permitted for external restores", strategy), nil)
	}

	upload, err := s.repo.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if upload.Status != ledger.UploadStatusReady {
		return nil, errors.NewValidationError(
			fmt.Sprintf("upload %s is %s; only ready uploads can be restored", uploadID, upload.Status), nil)
	}

	rec := &ledger.ExternalRestoration{
		ID:            ledger.NewID("extrestore"),
		UploadID:      upload.ID,
		MergeStrategy: strategy,
		Status:        ledger.ExternalStatusPending,
		StartedAt:     time.Now().UTC(),
		CreatedBy:     principal,
	}
	rec.SetProgress("pending", 0)
	if err := s.repo.CreateExternal(ctx, rec); err != nil {
		return nil, err
	}

	scratch := filepath.Join(s.cfg.Storage.RestoreScratchDir, rec.ID)
	if err := os.MkdirAll(scratch, 0750); err != nil {
		return nil, s.fail(ctx, rec, errors.NewStorageError("failed to create scratch directory", err))
	}
	defer os.RemoveAll(scratch)

	if err := s.runPhases(ctx, upload, rec, scratch); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) runPhases(ctx context.Context, upload *ledger.UploadedBackup, rec *ledger.ExternalRestoration, scratch string) error {
	// Phase: extracting.
	if cancelled, err := s.advance(ctx, rec, ledger.ExternalStatusExtracting, "extracting", 10); err != nil || cancelled {
		return err
	}
	dumpPath, fileCount, err := s.extractDump(upload, scratch)
	if err != nil {
		return s.fail(ctx, rec, err)
	}
	rec.FilesProcessed = fileCount

	// Phase: analyzing.
	if cancelled, err := s.advance(ctx, rec, ledger.ExternalStatusAnalyzing, "analyzing", 40); err != nil || cancelled {
		return err
	}
	file, err := os.Open(dumpPath)
	if err != nil {
		return s.fail(ctx, rec, errors.NewStorageError("failed to open extracted dump", err))
	}
	statements, err := restore.SplitStatements(file)
	file.Close()
	if err != nil {
		return s.fail(ctx, rec, err)
	}

	businessTables, err := backup.ListTables(ctx, s.db, s.cfg.Datastore.Engine)
	if err != nil {
		return s.fail(ctx, rec, err)
	}

	filter := NewFilter(s.cfg.Datastore.Engine, rec.MergeStrategy, businessTables, s.logger)
	filtered := filter.Apply(statements)

	rec.TablesPreserved = len(filtered.PreservedTables)
	rec.TablesProcessed = len(filtered.ProcessedTables)
	rec.ConflictsResolved = filtered.ConflictsResolved
	for table, count := range filtered.PreservedTables {
		s.logger.Infof("preserved protected table %q: %d statement(s) dropped", table, count)
	}

	// Phase: executing. Once a statement has run there is no automatic
	// rollback of committed work; rollback_info records how far we got.
	if cancelled, err := s.advance(ctx, rec, ledger.ExternalStatusExecuting, "executing", 60); err != nil || cancelled {
		return err
	}
	result, err := s.engine.ReplayStatements(ctx, filtered.Allowed, restore.Options{
		Principal:        rec.CreatedBy,
		IgnoreDuplicates: true,
	})
	if result != nil {
		rec.RecordsProcessed = result.Executed
		rec.RollbackInfo = rollbackInfo(filtered, result)
	}
	if err != nil {
		return s.fail(ctx, rec, err)
	}

	// Phase: finalizing.
	rec.Status = ledger.ExternalStatusFinalizing
	rec.SetProgress("finalizing", 95)
	if err := s.repo.UpdateExternal(ctx, rec); err != nil {
		return s.fail(ctx, rec, err)
	}

	rec.Status = ledger.ExternalStatusCompleted
	rec.SetProgress("completed", 100)
	now := time.Now().UTC()
	rec.CompletedAt = &now
	if err := s.repo.UpdateExternal(ctx, rec); err != nil {
		return err
	}

	s.logger.Infof("external restoration %s completed: %d executed, %d dropped, %d failed",
		rec.ID, result.Executed, filtered.Dropped, result.Failed)
	return nil
}

// Cancel aborts a restoration that has not begun executing. Partial commits
// are not reversible, so later phases refuse cancellation.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.repo.CancelExternal(ctx, id)
}

// extractDump locates the SQL dump inside the upload, unpacking archives and
// decompressing single-file dumps as needed. File-tree entries from external
// archives are counted but never copied into application directories.
func (s *Service) extractDump(upload *ledger.UploadedBackup, scratch string) (string, int, error) {
	switch upload.DetectedType {
	case "archive/zip":
		extractDir := filepath.Join(scratch, "extracted")
		extracted, err := archive.Extract(upload.FilePath, extractDir, archive.DefaultExtractLimits())
		if err != nil {
			return "", 0, err
		}
		if extracted.DatabaseEntry == "" {
			return "", 0, errors.NewValidationError("archive carries no database dump", nil)
		}
		if extracted.DatabaseEntry == archive.DatabaseRawName {
			return "", 0, errors.NewSecurityViolation(
				"raw datastore files from external uploads are never applied", nil)
		}
		return filepath.Join(extractDir, extracted.DatabaseEntry), len(extracted.FileEntries), nil

	case "sql/gzip":
		raw, err := os.ReadFile(upload.FilePath)
		if err != nil {
			return "", 0, errors.NewStorageError("failed to read upload", err)
		}
		plain, err := archive.NewCompressionManager().Decompress(raw, archive.CompressionTypeGzip)
		if err != nil {
			return "", 0, err
		}
		dumpPath := filepath.Join(scratch, "database.sql")
		if err := os.WriteFile(dumpPath, plain, 0600); err != nil {
			return "", 0, errors.NewStorageError("failed to write decompressed dump", err)
		}
		return dumpPath, 0, nil

	case "sql/plain":
		return upload.FilePath, 0, nil

	default:
		return "", 0, errors.NewValidationError(
			fmt.Sprintf("upload content type %q cannot be restored", upload.DetectedType), nil)
	}
}

// advance moves the record into the next phase, honoring a cancellation that
// arrived since the previous phase. Returns cancelled=true when the record
// was cancelled underneath us.
func (s *Service) advance(ctx context.Context, rec *ledger.ExternalRestoration, status ledger.ExternalStatus, step string, percent int) (bool, error) {
	current, err := s.repo.GetExternal(ctx, rec.ID)
	if err != nil {
		return false, s.fail(ctx, rec, err)
	}
	if current.Status == ledger.ExternalStatusCancelled {
		s.logger.Infof("external restoration %s was cancelled before %s", rec.ID, step)
		*rec = *current
		return true, nil
	}

	rec.Status = status
	rec.SetProgress(step, percent)
	if err := s.repo.UpdateExternal(ctx, rec); err != nil {
		return false, s.fail(ctx, rec, err)
	}
	return false, nil
}

func (s *Service) fail(ctx context.Context, rec *ledger.ExternalRestoration, cause error) error {
	rec.Status = ledger.ExternalStatusFailed
	if rec.Error != "" {
		rec.Error += "; "
	}
	rec.Error += cause.Error()
	now := time.Now().UTC()
	rec.CompletedAt = &now

	if err := s.repo.UpdateExternal(ctx, rec); err != nil {
		s.logger.Errorf("failed to persist failure of external restoration %s: %v", rec.ID, err)
	}
	return cause
}

func rollbackInfo(filtered *FilterResult, result *restore.ReplayResult) string {
	info := map[string]interface{}{
		"statements_total":    result.Total,
		"statements_executed": result.Executed,
		"statements_failed":   result.Failed,
		"statements_dropped":  filtered.Dropped,
		"keys_stripped":       filtered.KeysStripped,
		"note":                "executed statements are committed and not automatically rolled back",
	}
	data, err := json.Marshal(info)
	if err != nil {
		return ""
	}
	return string(data)
}

func copyUpload(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to open upload source %s", src), err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to create upload file %s", dst), err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return errors.NewStorageError("failed to copy upload", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return errors.NewStorageError("failed to finalize upload file", err)
	}
	return nil
}
