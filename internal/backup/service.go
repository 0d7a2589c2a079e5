package backup

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"snapvault/internal/archive"
	"snapvault/internal/config"
	"snapvault/internal/crypto"
	"snapvault/internal/dump"
	"snapvault/internal/errors"
	"snapvault/internal/ledger"
	"snapvault/internal/logging"
	"snapvault/internal/offsite"
)

// ArtifactExtension marks completed encrypted backup artifacts in managed
// storage.
const ArtifactExtension = ".snapvault"

// Options selects what a backup run covers.
type Options struct {
	Name      string
	Type      ledger.BackupType
	Principal string
	// IncludeFileDirs overrides the configured file directories when set.
	IncludeFileDirs []string
}

// Service runs the backup pipeline: metadata export, native dump with its
// correction pass, archive assembly, mandatory encryption, and the atomic
// move into managed storage.
type Service struct {
	cfg      *config.Config
	db       *sql.DB
	repo     *ledger.Repository
	crypto   *crypto.Service
	strategy dump.Strategy
	mirror   offsite.Provider
	logger   *logging.Logger
}

// NewService wires the pipeline. The mirror provider may be nil.
func NewService(cfg *config.Config, db *sql.DB, repo *ledger.Repository, cryptoSvc *crypto.Service, strategy dump.Strategy, mirror offsite.Provider, logger *logging.Logger) *Service {
	return &Service{
		cfg:      cfg,
		db:       db,
		repo:     repo,
		crypto:   cryptoSvc,
		strategy: strategy,
		mirror:   mirror,
		logger:   logger,
	}
}

// CreateBackup executes the full pipeline and returns the completed record.
// On any phase failure the record is marked failed with the captured log and
// the error is returned; partial artifacts never reach managed storage.
func (s *Service) CreateBackup(ctx context.Context, opts Options) (*ledger.BackupRecord, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	if running, err := s.repo.FindRunningByName(ctx, opts.Name); err == nil && len(running) > 0 {
		s.logger.Warnf("backup %q already has %d running record(s); continuing anyway", opts.Name, len(running))
	}

	record := &ledger.BackupRecord{
		ID:         ledger.NewID("backup"),
		Name:       opts.Name,
		BackupType: opts.Type,
		Status:     ledger.StatusRunning,
		StartedAt:  time.Now().UTC(),
		CreatedBy:  opts.Principal,
	}
	if err := s.repo.CreateBackup(ctx, record); err != nil {
		return nil, err
	}

	oplog, err := logging.NewOperationLogger(logging.OperationLoggerConfig{
		Logger:    s.logger,
		Operation: "backup.create",
	})
	if err != nil {
		return nil, err
	}

	workDir := filepath.Join(s.cfg.Storage.TempDir, record.ID)
	if err := os.MkdirAll(workDir, 0750); err != nil {
		return nil, s.fail(ctx, record, oplog, "prepare",
			errors.NewStorageError(fmt.Sprintf("failed to create working directory %s", workDir), err))
	}
	defer os.RemoveAll(workDir)

	artifactPath, err := s.runPhases(ctx, record, oplog, workDir, opts)
	if err != nil {
		return nil, err
	}

	record.Status = ledger.StatusCompleted
	now := time.Now().UTC()
	record.CompletedAt = &now
	record.Log = oplog.Transcript()
	if err := s.repo.UpdateBackup(ctx, record); err != nil {
		os.Remove(artifactPath)
		return nil, err
	}

	oplog.Audit(logging.AuditEntry{
		Principal: opts.Principal,
		Operation: "backup.create",
		Resource:  record.ID,
		Action:    "create",
		Result:    "completed",
	})

	s.mirrorArtifact(ctx, record, oplog)
	return record, nil
}

func (s *Service) runPhases(ctx context.Context, record *ledger.BackupRecord, oplog *logging.OperationLogger, workDir string, opts Options) (string, error) {
	// Phase 1: metadata export.
	phaseStart := time.Now()
	fileDirs := opts.IncludeFileDirs
	if fileDirs == nil {
		fileDirs = s.cfg.Storage.FileDirs
	}
	if opts.Type != ledger.BackupTypeFull {
		fileDirs = nil
	}

	meta, err := ExportMetadata(ctx, s.db, s.cfg.Datastore.Engine, record, fileDirs)
	s.logger.LogPhase("backup", "metadata", time.Since(phaseStart), err)
	if err != nil {
		return "", s.fail(ctx, record, oplog, "metadata", err)
	}
	record.TablesCount = len(meta.Tables)
	record.RecordsCount = int(meta.TotalRows)
	oplog.Stepf("metadata exported: %d tables, %d rows", record.TablesCount, record.RecordsCount)

	metaJSON, err := meta.ToJSON()
	if err != nil {
		return "", s.fail(ctx, record, oplog, "metadata", err)
	}

	// Phase 2: native dump plus the own-record correction pass.
	var dumpResult *dump.Result
	if opts.Type != ledger.BackupTypeMetadataOnly {
		phaseStart = time.Now()
		dumpResult, err = s.strategy.Export(ctx, workDir)
		s.logger.LogPhase("backup", "dump", time.Since(phaseStart), err)
		if err != nil {
			return "", s.fail(ctx, record, oplog, "dump", err)
		}
		oplog.Stepf("dump produced by %s (%d bytes)", dumpResult.Tool, dumpResult.Size)

		if !dumpResult.RawFileCopy {
			corrected, err := dump.CorrectOwnRecord(dumpResult.DumpPath, record.ID, time.Now().UTC())
			if err != nil {
				return "", s.fail(ctx, record, oplog, "dump", err)
			}
			if corrected > 0 {
				oplog.Stepf("corrected %d own-record row(s) in dump", corrected)
			}
		}
	}

	// Phase 3: archive assembly. File trees stream straight from their
	// source directories; paths inside the archive stay relative.
	phaseStart = time.Now()
	archivePath := filepath.Join(workDir, record.ID+".zip")
	archiveErr := s.assembleArchive(archivePath, metaJSON, dumpResult, fileDirs, record)
	s.logger.LogPhase("backup", "assemble", time.Since(phaseStart), archiveErr)
	if archiveErr != nil {
		return "", s.fail(ctx, record, oplog, "assemble", archiveErr)
	}
	oplog.Stepf("archive assembled with %d file(s)", record.FilesCount)

	// Phase 4: mandatory encryption. Nothing unencrypted ever leaves the
	// working directory.
	phaseStart = time.Now()
	secret, err := s.cfg.InstallationSecretBytes()
	if err != nil {
		return "", s.fail(ctx, record, oplog, "encrypt", err)
	}
	key := s.crypto.DeriveKey(record.CreatedBy, secret)

	encryptedPath := filepath.Join(workDir, record.ID+ArtifactExtension)
	stats, err := s.crypto.EncryptFile(archivePath, encryptedPath, key)
	s.logger.LogPhase("backup", "encrypt", time.Since(phaseStart), err)
	if err != nil {
		return "", s.fail(ctx, record, oplog, "encrypt", err)
	}
	os.Remove(archivePath)
	oplog.Stepf("encrypted %d bytes into %d bytes", stats.OriginalSize, stats.EncryptedSize)

	// Phase 5: checksum and atomic move into managed storage.
	phaseStart = time.Now()
	checksum, err := checksumFile(encryptedPath)
	if err != nil {
		s.logger.LogPhase("backup", "finalize", time.Since(phaseStart), err)
		return "", s.fail(ctx, record, oplog, "finalize", err)
	}

	finalPath := filepath.Join(s.cfg.Storage.ManagedDir, record.ID+ArtifactExtension)
	if err := moveFile(encryptedPath, finalPath); err != nil {
		s.logger.LogPhase("backup", "finalize", time.Since(phaseStart), err)
		return "", s.fail(ctx, record, oplog, "finalize", err)
	}
	s.logger.LogPhase("backup", "finalize", time.Since(phaseStart), nil)

	record.FilePath = finalPath
	record.FileSize = dumpFileSize(finalPath)
	record.Checksum = checksum
	oplog.Stepf("artifact stored at %s (sha256 %s)", finalPath, checksum)

	return finalPath, nil
}

func (s *Service) assembleArchive(archivePath string, metaJSON []byte, dumpResult *dump.Result, fileDirs []string, record *ledger.BackupRecord) error {
	builder, err := archive.NewBuilder(archivePath)
	if err != nil {
		return err
	}

	alg := archive.CompressionType(s.cfg.Backup.MetadataCompression)
	if _, _, err := builder.AddMetadata(metaJSON, alg, 0); err != nil {
		builder.Abort()
		return err
	}

	if dumpResult != nil {
		if err := builder.AddFile(dumpResult.DumpPath, dumpResult.EntryName); err != nil {
			builder.Abort()
			return err
		}
	}

	total := 0
	for _, dir := range fileDirs {
		if _, statErr := os.Stat(dir); statErr != nil {
			s.logger.Warnf("skipping missing file directory %s", dir)
			continue
		}
		added, err := builder.AddFileTree(dir, filepath.Base(dir))
		if err != nil {
			builder.Abort()
			return err
		}
		total += added
	}
	record.FilesCount = total

	return builder.Close()
}

// mirrorArtifact pushes the finished artifact off-site. Mirror failures are
// logged, never fatal: the local backup already completed.
func (s *Service) mirrorArtifact(ctx context.Context, record *ledger.BackupRecord, oplog *logging.OperationLogger) {
	if s.mirror == nil {
		return
	}

	objectName := filepath.Base(record.FilePath)
	if err := s.mirror.Upload(ctx, record.FilePath, objectName); err != nil {
		s.logger.Warnf("offsite mirror upload of %s failed: %v", objectName, err)
		oplog.Failure("mirror", err)
		return
	}
	oplog.Stepf("artifact mirrored to %s as %s", s.mirror.Name(), objectName)
}

func (s *Service) fail(ctx context.Context, record *ledger.BackupRecord, oplog *logging.OperationLogger, phase string, cause error) error {
	oplog.Failure(phase, cause)

	record.Status = ledger.StatusFailed
	record.Error = cause.Error()
	record.Log = oplog.Transcript()
	now := time.Now().UTC()
	record.CompletedAt = &now

	if err := s.repo.UpdateBackup(ctx, record); err != nil {
		s.logger.Errorf("failed to persist failure of backup %s: %v", record.ID, err)
	}
	return cause
}

// GetBackup loads one record.
func (s *Service) GetBackup(ctx context.Context, id string) (*ledger.BackupRecord, error) {
	return s.repo.GetBackup(ctx, id)
}

// ListBackups returns the most recent records.
func (s *Service) ListBackups(ctx context.Context, limit int) ([]*ledger.BackupRecord, error) {
	return s.repo.ListBackups(ctx, limit)
}

// DeleteBackup removes a terminal backup record together with its artifact.
func (s *Service) DeleteBackup(ctx context.Context, id string) error {
	record, err := s.repo.GetBackup(ctx, id)
	if err != nil {
		return err
	}
	if !record.Status.IsTerminal() {
		return errors.NewValidationError(fmt.Sprintf("backup %s is %s and cannot be deleted", id, record.Status), nil)
	}

	if err := s.repo.DeleteBackup(ctx, id); err != nil {
		return err
	}

	if record.FilePath != "" {
		if err := os.Remove(record.FilePath); err != nil && !os.IsNotExist(err) {
			s.logger.Warnf("failed to remove artifact %s: %v", record.FilePath, err)
		}
	}
	if s.mirror != nil {
		if err := s.mirror.Delete(ctx, filepath.Base(record.FilePath)); err != nil {
			s.logger.Warnf("failed to remove mirrored artifact for %s: %v", id, err)
		}
	}
	return nil
}

func validateOptions(opts Options) error {
	errs := errors.ValidationErrors{}
	if opts.Name == "" {
		errs.Add("name", "backup name is required", opts.Name)
	}
	if !opts.Type.Valid() {
		errs.Add("type", "unknown backup type", opts.Type)
	}
	if opts.Principal == "" {
		errs.Add("principal", "principal is required", opts.Principal)
	}
	if errs.HasErrors() {
		return errors.NewValidationError(errs.Error(), nil)
	}
	return nil
}

func checksumFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", errors.NewStorageError(fmt.Sprintf("failed to open %s for checksum", path), err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", errors.NewStorageError(fmt.Sprintf("failed to checksum %s", path), err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// moveFile renames src to dst, falling back to copy-and-remove when the two
// paths live on different filesystems.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to create %s", filepath.Dir(dst)), err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to open %s", src), err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to create %s", dst), err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return errors.NewStorageError(fmt.Sprintf("failed to copy artifact to %s", dst), err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return errors.NewStorageError(fmt.Sprintf("failed to sync %s", dst), err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return errors.NewStorageError(fmt.Sprintf("failed to close %s", dst), err)
	}
	return os.Remove(src)
}

func dumpFileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
