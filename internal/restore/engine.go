package restore

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"snapvault/internal/archive"
	"snapvault/internal/backup"
	"snapvault/internal/config"
	"snapvault/internal/crypto"
	"snapvault/internal/dump"
	"snapvault/internal/errors"
	"snapvault/internal/ledger"
	"snapvault/internal/logging"
)

// Options tune a restore run.
type Options struct {
	Principal string
	// IgnoreDuplicates skips uniqueness violations instead of recording
	// them as failed statements.
	IgnoreDuplicates bool
	// StrictForeignKeys fails the restore when the pre-commit consistency
	// check finds violations. Off by default: dumps routinely carry rows
	// whose referents were deleted after the backup was taken.
	StrictForeignKeys bool
	// SkipFiles leaves the file trees untouched and only replays data.
	SkipFiles bool
}

// Engine drives a restore: decrypt, safe extraction, metadata import, SQL
// replay and file-tree restore, then the ledger self-protection pass.
type Engine struct {
	cfg       *config.Config
	db        *sql.DB
	repo      *ledger.Repository
	crypto    *crypto.Service
	strategy  dump.Strategy
	logger    *logging.Logger
	lockRetry *errors.RetryHandler
}

// NewEngine wires a restore engine.
func NewEngine(cfg *config.Config, db *sql.DB, repo *ledger.Repository, cryptoSvc *crypto.Service, strategy dump.Strategy, logger *logging.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		db:       db,
		repo:     repo,
		crypto:   cryptoSvc,
		strategy: strategy,
		logger:   logger,
		lockRetry: errors.NewRetryHandler(errors.RetryConfig{
			MaxAttempts: maxLockRetries,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    time.Second,
			Multiplier:  2,
		}),
	}
}

// Restore replays the named backup into the live datastore and returns the
// restore record. Statement-level failures accumulate in the record's
// counters; only phase-level failures abort.
func (e *Engine) Restore(ctx context.Context, backupID string, opts Options) (*ledger.RestoreRecord, error) {
	source, err := e.repo.GetBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if source.Status != ledger.StatusCompleted {
		return nil, errors.NewValidationError(
			fmt.Sprintf("backup %s is %s; only completed backups can be restored", backupID, source.Status), nil)
	}
	if _, err := os.Stat(source.FilePath); err != nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("backup artifact %s is missing", source.FilePath), err)
	}

	// Snapshot the source's ledger row now: the replay may overwrite it
	// with its historical (running) version, and we must put it back.
	snapshot := source.Snapshot()

	record := &ledger.RestoreRecord{
		ID:        ledger.NewID("restore"),
		BackupID:  source.ID,
		Status:    ledger.StatusRunning,
		StartedAt: time.Now().UTC(),
		CreatedBy: opts.Principal,
	}
	if err := e.repo.CreateRestore(ctx, record); err != nil {
		return nil, err
	}

	oplog, err := logging.NewOperationLogger(logging.OperationLoggerConfig{
		Logger:    e.logger,
		Operation: "restore",
	})
	if err != nil {
		return nil, err
	}

	scratch := filepath.Join(e.cfg.Storage.RestoreScratchDir, record.ID)
	if err := os.MkdirAll(scratch, 0750); err != nil {
		return nil, e.fail(ctx, record, oplog, "prepare",
			errors.NewStorageError(fmt.Sprintf("failed to create scratch directory %s", scratch), err))
	}
	defer os.RemoveAll(scratch)

	if err := e.run(ctx, source, record, oplog, scratch, opts); err != nil {
		return nil, err
	}

	// Self-protection: the replay may have rewritten the source backup's
	// own row with its pre-completion state. Force it back.
	if err := e.protectSourceRecord(ctx, source.ID, snapshot, oplog); err != nil {
		return nil, e.fail(ctx, record, oplog, "self-protection", err)
	}

	record.Status = ledger.StatusCompleted
	now := time.Now().UTC()
	record.CompletedAt = &now
	record.Log = oplog.Transcript()
	if err := e.repo.UpdateRestore(ctx, record); err != nil {
		return nil, err
	}

	oplog.Audit(logging.AuditEntry{
		Principal: opts.Principal,
		Operation: "restore",
		Resource:  record.ID,
		Action:    "restore",
		Result:    "completed",
	})
	return record, nil
}

func (e *Engine) run(ctx context.Context, source *ledger.BackupRecord, record *ledger.RestoreRecord, oplog *logging.OperationLogger, scratch string, opts Options) error {
	// Phase 1: decrypt with the key bound to the backup's creator.
	phaseStart := time.Now()
	secret, err := e.cfg.InstallationSecretBytes()
	if err != nil {
		return e.fail(ctx, record, oplog, "decrypt", err)
	}
	key := e.crypto.DeriveKey(source.CreatedBy, secret)

	zipPath := filepath.Join(scratch, "archive.zip")
	err = e.crypto.DecryptFile(source.FilePath, zipPath, key)
	e.logger.LogPhase("restore", "decrypt", time.Since(phaseStart), err)
	if err != nil {
		return e.fail(ctx, record, oplog, "decrypt", err)
	}
	oplog.Step("artifact decrypted")

	// Phase 2: safe extraction.
	phaseStart = time.Now()
	extractDir := filepath.Join(scratch, "extracted")
	extracted, err := archive.Extract(zipPath, extractDir, archive.DefaultExtractLimits())
	e.logger.LogPhase("restore", "extract", time.Since(phaseStart), err)
	if err != nil {
		return e.fail(ctx, record, oplog, "extract", err)
	}
	oplog.Stepf("extracted %d entries (%d bytes)", extracted.Entries, extracted.TotalSize)

	// Phase 3: metadata import.
	meta, err := e.importMetadata(extractDir, extracted)
	if err != nil {
		return e.fail(ctx, record, oplog, "metadata", err)
	}
	oplog.Stepf("metadata: backup %s of %s engine, %d tables", meta.BackupID, meta.Engine, len(meta.Tables))

	// Phase 4: data replay.
	if extracted.DatabaseEntry != "" {
		dumpPath := filepath.Join(extractDir, extracted.DatabaseEntry)

		if extracted.DatabaseEntry == archive.DatabaseRawName {
			return e.restoreRawFile(ctx, source, record, oplog, dumpPath, opts)
		}

		if err := e.replayDump(ctx, record, oplog, dumpPath, opts); err != nil {
			return e.fail(ctx, record, oplog, "replay", err)
		}
	}

	// Phase 5: file-tree restore.
	if !opts.SkipFiles && len(extracted.FileEntries) > 0 {
		phaseStart = time.Now()
		restored, err := e.restoreFileTrees(extractDir, extracted.FileEntries)
		e.logger.LogPhase("restore", "files", time.Since(phaseStart), err)
		if err != nil {
			return e.fail(ctx, record, oplog, "files", err)
		}
		record.FilesRestored = restored
		oplog.Stepf("restored %d file(s)", restored)
	}

	// Post-commit integrity check.
	if err := e.postCommitCheck(ctx); err != nil {
		return e.fail(ctx, record, oplog, "integrity", err)
	}
	oplog.Step("integrity check passed")
	return nil
}

// ReplayStatements runs pre-tokenized statements through the replay
// transaction. The external isolation layer uses this after filtering an
// untrusted dump; internal restores go through Restore.
func (e *Engine) ReplayStatements(ctx context.Context, statements []string, opts Options) (*ReplayResult, error) {
	return e.replay(ctx, statements, opts)
}

func (e *Engine) importMetadata(extractDir string, extracted *archive.ExtractResult) (*backup.Metadata, error) {
	metaJSON, err := archive.ReadMetadata(extractDir, extracted.MetadataEntry)
	if err != nil {
		return nil, err
	}
	meta, err := backup.ParseMetadata(metaJSON)
	if err != nil {
		return nil, err
	}
	if meta.Engine != e.cfg.Datastore.Engine {
		return nil, errors.NewValidationError(
			fmt.Sprintf("archive was taken from a %s datastore but the target runs %s", meta.Engine, e.cfg.Datastore.Engine), nil)
	}
	return meta, nil
}

func (e *Engine) replayDump(ctx context.Context, record *ledger.RestoreRecord, oplog *logging.OperationLogger, dumpPath string, opts Options) error {
	file, err := os.Open(dumpPath)
	if err != nil {
		return errors.NewDatabaseRestoreError(fmt.Sprintf("failed to open dump %s", dumpPath), err)
	}
	statements, err := SplitStatements(file)
	file.Close()
	if err != nil {
		return err
	}

	phaseStart := time.Now()
	result, err := e.replay(ctx, statements, opts)
	if err != nil {
		e.logger.LogPhase("restore", "replay", time.Since(phaseStart), err)
		return err
	}
	e.logger.LogStatementReplay(result.Total, result.Executed, result.DeferredResolved, result.Failed, time.Since(phaseStart))

	record.TotalStatements = result.Total
	record.FailedStatements = result.Failed
	record.RecordsRestored = result.Executed

	oplog.Stepf("replay: %d/%d executed, %d duplicate(s) skipped, %d deferred resolved, %d failed",
		result.Executed, result.Total, result.SkippedDuplicates, result.DeferredResolved, result.Failed)
	for _, failure := range result.Failures {
		oplog.Stepf("statement failed: %s", failure)
	}
	return nil
}

// restoreRawFile handles archives whose database entry is a verbatim copy of
// the datastore file. Replacing the file swaps the entire ledger underneath
// us, so instead of mutating records across two incompatible datastores we
// fork a fresh BackupRecord and RestoreRecord pair inside the new one.
func (e *Engine) restoreRawFile(ctx context.Context, source *ledger.BackupRecord, record *ledger.RestoreRecord, oplog *logging.OperationLogger, dumpPath string, opts Options) error {
	phaseStart := time.Now()
	stats, err := e.strategy.Import(ctx, dumpPath)
	e.logger.LogPhase("restore", "raw-replace", time.Since(phaseStart), err)
	if err != nil {
		return e.fail(ctx, record, oplog, "raw-replace", err)
	}
	oplog.Stepf("datastore file replaced via %s", stats.Tool)

	// The ledger now belongs to the restored datastore instance. Fork new
	// records there; the old ones no longer exist in this database.
	forkedBackup := &ledger.BackupRecord{
		ID:           ledger.NewID("backup"),
		Name:         source.Name,
		BackupType:   source.BackupType,
		Status:       ledger.StatusCompleted,
		FilePath:     source.FilePath,
		FileSize:     source.FileSize,
		Checksum:     source.Checksum,
		RecordsCount: source.RecordsCount,
		TablesCount:  source.TablesCount,
		FilesCount:   source.FilesCount,
		StartedAt:    source.StartedAt,
		CompletedAt:  source.CompletedAt,
		CreatedBy:    source.CreatedBy,
	}
	if err := e.repo.CreateBackup(ctx, forkedBackup); err != nil {
		return e.fail(ctx, record, oplog, "fork", err)
	}

	now := time.Now().UTC()
	forkedRestore := &ledger.RestoreRecord{
		ID:          ledger.NewID("restore"),
		BackupID:    forkedBackup.ID,
		Status:      ledger.StatusCompleted,
		StartedAt:   record.StartedAt,
		CompletedAt: &now,
		CreatedBy:   opts.Principal,
		Log:         oplog.Transcript(),
	}
	if err := e.repo.CreateRestore(ctx, forkedRestore); err != nil {
		return e.fail(ctx, record, oplog, "fork", err)
	}

	oplog.Stepf("forked records %s/%s for the replaced datastore", forkedBackup.ID, forkedRestore.ID)

	// Reflect the fork in the record we return to the caller.
	record.ID = forkedRestore.ID
	record.BackupID = forkedBackup.ID
	record.Status = ledger.StatusCompleted
	record.CompletedAt = &now
	record.Log = forkedRestore.Log
	return nil
}

// restoreFileTrees copies files/<base>/... entries back over the configured
// file directories, matching each archive tree to its directory by base
// name.
func (e *Engine) restoreFileTrees(extractDir string, entries []string) (int, error) {
	targets := make(map[string]string, len(e.cfg.Storage.FileDirs))
	for _, dir := range e.cfg.Storage.FileDirs {
		targets[filepath.Base(dir)] = dir
	}

	restored := 0
	for _, entry := range entries {
		rel := strings.TrimPrefix(entry, archive.FilesPrefix)
		parts := strings.SplitN(rel, "/", 2)
		if len(parts) != 2 {
			continue
		}

		target, ok := targets[parts[0]]
		if !ok {
			e.logger.Warnf("archive carries file tree %q not present in configuration; skipped", parts[0])
			continue
		}

		src := filepath.Join(extractDir, filepath.FromSlash(entry))
		dst := filepath.Join(target, filepath.FromSlash(parts[1]))
		if err := copyFileContents(src, dst); err != nil {
			return restored, errors.NewFileRestoreError(fmt.Sprintf("failed to restore %s", dst), err)
		}
		restored++
	}
	return restored, nil
}

func copyFileContents(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// protectSourceRecord re-reads the source backup's row and force-restores
// the pre-restore snapshot if the replay altered it. A self-referential dump
// must never downgrade its own completed record back to running.
func (e *Engine) protectSourceRecord(ctx context.Context, backupID string, snapshot ledger.Snapshot, oplog *logging.OperationLogger) error {
	current, err := e.repo.GetBackup(ctx, backupID)
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			// The replay deleted the row outright; reinstate it.
			oplog.Step("source backup row vanished during replay; forcing snapshot back")
			return e.repo.ForceBackupSnapshot(ctx, backupID, snapshot)
		}
		return err
	}

	if snapshot.Matches(current) {
		return nil
	}

	oplog.Stepf("replay altered the source backup row (status %s); restoring snapshot", current.Status)
	return e.repo.ForceBackupSnapshot(ctx, backupID, snapshot)
}

func (e *Engine) fail(ctx context.Context, record *ledger.RestoreRecord, oplog *logging.OperationLogger, phase string, cause error) error {
	oplog.Failure(phase, cause)

	record.Status = ledger.StatusFailed
	record.Error = cause.Error()
	record.Log = oplog.Transcript()
	now := time.Now().UTC()
	record.CompletedAt = &now

	if err := e.repo.UpdateRestore(ctx, record); err != nil {
		e.logger.Errorf("failed to persist failure of restore %s: %v", record.ID, err)
	}
	return cause
}
