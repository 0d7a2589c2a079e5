package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"snapvault/internal/errors"
)

// Repository persists ledger records in the application's primary datastore.
// Each record type is exclusively owned by its operating service; the
// repository enforces lifecycle invariants shared across them.
type Repository struct {
	db     *sql.DB
	driver string
}

// NewRepository creates a repository over an open database handle.
// driver selects placeholder syntax ("pgx" uses $n, everything else ?).
func NewRepository(db *sql.DB, driver string) *Repository {
	return &Repository{db: db, driver: driver}
}

// rebind converts ? placeholders to the driver's native syntax
func (r *Repository) rebind(query string) string {
	if r.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

// EnsureSchema creates the ledger tables if they do not exist
func (r *Repository) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS backup_records (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			backup_type VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			file_path TEXT,
			file_size BIGINT DEFAULT 0,
			checksum VARCHAR(64),
			records_count INTEGER DEFAULT 0,
			tables_count INTEGER DEFAULT 0,
			files_count INTEGER DEFAULT 0,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			log TEXT,
			error TEXT,
			created_by VARCHAR(255)
		)`,
		`CREATE TABLE IF NOT EXISTS restore_records (
			id VARCHAR(64) PRIMARY KEY,
			backup_id VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			records_restored INTEGER DEFAULT 0,
			files_restored INTEGER DEFAULT 0,
			failed_statements INTEGER DEFAULT 0,
			total_statements INTEGER DEFAULT 0,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			log TEXT,
			error TEXT,
			created_by VARCHAR(255)
		)`,
		`CREATE TABLE IF NOT EXISTS uploaded_backups (
			id VARCHAR(64) PRIMARY KEY,
			label VARCHAR(255),
			file_path TEXT NOT NULL,
			file_size BIGINT DEFAULT 0,
			checksum VARCHAR(64),
			detected_type VARCHAR(64),
			source_system VARCHAR(64),
			status VARCHAR(32) NOT NULL,
			validation_report TEXT,
			created_by VARCHAR(255),
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS external_restorations (
			id VARCHAR(64) PRIMARY KEY,
			upload_id VARCHAR(64) NOT NULL,
			merge_strategy VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			progress INTEGER DEFAULT 0,
			current_step VARCHAR(64),
			tables_processed INTEGER DEFAULT 0,
			records_processed INTEGER DEFAULT 0,
			files_processed INTEGER DEFAULT 0,
			tables_preserved INTEGER DEFAULT 0,
			conflicts_resolved INTEGER DEFAULT 0,
			rollback_info TEXT,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			error TEXT,
			created_by VARCHAR(255)
		)`,
	}

	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return errors.NewStorageError("failed to create ledger table", err)
		}
	}

	return nil
}

// Backup records

// CreateBackup inserts a new backup record
func (r *Repository) CreateBackup(ctx context.Context, b *BackupRecord) error {
	query := r.rebind(`INSERT INTO backup_records
		(id, name, backup_type, status, file_path, file_size, checksum,
		 records_count, tables_count, files_count, started_at, completed_at, log, error, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := r.db.ExecContext(ctx, query,
		b.ID, b.Name, string(b.BackupType), string(b.Status), b.FilePath, b.FileSize, b.Checksum,
		b.RecordsCount, b.TablesCount, b.FilesCount, b.StartedAt, nullTime(b.CompletedAt),
		b.Log, b.Error, b.CreatedBy)
	if err != nil {
		return errors.NewStorageError("failed to insert backup record", err)
	}

	return nil
}

// UpdateBackup persists the mutable fields of a backup record
func (r *Repository) UpdateBackup(ctx context.Context, b *BackupRecord) error {
	query := r.rebind(`UPDATE backup_records SET
		name = ?, backup_type = ?, status = ?, file_path = ?, file_size = ?, checksum = ?,
		records_count = ?, tables_count = ?, files_count = ?, started_at = ?, completed_at = ?,
		log = ?, error = ?, created_by = ?
		WHERE id = ?`)

	res, err := r.db.ExecContext(ctx, query,
		b.Name, string(b.BackupType), string(b.Status), b.FilePath, b.FileSize, b.Checksum,
		b.RecordsCount, b.TablesCount, b.FilesCount, b.StartedAt, nullTime(b.CompletedAt),
		b.Log, b.Error, b.CreatedBy, b.ID)
	if err != nil {
		return errors.NewStorageError("failed to update backup record", err)
	}

	return requireRowAffected(res, "backup record", b.ID)
}

// GetBackup retrieves a backup record by ID
func (r *Repository) GetBackup(ctx context.Context, id string) (*BackupRecord, error) {
	query := r.rebind(`SELECT id, name, backup_type, status, file_path, file_size, checksum,
		records_count, tables_count, files_count, started_at, completed_at, log, error, created_by
		FROM backup_records WHERE id = ?`)

	row := r.db.QueryRowContext(ctx, query, id)
	return scanBackup(row)
}

// ListBackups lists backup records, newest first
func (r *Repository) ListBackups(ctx context.Context, limit int) ([]*BackupRecord, error) {
	query := `SELECT id, name, backup_type, status, file_path, file_size, checksum,
		records_count, tables_count, files_count, started_at, completed_at, log, error, created_by
		FROM backup_records ORDER BY started_at DESC`
	if limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.NewStorageError("failed to list backup records", err)
	}
	defer rows.Close()

	var records []*BackupRecord
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, b)
	}

	return records, rows.Err()
}

// FindRunningByName returns non-terminal backups for a named configuration,
// letting callers refuse overlapping runs.
func (r *Repository) FindRunningByName(ctx context.Context, name string) ([]*BackupRecord, error) {
	query := r.rebind(`SELECT id, name, backup_type, status, file_path, file_size, checksum,
		records_count, tables_count, files_count, started_at, completed_at, log, error, created_by
		FROM backup_records WHERE name = ? AND status IN ('pending', 'running')`)

	rows, err := r.db.QueryContext(ctx, query, name)
	if err != nil {
		return nil, errors.NewStorageError("failed to query running backups", err)
	}
	defer rows.Close()

	var records []*BackupRecord
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, b)
	}

	return records, rows.Err()
}

// DeleteBackup removes a backup record. The caller removes the artifact file
// together with the record.
func (r *Repository) DeleteBackup(ctx context.Context, id string) error {
	query := r.rebind(`DELETE FROM backup_records WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return errors.NewStorageError("failed to delete backup record", err)
	}
	return requireRowAffected(res, "backup record", id)
}

// ForceBackupSnapshot overwrites the protected fields of a backup record with
// a pre-restore snapshot. Used by the restore engine's self-protection pass
// after the transaction has committed.
func (r *Repository) ForceBackupSnapshot(ctx context.Context, id string, snap Snapshot) error {
	query := r.rebind(`UPDATE backup_records SET
		status = ?, file_path = ?, file_size = ?, checksum = ?, started_at = ?, completed_at = ?
		WHERE id = ?`)

	res, err := r.db.ExecContext(ctx, query,
		string(snap.Status), snap.FilePath, snap.FileSize, snap.Checksum,
		snap.StartedAt, nullTime(snap.CompletedAt), id)
	if err != nil {
		return errors.NewStorageError("failed to force-restore backup snapshot", err)
	}

	return requireRowAffected(res, "backup record", id)
}

// Restore records

// CreateRestore inserts a new restore record
func (r *Repository) CreateRestore(ctx context.Context, rec *RestoreRecord) error {
	query := r.rebind(`INSERT INTO restore_records
		(id, backup_id, status, records_restored, files_restored, failed_statements,
		 total_statements, started_at, completed_at, log, error, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.BackupID, string(rec.Status), rec.RecordsRestored, rec.FilesRestored,
		rec.FailedStatements, rec.TotalStatements, rec.StartedAt, nullTime(rec.CompletedAt),
		rec.Log, rec.Error, rec.CreatedBy)
	if err != nil {
		return errors.NewStorageError("failed to insert restore record", err)
	}

	return nil
}

// UpdateRestore persists the mutable fields of a restore record
func (r *Repository) UpdateRestore(ctx context.Context, rec *RestoreRecord) error {
	query := r.rebind(`UPDATE restore_records SET
		backup_id = ?, status = ?, records_restored = ?, files_restored = ?,
		failed_statements = ?, total_statements = ?, started_at = ?, completed_at = ?,
		log = ?, error = ?, created_by = ?
		WHERE id = ?`)

	res, err := r.db.ExecContext(ctx, query,
		rec.BackupID, string(rec.Status), rec.RecordsRestored, rec.FilesRestored,
		rec.FailedStatements, rec.TotalStatements, rec.StartedAt, nullTime(rec.CompletedAt),
		rec.Log, rec.Error, rec.CreatedBy, rec.ID)
	if err != nil {
		return errors.NewStorageError("failed to update restore record", err)
	}

	return requireRowAffected(res, "restore record", rec.ID)
}

// GetRestore retrieves a restore record by ID
func (r *Repository) GetRestore(ctx context.Context, id string) (*RestoreRecord, error) {
	query := r.rebind(`SELECT id, backup_id, status, records_restored, files_restored,
		failed_statements, total_statements, started_at, completed_at, log, error, created_by
		FROM restore_records WHERE id = ?`)

	row := r.db.QueryRowContext(ctx, query, id)

	var rec RestoreRecord
	var status string
	var completedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.BackupID, &status, &rec.RecordsRestored, &rec.FilesRestored,
		&rec.FailedStatements, &rec.TotalStatements, &rec.StartedAt, &completedAt,
		&rec.Log, &rec.Error, &rec.CreatedBy)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError(fmt.Sprintf("restore record %s not found", id), err)
	}
	if err != nil {
		return nil, errors.NewStorageError("failed to read restore record", err)
	}

	rec.Status = Status(status)
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}

	return &rec, nil
}

// DeleteRestore removes a restore record, refusing while it is non-terminal
func (r *Repository) DeleteRestore(ctx context.Context, id string) error {
	rec, err := r.GetRestore(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Status.IsTerminal() {
		return errors.NewValidationError(
			fmt.Sprintf("restore record %s is %s and cannot be deleted", id, rec.Status), nil)
	}

	query := r.rebind(`DELETE FROM restore_records WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return errors.NewStorageError("failed to delete restore record", err)
	}

	return requireRowAffected(res, "restore record", id)
}

// Uploaded backups

// CreateUpload inserts a new uploaded backup record
func (r *Repository) CreateUpload(ctx context.Context, u *UploadedBackup) error {
	query := r.rebind(`INSERT INTO uploaded_backups
		(id, label, file_path, file_size, checksum, detected_type, source_system,
		 status, validation_report, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := r.db.ExecContext(ctx, query,
		u.ID, u.Label, u.FilePath, u.FileSize, u.Checksum, u.DetectedType, u.SourceSystem,
		string(u.Status), u.ValidationReport, u.CreatedBy, u.CreatedAt)
	if err != nil {
		return errors.NewStorageError("failed to insert uploaded backup", err)
	}

	return nil
}

// UpdateUpload persists the mutable fields of an uploaded backup
func (r *Repository) UpdateUpload(ctx context.Context, u *UploadedBackup) error {
	query := r.rebind(`UPDATE uploaded_backups SET
		label = ?, file_path = ?, file_size = ?, checksum = ?, detected_type = ?,
		source_system = ?, status = ?, validation_report = ?
		WHERE id = ?`)

	res, err := r.db.ExecContext(ctx, query,
		u.Label, u.FilePath, u.FileSize, u.Checksum, u.DetectedType,
		u.SourceSystem, string(u.Status), u.ValidationReport, u.ID)
	if err != nil {
		return errors.NewStorageError("failed to update uploaded backup", err)
	}

	return requireRowAffected(res, "uploaded backup", u.ID)
}

// GetUpload retrieves an uploaded backup by ID
func (r *Repository) GetUpload(ctx context.Context, id string) (*UploadedBackup, error) {
	query := r.rebind(`SELECT id, label, file_path, file_size, checksum, detected_type,
		source_system, status, validation_report, created_by, created_at
		FROM uploaded_backups WHERE id = ?`)

	row := r.db.QueryRowContext(ctx, query, id)

	var u UploadedBackup
	var status string
	err := row.Scan(&u.ID, &u.Label, &u.FilePath, &u.FileSize, &u.Checksum, &u.DetectedType,
		&u.SourceSystem, &status, &u.ValidationReport, &u.CreatedBy, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError(fmt.Sprintf("uploaded backup %s not found", id), err)
	}
	if err != nil {
		return nil, errors.NewStorageError("failed to read uploaded backup", err)
	}

	u.Status = UploadStatus(status)
	return &u, nil
}

// ListStaleUploads returns never-promoted uploads older than the cutoff
func (r *Repository) ListStaleUploads(ctx context.Context, cutoff time.Time) ([]*UploadedBackup, error) {
	query := r.rebind(`SELECT id, label, file_path, file_size, checksum, detected_type,
		source_system, status, validation_report, created_by, created_at
		FROM uploaded_backups WHERE status <> 'ready' AND created_at < ?`)

	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, errors.NewStorageError("failed to list stale uploads", err)
	}
	defer rows.Close()

	var uploads []*UploadedBackup
	for rows.Next() {
		var u UploadedBackup
		var status string
		err := rows.Scan(&u.ID, &u.Label, &u.FilePath, &u.FileSize, &u.Checksum, &u.DetectedType,
			&u.SourceSystem, &status, &u.ValidationReport, &u.CreatedBy, &u.CreatedAt)
		if err != nil {
			return nil, errors.NewStorageError("failed to scan uploaded backup", err)
		}
		u.Status = UploadStatus(status)
		uploads = append(uploads, &u)
	}

	return uploads, rows.Err()
}

// ReadyUploadPaths returns the file paths of all uploads that passed
// validation and are still awaiting restoration
func (r *Repository) ReadyUploadPaths(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT file_path FROM uploaded_backups WHERE status = 'ready' AND file_path <> ''`)
	if err != nil {
		return nil, errors.NewStorageError("failed to list ready uploads", err)
	}
	defer rows.Close()

	paths := make(map[string]bool)
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, errors.NewStorageError("failed to scan upload path", err)
		}
		paths[path] = true
	}

	return paths, rows.Err()
}

// DeleteUpload removes an uploaded backup record
func (r *Repository) DeleteUpload(ctx context.Context, id string) error {
	query := r.rebind(`DELETE FROM uploaded_backups WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return errors.NewStorageError("failed to delete uploaded backup", err)
	}
	return requireRowAffected(res, "uploaded backup", id)
}

// External restorations

// CreateExternal inserts a new external restoration record
func (r *Repository) CreateExternal(ctx context.Context, e *ExternalRestoration) error {
	query := r.rebind(`INSERT INTO external_restorations
		(id, upload_id, merge_strategy, status, progress, current_step,
		 tables_processed, records_processed, files_processed, tables_preserved,
		 conflicts_resolved, rollback_info, started_at, completed_at, error, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.UploadID, string(e.MergeStrategy), string(e.Status), e.Progress, e.CurrentStep,
		e.TablesProcessed, e.RecordsProcessed, e.FilesProcessed, e.TablesPreserved,
		e.ConflictsResolved, e.RollbackInfo, e.StartedAt, nullTime(e.CompletedAt), e.Error, e.CreatedBy)
	if err != nil {
		return errors.NewStorageError("failed to insert external restoration", err)
	}

	return nil
}

// UpdateExternal persists the mutable fields of an external restoration
func (r *Repository) UpdateExternal(ctx context.Context, e *ExternalRestoration) error {
	query := r.rebind(`UPDATE external_restorations SET
		status = ?, progress = ?, current_step = ?, tables_processed = ?,
		records_processed = ?, files_processed = ?, tables_preserved = ?,
		conflicts_resolved = ?, rollback_info = ?, completed_at = ?, error = ?
		WHERE id = ?`)

	res, err := r.db.ExecContext(ctx, query,
		string(e.Status), e.Progress, e.CurrentStep, e.TablesProcessed,
		e.RecordsProcessed, e.FilesProcessed, e.TablesPreserved,
		e.ConflictsResolved, e.RollbackInfo, nullTime(e.CompletedAt), e.Error, e.ID)
	if err != nil {
		return errors.NewStorageError("failed to update external restoration", err)
	}

	return requireRowAffected(res, "external restoration", e.ID)
}

// GetExternal retrieves an external restoration by ID
func (r *Repository) GetExternal(ctx context.Context, id string) (*ExternalRestoration, error) {
	query := r.rebind(`SELECT id, upload_id, merge_strategy, status, progress, current_step,
		tables_processed, records_processed, files_processed, tables_preserved,
		conflicts_resolved, rollback_info, started_at, completed_at, error, created_by
		FROM external_restorations WHERE id = ?`)

	row := r.db.QueryRowContext(ctx, query, id)

	var e ExternalRestoration
	var strategy, status string
	var completedAt sql.NullTime
	err := row.Scan(&e.ID, &e.UploadID, &strategy, &status, &e.Progress, &e.CurrentStep,
		&e.TablesProcessed, &e.RecordsProcessed, &e.FilesProcessed, &e.TablesPreserved,
		&e.ConflictsResolved, &e.RollbackInfo, &e.StartedAt, &completedAt, &e.Error, &e.CreatedBy)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError(fmt.Sprintf("external restoration %s not found", id), err)
	}
	if err != nil {
		return nil, errors.NewStorageError("failed to read external restoration", err)
	}

	e.MergeStrategy = MergeStrategy(strategy)
	e.Status = ExternalStatus(status)
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}

	return &e, nil
}

// CancelExternal cancels an external restoration while still cancellable
func (r *Repository) CancelExternal(ctx context.Context, id string) error {
	rec, err := r.GetExternal(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Status.Cancellable() {
		return errors.NewValidationError(
			fmt.Sprintf("external restoration %s is %s and can no longer be cancelled", id, rec.Status), nil)
	}

	now := time.Now().UTC()
	rec.Status = ExternalStatusCancelled
	rec.CompletedAt = &now

	return r.UpdateExternal(ctx, rec)
}

// ReferencedArtifactPaths returns the file paths of all live backup artifacts,
// feeding the storage service's reference cache.
func (r *Repository) ReferencedArtifactPaths(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT file_path FROM backup_records WHERE file_path IS NOT NULL AND file_path <> ''`)
	if err != nil {
		return nil, errors.NewStorageError("failed to query referenced artifacts", err)
	}
	defer rows.Close()

	refs := make(map[string]bool)
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, errors.NewStorageError("failed to scan artifact path", err)
		}
		refs[path] = true
	}

	return refs, rows.Err()
}

// helpers

func scanBackup(row interface {
	Scan(dest ...interface{}) error
}) (*BackupRecord, error) {
	var b BackupRecord
	var backupType, status string
	var completedAt sql.NullTime

	err := row.Scan(&b.ID, &b.Name, &backupType, &status, &b.FilePath, &b.FileSize, &b.Checksum,
		&b.RecordsCount, &b.TablesCount, &b.FilesCount, &b.StartedAt, &completedAt,
		&b.Log, &b.Error, &b.CreatedBy)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("backup record not found", err)
	}
	if err != nil {
		return nil, errors.NewStorageError("failed to read backup record", err)
	}

	b.BackupType = BackupType(backupType)
	b.Status = Status(status)
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}

	return &b, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func requireRowAffected(res sql.Result, what, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if affected == 0 {
		return errors.NewNotFoundError(fmt.Sprintf("%s %s not found", what, id), nil)
	}
	return nil
}
