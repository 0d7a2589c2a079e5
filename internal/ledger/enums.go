package ledger

// Status is the shared lifecycle for backup and restore attempts
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether a record in this status may be deleted
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether the status is a known lifecycle state
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// BackupType declares which phases a backup runs
type BackupType string

const (
	BackupTypeFull         BackupType = "full"
	BackupTypeDataOnly     BackupType = "data_only"
	BackupTypeMetadataOnly BackupType = "metadata_only"
)

// Valid reports whether the backup type is known
func (t BackupType) Valid() bool {
	switch t {
	case BackupTypeFull, BackupTypeDataOnly, BackupTypeMetadataOnly:
		return true
	default:
		return false
	}
}

// UploadStatus is the lifecycle of an externally supplied archive
type UploadStatus string

const (
	UploadStatusProcessing       UploadStatus = "processing"
	UploadStatusReady            UploadStatus = "ready"
	UploadStatusFailedValidation UploadStatus = "failed_validation"
	UploadStatusCorrupted        UploadStatus = "corrupted"
)

// ExternalStatus is the phased lifecycle of an external restoration
type ExternalStatus string

const (
	ExternalStatusPending    ExternalStatus = "pending"
	ExternalStatusExtracting ExternalStatus = "extracting"
	ExternalStatusAnalyzing  ExternalStatus = "analyzing"
	ExternalStatusExecuting  ExternalStatus = "executing"
	ExternalStatusFinalizing ExternalStatus = "finalizing"
	ExternalStatusCompleted  ExternalStatus = "completed"
	ExternalStatusFailed     ExternalStatus = "failed"
	ExternalStatusCancelled  ExternalStatus = "cancelled"
)

// Cancellable reports whether an external restoration may still be cancelled.
// Once executing has begun, partial commits are not guaranteed reversible.
func (s ExternalStatus) Cancellable() bool {
	switch s {
	case ExternalStatusPending, ExternalStatusExtracting, ExternalStatusAnalyzing:
		return true
	default:
		return false
	}
}

// MergeStrategy governs how an external restore reconciles with existing data
type MergeStrategy string

const (
	// MergeStrategyPreserveSystem keeps all protected tables untouched
	MergeStrategyPreserveSystem MergeStrategy = "preserveSystem"
	// MergeStrategyMerge upserts business rows, preserving protected tables
	MergeStrategyMerge MergeStrategy = "merge"
	// MergeStrategyReplace is recognized only to be rejected
	MergeStrategyReplace MergeStrategy = "replace"
)

// Allowed reports whether the strategy may be executed; replace never is
func (m MergeStrategy) Allowed() bool {
	switch m {
	case MergeStrategyPreserveSystem, MergeStrategyMerge:
		return true
	default:
		return false
	}
}

// Ledger table names. These tables are part of the protected set: externally
// sourced restores must never write to them.
const (
	TableBackupRecords        = "backup_records"
	TableRestoreRecords       = "restore_records"
	TableUploadedBackups      = "uploaded_backups"
	TableExternalRestorations = "external_restorations"
)

// Tables lists every ledger table
func Tables() []string {
	return []string{
		TableBackupRecords,
		TableRestoreRecords,
		TableUploadedBackups,
		TableExternalRestorations,
	}
}
