package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"snapvault/internal/errors"
)

// BackupRecord is one backup attempt in the history ledger
type BackupRecord struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	BackupType   BackupType `json:"backup_type"`
	Status       Status     `json:"status"`
	FilePath     string     `json:"file_path,omitempty"`
	FileSize     int64      `json:"file_size,omitempty"`
	Checksum     string     `json:"checksum,omitempty"`
	RecordsCount int        `json:"records_count"`
	TablesCount  int        `json:"tables_count"`
	FilesCount   int        `json:"files_count"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Log          string     `json:"log,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedBy    string     `json:"created_by"`
}

// Duration derives the elapsed time of the attempt
func (b *BackupRecord) Duration() time.Duration {
	if b.CompletedAt == nil {
		return 0
	}
	return b.CompletedAt.Sub(b.StartedAt)
}

// Validate checks the record's internal consistency. A completed record must
// carry file path, size and checksum together, and the artifact must exist.
func (b *BackupRecord) Validate() error {
	var errs errors.ValidationErrors

	if b.ID == "" {
		errs.Add("id", "backup ID is required", b.ID)
	}
	if b.Name == "" {
		errs.Add("name", "backup name is required", b.Name)
	}
	if !b.BackupType.Valid() {
		errs.Add("backup_type", "invalid backup type", b.BackupType)
	}
	if !b.Status.Valid() {
		errs.Add("status", "invalid backup status", b.Status)
	}

	if b.Status == StatusCompleted {
		if b.FilePath == "" || b.FileSize == 0 || b.Checksum == "" {
			errs.Add("file_path", "completed backups must have file path, size and checksum", nil)
		} else if _, err := os.Stat(b.FilePath); err != nil {
			errs.Add("file_path", "completed backup artifact does not exist", b.FilePath)
		}
	}

	if errs.HasErrors() {
		return errs
	}

	return nil
}

// Snapshot captures the fields that must survive a self-referential restore
type Snapshot struct {
	Status      Status     `json:"status"`
	FilePath    string     `json:"file_path"`
	FileSize    int64      `json:"file_size"`
	Checksum    string     `json:"checksum"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// Snapshot returns the record's protected fields
func (b *BackupRecord) Snapshot() Snapshot {
	return Snapshot{
		Status:      b.Status,
		FilePath:    b.FilePath,
		FileSize:    b.FileSize,
		Checksum:    b.Checksum,
		StartedAt:   b.StartedAt,
		CompletedAt: b.CompletedAt,
	}
}

// Matches reports whether the record still carries the snapshot's fields
func (s Snapshot) Matches(b *BackupRecord) bool {
	if s.Status != b.Status || s.FilePath != b.FilePath ||
		s.FileSize != b.FileSize || s.Checksum != b.Checksum {
		return false
	}
	if !s.StartedAt.Equal(b.StartedAt) {
		return false
	}
	if (s.CompletedAt == nil) != (b.CompletedAt == nil) {
		return false
	}
	if s.CompletedAt != nil && !s.CompletedAt.Equal(*b.CompletedAt) {
		return false
	}
	return true
}

// RestoreRecord is one restore attempt referencing exactly one BackupRecord
type RestoreRecord struct {
	ID               string     `json:"id"`
	BackupID         string     `json:"backup_id"`
	Status           Status     `json:"status"`
	RecordsRestored  int        `json:"records_restored"`
	FilesRestored    int        `json:"files_restored"`
	FailedStatements int        `json:"failed_statements"`
	TotalStatements  int        `json:"total_statements"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Log              string     `json:"log,omitempty"`
	Error            string     `json:"error,omitempty"`
	CreatedBy        string     `json:"created_by"`
}

// Validate checks the restore record
func (r *RestoreRecord) Validate() error {
	var errs errors.ValidationErrors

	if r.ID == "" {
		errs.Add("id", "restore ID is required", r.ID)
	}
	if r.BackupID == "" {
		errs.Add("backup_id", "source backup ID is required", r.BackupID)
	}
	if !r.Status.Valid() {
		errs.Add("status", "invalid restore status", r.Status)
	}

	if errs.HasErrors() {
		return errs
	}

	return nil
}

// UploadedBackup is an externally supplied archive, isolated from BackupRecord
// by construction: separate storage tree, separate table.
type UploadedBackup struct {
	ID               string       `json:"id"`
	Label            string       `json:"label"`
	FilePath         string       `json:"file_path"`
	FileSize         int64        `json:"file_size"`
	Checksum         string       `json:"checksum"`
	DetectedType     string       `json:"detected_type,omitempty"`
	SourceSystem     string       `json:"source_system,omitempty"`
	Status           UploadStatus `json:"status"`
	ValidationReport string       `json:"validation_report,omitempty"`
	CreatedBy        string       `json:"created_by"`
	CreatedAt        time.Time    `json:"created_at"`
}

// ExternalRestoration is a restore attempt sourced from an UploadedBackup
type ExternalRestoration struct {
	ID                string         `json:"id"`
	UploadID          string         `json:"upload_id"`
	MergeStrategy     MergeStrategy  `json:"merge_strategy"`
	Status            ExternalStatus `json:"status"`
	Progress          int            `json:"progress"`
	CurrentStep       string         `json:"current_step"`
	TablesProcessed   int            `json:"tables_processed"`
	RecordsProcessed  int            `json:"records_processed"`
	FilesProcessed    int            `json:"files_processed"`
	TablesPreserved   int            `json:"tables_preserved"`
	ConflictsResolved int            `json:"conflicts_resolved"`
	RollbackInfo      string         `json:"rollback_info,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Error             string         `json:"error,omitempty"`
	CreatedBy         string         `json:"created_by"`
}

// SetProgress clamps and applies a step/percent update
func (e *ExternalRestoration) SetProgress(step string, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	e.CurrentStep = step
	e.Progress = percent
}

// NewID generates a timestamp-prefixed unique record ID
func NewID(prefix string) string {
	timestamp := time.Now().UTC().Format("20060102-150405")
	short := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%s", prefix, timestamp, short)
}

// ChecksumHex calculates a SHA-256 checksum for arbitrary data
func ChecksumHex(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ToJSON serializes a record for export or logging
func ToJSON(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
