package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"snapvault/internal/config"
	"snapvault/internal/errors"
	"snapvault/internal/ledger"
)

// MetadataFormatVersion identifies the metadata document layout. Bump when
// fields change incompatibly.
const MetadataFormatVersion = "1.0"

// TableInfo captures one table's name and row count at export time.
type TableInfo struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

// Metadata is the portable description of the datastore bundled into every
// archive. The restore side uses it to sanity-check the archive against the
// target before replaying anything.
type Metadata struct {
	FormatVersion string            `json:"format_version"`
	Engine        config.EngineKind `json:"engine"`
	BackupID      string            `json:"backup_id"`
	Name          string            `json:"name"`
	BackupType    ledger.BackupType `json:"backup_type"`
	CreatedAt     time.Time         `json:"created_at"`
	CreatedBy     string            `json:"created_by"`
	Tables        []TableInfo       `json:"tables"`
	TotalRows     int64             `json:"total_rows"`
	FileDirs      []string          `json:"file_dirs,omitempty"`
}

// ToJSON serializes the metadata document.
func (m *Metadata) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, errors.NewStorageError("failed to serialize metadata", err)
	}
	return data, nil
}

// ParseMetadata deserializes a metadata document.
func ParseMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.NewValidationError("malformed metadata document", err)
	}
	if m.FormatVersion == "" {
		return nil, errors.NewValidationError("metadata document missing format version", nil)
	}
	return &m, nil
}

// ExportMetadata inspects the live datastore and builds the metadata
// document for a backup record.
func ExportMetadata(ctx context.Context, db *sql.DB, engine config.EngineKind, record *ledger.BackupRecord, fileDirs []string) (*Metadata, error) {
	tables, err := ListTables(ctx, db, engine)
	if err != nil {
		return nil, err
	}

	meta := &Metadata{
		FormatVersion: MetadataFormatVersion,
		Engine:        engine,
		BackupID:      record.ID,
		Name:          record.Name,
		BackupType:    record.BackupType,
		CreatedAt:     time.Now().UTC(),
		CreatedBy:     record.CreatedBy,
		FileDirs:      fileDirs,
	}

	for _, table := range tables {
		rows, err := countRows(ctx, db, engine, table)
		if err != nil {
			return nil, err
		}
		meta.Tables = append(meta.Tables, TableInfo{Name: table, Rows: rows})
		meta.TotalRows += rows
	}

	return meta, nil
}

// ListTables returns the user tables of the live datastore, per engine catalog.
func ListTables(ctx context.Context, db *sql.DB, engine config.EngineKind) ([]string, error) {
	var query string
	switch engine {
	case config.EngineSQLite:
		query = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	case config.EngineMySQL:
		query = `SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE' ORDER BY table_name`
	case config.EnginePostgres:
		query = `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_type = 'BASE TABLE' ORDER BY table_name`
	default:
		return nil, errors.NewConfigurationError(fmt.Sprintf("unsupported datastore engine: %s", engine), nil)
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.NewStorageError("failed to list datastore tables", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.NewStorageError("failed to scan table name", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError("failed to iterate table list", err)
	}
	return tables, nil
}

func countRows(ctx context.Context, db *sql.DB, engine config.EngineKind, table string) (int64, error) {
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(engine, table))
	if err := db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, errors.NewStorageError(fmt.Sprintf("failed to count rows in %s", table), err)
	}
	return count, nil
}

// quoteIdent quotes a table name that came from the engine's own catalog.
func quoteIdent(engine config.EngineKind, name string) string {
	if engine == config.EngineMySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
