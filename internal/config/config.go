package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"snapvault/internal/errors"
)

// EngineKind identifies which native dump/restore utility is invoked
type EngineKind string

const (
	EngineSQLite   EngineKind = "sqlite"
	EngineMySQL    EngineKind = "mysql"
	EnginePostgres EngineKind = "postgres"
)

// Config is the root configuration for the backup/restore engine
type Config struct {
	Datastore  DatastoreConfig  `yaml:"datastore"`
	Storage    StorageConfig    `yaml:"storage"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Backup     BackupConfig     `yaml:"backup"`
	Security   SecurityConfig   `yaml:"security"`
	Cleanup    CleanupConfig    `yaml:"cleanup"`
	Offsite    OffsiteConfig    `yaml:"offsite"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DatastoreConfig describes the primary relational datastore connection
type DatastoreConfig struct {
	Engine   EngineKind `yaml:"engine"`
	Host     string     `yaml:"host"`
	Port     int        `yaml:"port"`
	Username string     `yaml:"username"`
	Password string     `yaml:"password"`
	Database string     `yaml:"database"`
	// Path is the datastore file for the sqlite engine
	Path string `yaml:"path"`
	// DumpTimeout bounds native dump/restore subprocesses
	DumpTimeout time.Duration `yaml:"dump_timeout"`
}

// DSN builds the driver connection string for the configured engine
func (dc *DatastoreConfig) DSN() string {
	switch dc.Engine {
	case EngineMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			dc.Username, dc.Password, dc.Host, dc.Port, dc.Database)
	case EnginePostgres:
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
			dc.Username, dc.Password, dc.Host, dc.Port, dc.Database)
	default:
		return dc.Path
	}
}

// DriverName returns the database/sql driver name for the configured engine
func (dc *DatastoreConfig) DriverName() string {
	switch dc.Engine {
	case EngineMySQL:
		return "mysql"
	case EnginePostgres:
		return "pgx"
	default:
		return "sqlite"
	}
}

// StorageConfig lays out the on-disk zones managed by the storage service
type StorageConfig struct {
	// Root is the base directory; zone paths default beneath it
	Root string `yaml:"root"`
	// ManagedDir holds completed encrypted artifacts
	ManagedDir string `yaml:"managed_dir"`
	// TempDir holds per-operation working directories
	TempDir string `yaml:"temp_dir"`
	// UploadsDir holds externally supplied archives
	UploadsDir string `yaml:"uploads_dir"`
	// RestoreScratchDir holds extraction workspaces
	RestoreScratchDir string `yaml:"restore_scratch_dir"`
	// FileDirs are the application media/log directories included in full backups
	FileDirs []string `yaml:"file_dirs"`
	// ReferenceCacheTTL bounds staleness of the artifact reference cache
	ReferenceCacheTTL time.Duration `yaml:"reference_cache_ttl"`
}

// EncryptionConfig configures key derivation for backup artifacts
type EncryptionConfig struct {
	// InstallationSecret is mixed into every derived key's salt
	InstallationSecret string `yaml:"installation_secret"`
	// InstallationSecretFile is read when InstallationSecret is empty
	InstallationSecretFile string `yaml:"installation_secret_file"`
	// Iterations for PBKDF2; values below the floor are rejected
	Iterations int `yaml:"iterations"`
	// ChunkSize for streaming encryption, capped at 64KB
	ChunkSize int `yaml:"chunk_size"`
}

// MetadataCompression selects how the metadata export inside the archive is compressed
type MetadataCompression string

const (
	MetadataCompressionNone MetadataCompression = "none"
	MetadataCompressionGzip MetadataCompression = "gzip"
	MetadataCompressionZstd MetadataCompression = "zstd"
	MetadataCompressionLZ4  MetadataCompression = "lz4"
)

// BackupConfig holds backup pipeline defaults
type BackupConfig struct {
	// Name labels backups from this configuration
	Name string `yaml:"name"`
	// MetadataCompression applied to metadata.<ext> inside the archive
	MetadataCompression MetadataCompression `yaml:"metadata_compression"`
	// IncludeFiles copies the configured file dirs into full backups
	IncludeFiles bool `yaml:"include_files"`
	// AuditLogFile enables the audit trail when set
	AuditLogFile string `yaml:"audit_log_file"`
}

// SecurityConfig bounds the upload validation layer
type SecurityConfig struct {
	MaxUploadSize       int64         `yaml:"max_upload_size"`
	AllowedExtensions   []string      `yaml:"allowed_extensions"`
	MaxEntryRatio       float64       `yaml:"max_entry_ratio"`
	MaxAggregateRatio   float64       `yaml:"max_aggregate_ratio"`
	MaxDecompressedSize int64         `yaml:"max_decompressed_size"`
	AntivirusCommand    string        `yaml:"antivirus_command"`
	AntivirusTimeout    time.Duration `yaml:"antivirus_timeout"`
}

// CleanupConfig holds per-zone age thresholds
type CleanupConfig struct {
	TempMaxAge    time.Duration `yaml:"temp_max_age"`
	ScratchMaxAge time.Duration `yaml:"scratch_max_age"`
	UploadsMaxAge time.Duration `yaml:"uploads_max_age"`
	ManagedMaxAge time.Duration `yaml:"managed_max_age"`
}

// OffsiteConfig configures optional mirroring of encrypted artifacts
type OffsiteConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"` // "s3", "gcs", "azure"

	S3    S3Config    `yaml:"s3"`
	GCS   GCSConfig   `yaml:"gcs"`
	Azure AzureConfig `yaml:"azure"`
}

// S3Config configures the S3 mirror provider
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Endpoint  string `yaml:"endpoint"`
}

// GCSConfig configures the GCS mirror provider
type GCSConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	ProjectID       string `yaml:"project_id"`
	CredentialsPath string `yaml:"credentials_path"`
}

// AzureConfig configures the Azure Blob mirror provider
type AzureConfig struct {
	AccountName   string `yaml:"account_name"`
	AccountKey    string `yaml:"account_key"`
	ContainerName string `yaml:"container_name"`
	Prefix        string `yaml:"prefix"`
}

// LoggingConfig configures the structured logger
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	LogFile string `yaml:"log_file"`
}

// minPBKDF2Iterations is the floor required for derived keys
const minPBKDF2Iterations = 100000

// maxEncryptionChunkSize bounds streaming chunks so decryption is O(1) memory
const maxEncryptionChunkSize = 64 * 1024

// SetDefaults fills unset fields with safe defaults
func (c *Config) SetDefaults() {
	if c.Datastore.Engine == "" {
		c.Datastore.Engine = EngineSQLite
	}
	if c.Datastore.DumpTimeout == 0 {
		c.Datastore.DumpTimeout = time.Hour
	}
	if c.Datastore.Port == 0 {
		switch c.Datastore.Engine {
		case EngineMySQL:
			c.Datastore.Port = 3306
		case EnginePostgres:
			c.Datastore.Port = 5432
		}
	}

	if c.Storage.Root == "" {
		c.Storage.Root = "./data"
	}
	if c.Storage.ManagedDir == "" {
		c.Storage.ManagedDir = filepath.Join(c.Storage.Root, "backups")
	}
	if c.Storage.TempDir == "" {
		c.Storage.TempDir = filepath.Join(c.Storage.Root, "tmp")
	}
	if c.Storage.UploadsDir == "" {
		c.Storage.UploadsDir = filepath.Join(c.Storage.Root, "uploads")
	}
	if c.Storage.RestoreScratchDir == "" {
		c.Storage.RestoreScratchDir = filepath.Join(c.Storage.Root, "restore")
	}
	if c.Storage.ReferenceCacheTTL == 0 {
		c.Storage.ReferenceCacheTTL = 5 * time.Minute
	}

	if c.Encryption.Iterations == 0 {
		c.Encryption.Iterations = minPBKDF2Iterations
	}
	if c.Encryption.ChunkSize == 0 || c.Encryption.ChunkSize > maxEncryptionChunkSize {
		c.Encryption.ChunkSize = maxEncryptionChunkSize
	}

	if c.Backup.Name == "" {
		c.Backup.Name = "default"
	}
	if c.Backup.MetadataCompression == "" {
		c.Backup.MetadataCompression = MetadataCompressionGzip
	}

	if c.Security.MaxUploadSize == 0 {
		c.Security.MaxUploadSize = 500 * 1024 * 1024
	}
	if len(c.Security.AllowedExtensions) == 0 {
		c.Security.AllowedExtensions = []string{".zip", ".sql", ".gz", ".dump", ".bak"}
	}
	if c.Security.MaxEntryRatio == 0 {
		c.Security.MaxEntryRatio = 100
	}
	if c.Security.MaxAggregateRatio == 0 {
		c.Security.MaxAggregateRatio = 100
	}
	if c.Security.MaxDecompressedSize == 0 {
		c.Security.MaxDecompressedSize = 2 * 1024 * 1024 * 1024
	}
	if c.Security.AntivirusTimeout == 0 {
		c.Security.AntivirusTimeout = 30 * time.Second
	}

	if c.Cleanup.TempMaxAge == 0 {
		c.Cleanup.TempMaxAge = 24 * time.Hour
	}
	if c.Cleanup.ScratchMaxAge == 0 {
		c.Cleanup.ScratchMaxAge = 24 * time.Hour
	}
	if c.Cleanup.UploadsMaxAge == 0 {
		c.Cleanup.UploadsMaxAge = 7 * 24 * time.Hour
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "normal"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	var errs errors.ValidationErrors

	switch c.Datastore.Engine {
	case EngineSQLite:
		if c.Datastore.Path == "" {
			errs.Add("datastore.path", "datastore file path is required for the sqlite engine", c.Datastore.Path)
		}
	case EngineMySQL, EnginePostgres:
		if c.Datastore.Host == "" {
			errs.Add("datastore.host", "host is required", c.Datastore.Host)
		}
		if c.Datastore.Database == "" {
			errs.Add("datastore.database", "database name is required", c.Datastore.Database)
		}
		if c.Datastore.Username == "" {
			errs.Add("datastore.username", "username is required", c.Datastore.Username)
		}
	default:
		errs.Add("datastore.engine", "unsupported engine", c.Datastore.Engine)
	}

	if c.Encryption.InstallationSecret == "" && c.Encryption.InstallationSecretFile == "" {
		errs.Add("encryption.installation_secret", "an installation secret or secret file is required", nil)
	}
	if c.Encryption.Iterations < minPBKDF2Iterations {
		errs.Add("encryption.iterations", fmt.Sprintf("iterations must be at least %d", minPBKDF2Iterations), c.Encryption.Iterations)
	}
	if c.Encryption.ChunkSize <= 0 || c.Encryption.ChunkSize > maxEncryptionChunkSize {
		errs.Add("encryption.chunk_size", "chunk size must be between 1 byte and 64KB", c.Encryption.ChunkSize)
	}

	switch c.Backup.MetadataCompression {
	case MetadataCompressionNone, MetadataCompressionGzip, MetadataCompressionZstd, MetadataCompressionLZ4:
	default:
		errs.Add("backup.metadata_compression", "unsupported compression algorithm", c.Backup.MetadataCompression)
	}

	if c.Offsite.Enabled {
		switch c.Offsite.Provider {
		case "s3":
			if c.Offsite.S3.Bucket == "" {
				errs.Add("offsite.s3.bucket", "bucket is required", nil)
			}
			if c.Offsite.S3.Region == "" {
				errs.Add("offsite.s3.region", "region is required", nil)
			}
		case "gcs":
			if c.Offsite.GCS.Bucket == "" {
				errs.Add("offsite.gcs.bucket", "bucket is required", nil)
			}
		case "azure":
			if c.Offsite.Azure.AccountName == "" || c.Offsite.Azure.ContainerName == "" {
				errs.Add("offsite.azure", "account name and container name are required", nil)
			}
		default:
			errs.Add("offsite.provider", "unsupported offsite provider", c.Offsite.Provider)
		}
	}

	if errs.HasErrors() {
		return errs
	}

	return nil
}

// InstallationSecretBytes resolves the installation secret, reading the
// secret file when the inline value is absent.
func (c *Config) InstallationSecretBytes() ([]byte, error) {
	if c.Encryption.InstallationSecret != "" {
		return []byte(c.Encryption.InstallationSecret), nil
	}
	if c.Encryption.InstallationSecretFile != "" {
		data, err := os.ReadFile(c.Encryption.InstallationSecretFile)
		if err != nil {
			return nil, errors.NewConfigurationError("failed to read installation secret file", err)
		}
		return data, nil
	}
	return nil, errors.NewConfigurationError("installation secret is not configured", nil)
}

// Load reads, defaults and validates a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigurationError(fmt.Sprintf("failed to read config file %s", path), err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.NewConfigurationError("failed to parse config file", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewConfigurationError("invalid configuration", err)
	}

	return &cfg, nil
}
