package offsite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"snapvault/internal/config"
	"snapvault/internal/errors"
)

// ObjectInfo describes one mirrored artifact.
type ObjectInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Provider mirrors encrypted backup artifacts to remote object storage.
// Only encrypted artifacts ever leave the machine; plaintext never does.
type Provider interface {
	Name() string
	Upload(ctx context.Context, localPath, objectName string) error
	Download(ctx context.Context, objectName, localPath string) error
	Delete(ctx context.Context, objectName string) error
	List(ctx context.Context) ([]ObjectInfo, error)
	HealthCheck(ctx context.Context) error
}

// NewProvider builds the configured mirror provider. Returns nil without
// error when mirroring is disabled.
func NewProvider(ctx context.Context, cfg *config.OffsiteConfig) (Provider, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	switch cfg.Provider {
	case "s3":
		return NewS3Provider(&cfg.S3)
	case "gcs":
		return NewGCSProvider(ctx, &cfg.GCS)
	case "azure":
		return NewAzureProvider(&cfg.Azure)
	default:
		return nil, errors.NewConfigurationError(fmt.Sprintf("unsupported offsite provider: %s", cfg.Provider), nil)
	}
}

// normalizePrefix guarantees a single trailing slash on non-empty prefixes.
func normalizePrefix(prefix string) string {
	if prefix == "" {
		return "mirror/"
	}
	return strings.TrimSuffix(prefix, "/") + "/"
}

// sanitizeObjectName strips characters that misbehave in object keys.
func sanitizeObjectName(name string) string {
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}
