package offsite

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"snapvault/internal/config"
	"snapvault/internal/errors"
)

// GCSProvider mirrors artifacts to a Google Cloud Storage bucket.
type GCSProvider struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSProvider creates a GCSProvider from configuration. Credentials fall
// back to the ambient environment when no credentials file is configured.
func NewGCSProvider(ctx context.Context, cfg *config.GCSConfig) (*GCSProvider, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewConfigurationError("gcs mirror requires a bucket", nil)
	}

	var client *storage.Client
	var err error
	if cfg.CredentialsPath != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsFile(cfg.CredentialsPath))
	} else {
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, errors.NewStorageError("failed to create GCS client", err)
	}

	return &GCSProvider{
		client: client,
		bucket: cfg.Bucket,
		prefix: normalizePrefix(cfg.Prefix),
	}, nil
}

func (p *GCSProvider) Name() string {
	return "gcs"
}

func (p *GCSProvider) objectName(name string) string {
	return p.prefix + sanitizeObjectName(name)
}

func (p *GCSProvider) Upload(ctx context.Context, localPath, objectName string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to open artifact %s", localPath), err)
	}
	defer file.Close()

	writer := p.client.Bucket(p.bucket).Object(p.objectName(objectName)).NewWriter(ctx)
	writer.ContentType = "application/octet-stream"

	if _, err := io.Copy(writer, file); err != nil {
		writer.Close()
		return errors.NewStorageError(fmt.Sprintf("failed to upload %s to gcs", objectName), err)
	}
	if err := writer.Close(); err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to finalize gcs upload of %s", objectName), err)
	}
	return nil
}

func (p *GCSProvider) Download(ctx context.Context, objectName, localPath string) error {
	reader, err := p.client.Bucket(p.bucket).Object(p.objectName(objectName)).NewReader(ctx)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to download %s from gcs", objectName), err)
	}
	defer reader.Close()

	return writeStream(localPath, reader)
}

func (p *GCSProvider) Delete(ctx context.Context, objectName string) error {
	err := p.client.Bucket(p.bucket).Object(p.objectName(objectName)).Delete(ctx)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to delete %s from gcs", objectName), err)
	}
	return nil
}

func (p *GCSProvider) List(ctx context.Context) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	it := p.client.Bucket(p.bucket).Objects(ctx, &storage.Query{Prefix: p.prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.NewStorageError("failed to list gcs mirror objects", err)
		}
		objects = append(objects, ObjectInfo{
			Name:       attrs.Name,
			Size:       attrs.Size,
			ModifiedAt: attrs.Updated,
		})
	}
	return objects, nil
}

func (p *GCSProvider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Bucket(p.bucket).Attrs(ctx)
	if err != nil {
		return errors.NewStorageError("gcs mirror bucket not accessible", err)
	}
	return nil
}
