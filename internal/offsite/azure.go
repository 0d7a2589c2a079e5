package offsite

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"snapvault/internal/config"
	"snapvault/internal/errors"
)

// AzureProvider mirrors artifacts to an Azure Blob Storage container.
type AzureProvider struct {
	serviceURL azblob.ServiceURL
	container  string
	prefix     string
}

// NewAzureProvider creates an AzureProvider from configuration.
func NewAzureProvider(cfg *config.AzureConfig) (*AzureProvider, error) {
	if cfg.AccountName == "" || cfg.ContainerName == "" {
		return nil, errors.NewConfigurationError("azure mirror requires an account and container", nil)
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, errors.NewStorageError("failed to create Azure credentials", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})
	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName))
	if err != nil {
		return nil, errors.NewStorageError("failed to parse Azure service URL", err)
	}

	return &AzureProvider{
		serviceURL: azblob.NewServiceURL(*serviceURL, pipeline),
		container:  cfg.ContainerName,
		prefix:     normalizePrefix(cfg.Prefix),
	}, nil
}

func (p *AzureProvider) Name() string {
	return "azure"
}

func (p *AzureProvider) blobName(name string) string {
	return p.prefix + sanitizeObjectName(name)
}

func (p *AzureProvider) containerURL() azblob.ContainerURL {
	return p.serviceURL.NewContainerURL(p.container)
}

func (p *AzureProvider) Upload(ctx context.Context, localPath, objectName string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to open artifact %s", localPath), err)
	}
	defer file.Close()

	blobURL := p.containerURL().NewBlockBlobURL(p.blobName(objectName))
	_, err = azblob.UploadFileToBlockBlob(ctx, file, blobURL, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 16,
	})
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to upload %s to azure", objectName), err)
	}
	return nil
}

func (p *AzureProvider) Download(ctx context.Context, objectName, localPath string) error {
	blobURL := p.containerURL().NewBlockBlobURL(p.blobName(objectName))
	response, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to download %s from azure", objectName), err)
	}

	body := response.Body(azblob.RetryReaderOptions{MaxRetryRequests: 3})
	defer body.Close()

	return writeStream(localPath, body)
}

func (p *AzureProvider) Delete(ctx context.Context, objectName string) error {
	blobURL := p.containerURL().NewBlockBlobURL(p.blobName(objectName))
	_, err := blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to delete %s from azure", objectName), err)
	}
	return nil
}

func (p *AzureProvider) List(ctx context.Context) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	container := p.containerURL()

	for marker := (azblob.Marker{}); marker.NotDone(); {
		listing, err := container.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: p.prefix,
		})
		if err != nil {
			return nil, errors.NewStorageError("failed to list azure mirror blobs", err)
		}

		for _, blob := range listing.Segment.BlobItems {
			size := int64(0)
			if blob.Properties.ContentLength != nil {
				size = *blob.Properties.ContentLength
			}
			objects = append(objects, ObjectInfo{
				Name:       blob.Name,
				Size:       size,
				ModifiedAt: blob.Properties.LastModified,
			})
		}

		marker = listing.NextMarker
	}
	return objects, nil
}

func (p *AzureProvider) HealthCheck(ctx context.Context) error {
	_, err := p.containerURL().GetProperties(ctx, azblob.LeaseAccessConditions{})
	if err != nil {
		return errors.NewStorageError("azure mirror container not accessible", err)
	}
	return nil
}

// writeStream copies a remote object body into a local file with 0600
// permissions, removing partial output on failure.
func writeStream(localPath string, body io.Reader) error {
	out, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to create %s", localPath), err)
	}

	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		os.Remove(localPath)
		return errors.NewStorageError(fmt.Sprintf("failed to write %s", localPath), err)
	}
	if err := out.Close(); err != nil {
		os.Remove(localPath)
		return errors.NewStorageError(fmt.Sprintf("failed to flush %s", localPath), err)
	}
	return nil
}
