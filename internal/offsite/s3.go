package offsite

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"snapvault/internal/config"
	"snapvault/internal/errors"
)

// S3Provider mirrors artifacts to an Amazon S3 (or compatible) bucket.
type S3Provider struct {
	client *s3.S3
	bucket string
	prefix string
}

// NewS3Provider creates an S3Provider from configuration.
func NewS3Provider(cfg *config.S3Config) (*S3Provider, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewConfigurationError("s3 mirror requires a bucket", nil)
	}

	awsCfg := &aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.NewStorageError("failed to create AWS session", err)
	}

	return &S3Provider{
		client: s3.New(sess),
		bucket: cfg.Bucket,
		prefix: normalizePrefix(cfg.Prefix),
	}, nil
}

func (p *S3Provider) Name() string {
	return "s3"
}

func (p *S3Provider) objectKey(name string) string {
	return p.prefix + sanitizeObjectName(name)
}

func (p *S3Provider) Upload(ctx context.Context, localPath, objectName string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to open artifact %s", localPath), err)
	}
	defer file.Close()

	_, err = p.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(p.objectKey(objectName)),
		Body:        file,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to upload %s to s3", objectName), err)
	}
	return nil
}

func (p *S3Provider) Download(ctx context.Context, objectName, localPath string) error {
	result, err := p.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.objectKey(objectName)),
	})
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to download %s from s3", objectName), err)
	}
	defer result.Body.Close()

	return writeStream(localPath, result.Body)
}

func (p *S3Provider) Delete(ctx context.Context, objectName string) error {
	_, err := p.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.objectKey(objectName)),
	})
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to delete %s from s3", objectName), err)
	}
	return nil
}

func (p *S3Provider) List(ctx context.Context) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := p.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(p.prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Name:       aws.StringValue(obj.Key),
				Size:       aws.Int64Value(obj.Size),
				ModifiedAt: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, errors.NewStorageError("failed to list s3 mirror objects", err)
	}
	return objects, nil
}

func (p *S3Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(p.bucket),
	})
	if err != nil {
		return errors.NewStorageError("s3 mirror bucket not accessible", err)
	}
	return nil
}
