// Package snapshot writes consistent copies of the local database and
// ships them to S3-compatible storage. When no bucket is configured the
// NoopUploader keeps backups local.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/tether/internal/config"
)

// ErrNotConfigured is returned when remote backup storage is not configured.
var ErrNotConfigured = errors.New("backup storage not configured")

// Uploader ships backup files and hands out download links for them.
type Uploader interface {
	Upload(ctx context.Context, name, filePath string) (key string, err error)
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// s3Client is the subset of *minio.Client used here.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string) error
	PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error)
}

type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	_, err := w.client.FPutObject(ctx, bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: "application/vnd.sqlite3",
	})
	return err
}

func (w *minioClientWrapper) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return w.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
}

// S3Uploader uploads backups to S3-compatible storage.
type S3Uploader struct {
	client s3Client
	bucket string
	prefix string
}

// Upload stores the file under {prefix}/{name} and returns the object key.
func (u *S3Uploader) Upload(ctx context.Context, name, filePath string) (string, error) {
	key := objectKey(u.prefix, name)
	if err := u.client.FPutObject(ctx, u.bucket, key, filePath); err != nil {
		return "", fmt.Errorf("upload backup to S3: %w", err)
	}
	return key, nil
}

// PresignedURL returns a pre-signed GET URL for an uploaded backup.
func (u *S3Uploader) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	presigned, err := u.client.PresignedGetObject(ctx, u.bucket, key, expiry)
	if err != nil {
		return "", fmt.Errorf("generate pre-signed URL: %w", err)
	}
	return presigned.String(), nil
}

// NoopUploader is used when remote storage is not configured.
type NoopUploader struct{}

// Upload does nothing and returns an empty key.
func (NoopUploader) Upload(context.Context, string, string) (string, error) {
	return "", nil
}

// PresignedURL always fails with ErrNotConfigured.
func (NoopUploader) PresignedURL(context.Context, string, time.Duration) (string, error) {
	return "", ErrNotConfigured
}

// NewUploader returns a NoopUploader when cfg.Bucket is empty and an
// S3Uploader otherwise.
func NewUploader(cfg config.BackupConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return NoopUploader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}
	endpoint := stripScheme(cfg.Endpoint, &useSSL)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// stripScheme removes an http(s) scheme from endpoint, which minio
// rejects, and lets an explicit http:// turn TLS off.
func stripScheme(endpoint string, useSSL *bool) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		*useSSL = false
		return strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}

func objectKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}
