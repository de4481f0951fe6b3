package storage

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dante-gpu/asset-worker/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinioUploader stores artifacts in an S3-compatible bucket.
type MinioUploader struct {
	client     *minio.Client
	logger     *zap.Logger
	bucket     string
	region     string
	publicBase string
}

// NewMinioUploader creates a MinIO client, checks connectivity and makes sure
// the bucket exists.
func NewMinioUploader(ctx context.Context, cfg config.MinioSettings, logger *zap.Logger) (*MinioUploader, error) {
	logger.Info("Initializing MinIO client",
		zap.String("endpoint", cfg.Endpoint),
		zap.Bool("useSSL", cfg.UseSSL),
		zap.String("bucket", cfg.Bucket),
	)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	m := &MinioUploader{
		client:     client,
		logger:     logger.Named("minio_storage"),
		bucket:     cfg.Bucket,
		region:     cfg.Region,
		publicBase: publicBase(cfg),
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.EnsureBucket(checkCtx); err != nil {
		return nil, err
	}
	return m, nil
}

func publicBase(cfg config.MinioSettings) string {
	if cfg.PublicBaseURL != "" {
		return strings.TrimRight(cfg.PublicBaseURL, "/")
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
}

// EnsureBucket creates the bucket if it does not already exist.
func (m *MinioUploader) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check for bucket %s: %w", m.bucket, err)
	}
	if exists {
		m.logger.Debug("Bucket already exists", zap.String("bucket", m.bucket))
		return nil
	}
	m.logger.Info("Bucket does not exist, creating it", zap.String("bucket", m.bucket))
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", m.bucket, err)
	}
	return nil
}

// objectKey joins folder and filename into a slash-separated key.
func objectKey(folder, filename string) string {
	return strings.TrimPrefix(path.Join(folder, filename), "/")
}

// ObjectURL returns the public URL of key.
func (m *MinioUploader) ObjectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", m.publicBase, m.bucket, key)
}

// Upload implements Uploader.
func (m *MinioUploader) Upload(ctx context.Context, localPath, folder, filename string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := objectKey(folder, filename)
	info, err := m.client.PutObject(ctx, m.bucket, key, f, stat.Size(), minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("failed to upload to %s/%s: %w", m.bucket, key, err)
	}

	m.logger.Info("Object uploaded successfully",
		zap.String("bucket", info.Bucket),
		zap.String("key", info.Key),
		zap.String("etag", info.ETag),
		zap.Int64("size", info.Size),
	)
	return m.ObjectURL(key), nil
}
