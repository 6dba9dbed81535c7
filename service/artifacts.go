package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/peterohwofasa/chainproof-ai-sub001/config"
)

// ArtifactService stores uploaded contract sources and generated export
// artifacts in object storage.
type ArtifactService struct {
	client *minio.Client
	bucket string
	config *config.MinioConfig
}

func NewArtifactService(cfg *config.MinioConfig) (*ArtifactService, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &ArtifactService{
		client: client,
		bucket: cfg.Bucket,
		config: cfg,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *ArtifactService) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

// UploadSource stores an uploaded contract source file and returns nothing;
// the object name encodes tenant and audit id.
func (s *ArtifactService) UploadSource(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload source: %w", err)
	}

	return nil
}

// UploadExport stores a generated export artifact and returns its object name.
func (s *ArtifactService) UploadExport(ctx context.Context, tenant, auditID, format string, payload []byte, contentType string) (string, error) {
	ext := map[string]string{
		FormatData:   "json",
		FormatText:   "txt",
		FormatRaster: "pdf",
	}[format]
	if ext == "" {
		ext = "bin"
	}
	objectName := fmt.Sprintf("%s/%s/exports/report.%s", tenant, auditID, ext)

	_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload export: %w", err)
	}

	return objectName, nil
}

// PresignedURL generates a presigned GET URL for the object with expiration.
func (s *ArtifactService) PresignedURL(ctx context.Context, objectName string) (string, error) {
	expiry := time.Duration(s.config.ExpireDays) * 24 * time.Hour
	url, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return url.String(), nil
}

// DeleteObject deletes an object from storage.
func (s *ArtifactService) DeleteObject(ctx context.Context, objectName string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}

	return nil
}

// PublicURL returns a public URL for the object (if bucket policy allows)
func (s *ArtifactService) PublicURL(objectName string) string {
	protocol := "http"
	if s.config.UseSSL {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", protocol, s.config.Endpoint, s.bucket, objectName)
}
