package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/resumevault/backend/internal/config"
)

// MinioStorage implements Provider on a MinIO (or other S3-compatible) server using
// the native MinIO client.
type MinioStorage struct {
	client    *minio.Client
	bucket    string
	streamTTL time.Duration
}

// NewMinioStorage configures a MinIO client for the bucket.
func NewMinioStorage(cfg config.ObjectStoreConfig, streamTTL time.Duration) (*MinioStorage, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("minio storage: bucket is required")
	}

	endpoint, secure := minioEndpoint(cfg.Endpoint, cfg.UseSSL)
	if endpoint == "" {
		return nil, fmt.Errorf("minio storage: endpoint is required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	if streamTTL <= 0 {
		streamTTL = 5 * time.Minute
	}

	return &MinioStorage{client: client, bucket: cfg.Bucket, streamTTL: streamTTL}, nil
}

// minioEndpoint strips an optional scheme; an explicit scheme wins over useSSL.
func minioEndpoint(raw string, useSSL bool) (string, bool) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(raw, "https://"), "/"), true
	case strings.HasPrefix(raw, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(raw, "http://"), "/"), false
	default:
		return strings.TrimSuffix(raw, "/"), useSSL
	}
}

// Upload streams the content into the bucket.
func (m *MinioStorage) Upload(ctx context.Context, r io.Reader, meta UploadMetadata) (string, error) {
	key, err := cleanKey(meta.Key())
	if err != nil {
		return "", err
	}

	size := meta.Size
	if size <= 0 {
		size = -1
	}

	_, err = m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: meta.ContentType,
		UserMetadata: map[string]string{
			"owner-id": meta.OwnerID,
			"video-id": meta.VideoID,
		},
	})
	if err != nil {
		return "", classifyMinioError("minio storage upload "+key, err)
	}

	return key, nil
}

// StreamURL presigns a GET for the object.
func (m *MinioStorage) StreamURL(ctx context.Context, location string) (string, error) {
	key, err := cleanKey(location)
	if err != nil {
		return "", err
	}

	u, err := m.client.PresignedGetObject(ctx, m.bucket, key, m.streamTTL, url.Values{})
	if err != nil {
		return "", classifyMinioError("minio storage presign "+key, err)
	}

	return u.String(), nil
}

// Delete removes the object, reporting ErrObjectNotFound when it is absent.
func (m *MinioStorage) Delete(ctx context.Context, location string) error {
	key, err := cleanKey(location)
	if err != nil {
		return err
	}

	if _, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{}); err != nil {
		return classifyMinioError("minio storage stat "+key, err)
	}

	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return classifyMinioError("minio storage remove "+key, err)
	}

	return nil
}

func classifyMinioError(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%s: %w", op, ErrObjectNotFound)
	case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout", "XMinioServerNotInitialized":
		return unavailable(op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return unavailable(op, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

var _ Provider = (*MinioStorage)(nil)
