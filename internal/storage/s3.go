package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/resumevault/backend/internal/config"
)

// s3API is the subset of the S3 client used outside the uploader.
type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Storage implements Provider backed by an S3-compatible service. Objects are
// private; streaming goes through presigned GET URLs.
type S3Storage struct {
	client    s3API
	uploader  *manager.Uploader
	presign   *s3.PresignClient
	bucket    string
	streamTTL time.Duration
}

// NewS3Storage configures a client targeting the provided object store.
func NewS3Storage(ctx context.Context, cfg config.ObjectStoreConfig, streamTTL time.Duration) (*S3Storage, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 storage: bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024
		u.LeavePartsOnError = false
	})

	if streamTTL <= 0 {
		streamTTL = 5 * time.Minute
	}

	return &S3Storage{
		client:    client,
		uploader:  uploader,
		presign:   s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		streamTTL: streamTTL,
	}, nil
}

// Upload streams the content to the bucket and returns the object key as location.
func (s *S3Storage) Upload(ctx context.Context, r io.Reader, meta UploadMetadata) (string, error) {
	key, err := cleanKey(meta.Key())
	if err != nil {
		return "", err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
		Metadata: map[string]string{
			"owner-id": meta.OwnerID,
			"video-id": meta.VideoID,
		},
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return "", classifyS3Error("s3 storage upload "+key, err)
	}

	return key, nil
}

// StreamURL presigns a GET for the object.
func (s *S3Storage) StreamURL(ctx context.Context, location string) (string, error) {
	key, err := cleanKey(location)
	if err != nil {
		return "", err
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.streamTTL))
	if err != nil {
		return "", fmt.Errorf("s3 storage presign %s: %w", key, err)
	}

	return req.URL, nil
}

// Delete removes the object. S3 deletes are idempotent, so existence is checked
// first to report ErrObjectNotFound.
func (s *S3Storage) Delete(ctx context.Context, location string) error {
	key, err := cleanKey(location)
	if err != nil {
		return err
	}

	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return classifyS3Error("s3 storage head "+key, err)
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return classifyS3Error("s3 storage delete "+key, err)
	}

	return nil
}

var transientS3Codes = map[string]struct{}{
	"SlowDown":             {},
	"ServiceUnavailable":   {},
	"InternalError":        {},
	"RequestTimeout":       {},
	"RequestTimeTooSkewed": {},
}

func classifyS3Error(op string, err error) error {
	var notFound *s3types.NotFound
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return fmt.Errorf("%s: %w", op, ErrObjectNotFound)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := transientS3Codes[apiErr.ErrorCode()]; ok {
			return unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}

	// Anything that never produced an API response is a transport failure.
	return unavailable(op, err)
}

var _ Provider = (*S3Storage)(nil)
