package storage

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resumevault/backend/internal/config"
)

func TestMinioEndpoint(t *testing.T) {
	cases := []struct {
		raw        string
		useSSL     bool
		wantHost   string
		wantSecure bool
	}{
		{raw: "https://minio.internal:9000/", wantHost: "minio.internal:9000", wantSecure: true},
		{raw: "http://localhost:9000", useSSL: true, wantHost: "localhost:9000", wantSecure: false},
		{raw: "storage.example.com", useSSL: true, wantHost: "storage.example.com", wantSecure: true},
	}

	for _, tc := range cases {
		host, secure := minioEndpoint(tc.raw, tc.useSSL)
		assert.Equal(t, tc.wantHost, host, tc.raw)
		assert.Equal(t, tc.wantSecure, secure, tc.raw)
	}
}

func TestMinioStoragePresignsStreamURL(t *testing.T) {
	store, err := NewMinioStorage(config.ObjectStoreConfig{
		Bucket:          "resumes",
		Region:          "us-east-1",
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio-secret",
	}, time.Minute)
	require.NoError(t, err)

	raw, err := store.StreamURL(context.Background(), "resumes/owner/video")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", u.Host)
	assert.Equal(t, "60", u.Query().Get("X-Amz-Expires"))
}

func TestNewMinioStorageRequiresEndpoint(t *testing.T) {
	_, err := NewMinioStorage(config.ObjectStoreConfig{Bucket: "resumes"}, time.Minute)
	assert.Error(t, err)
}

func TestClassifyMinioError(t *testing.T) {
	err := classifyMinioError("op", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404})
	assert.ErrorIs(t, err, ErrObjectNotFound)

	err = classifyMinioError("op", minio.ErrorResponse{Code: "SlowDown", StatusCode: 503})
	assert.ErrorIs(t, err, ErrUnavailable)

	err = classifyMinioError("op", errors.New("access denied"))
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrObjectNotFound)
}
