package storage

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resumevault/backend/internal/config"
)

type fakeS3 struct {
	headErr   error
	deleteErr error
	deleted   []string
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deleted = append(f.deleted, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3StoragePresignsStreamURL(t *testing.T) {
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	store, err := NewS3Storage(context.Background(), config.ObjectStoreConfig{
		Bucket:          "resumes",
		Region:          "us-east-1",
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "test-access",
		SecretAccessKey: "test-secret",
	}, 2*time.Minute)
	require.NoError(t, err)

	raw, err := store.StreamURL(context.Background(), "resumes/owner/video")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", u.Host)
	assert.Equal(t, "/resumes/resumes/owner/video", u.Path)
	assert.Equal(t, "120", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
}

func TestS3StorageDelete(t *testing.T) {
	ctx := context.Background()

	fake := &fakeS3{}
	store := &S3Storage{client: fake, bucket: "b"}
	require.NoError(t, store.Delete(ctx, "/resumes/o/v"))
	assert.Equal(t, []string{"resumes/o/v"}, fake.deleted)

	store.client = &fakeS3{headErr: &s3types.NotFound{}}
	assert.ErrorIs(t, store.Delete(ctx, "resumes/o/v"), ErrObjectNotFound)

	store.client = &fakeS3{headErr: &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce request rate"}}
	assert.ErrorIs(t, store.Delete(ctx, "resumes/o/v"), ErrUnavailable)

	store.client = &fakeS3{deleteErr: errors.New("connection reset")}
	assert.ErrorIs(t, store.Delete(ctx, "resumes/o/v"), ErrUnavailable)
}

func TestClassifyS3ErrorKeepsCancellation(t *testing.T) {
	err := classifyS3Error("op", context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrUnavailable)
}
