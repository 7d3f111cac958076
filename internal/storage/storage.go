// Package storage adapts object stores holding video resume bytes. The service never
// handles raw video bytes beyond streaming uploads through to the provider.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var (
	// ErrObjectNotFound indicates the object is already gone.
	ErrObjectNotFound = errors.New("storage object not found")
	// ErrUnavailable indicates the provider is temporarily unreachable.
	ErrUnavailable = errors.New("storage provider unavailable")
	// ErrEmptyKey indicates an upload or lookup without a usable key.
	ErrEmptyKey = errors.New("storage: empty key")
)

// UploadMetadata describes a new video resume object.
type UploadMetadata struct {
	VideoID     string
	OwnerID     string
	ContentType string
	Size        int64
}

// Key returns the object key for the upload.
func (m UploadMetadata) Key() string {
	return path.Join("resumes", m.OwnerID, m.VideoID)
}

// Provider is the storage collaborator consumed by the service.
type Provider interface {
	// Upload stores the stream and returns a location handle.
	Upload(ctx context.Context, r io.Reader, meta UploadMetadata) (string, error)
	// StreamURL returns a short-lived URL from which the object can be streamed.
	StreamURL(ctx context.Context, location string) (string, error)
	// Delete removes the object, returning ErrObjectNotFound when it does not exist.
	Delete(ctx context.Context, location string) error
}

func cleanKey(location string) (string, error) {
	key := strings.TrimLeft(strings.TrimSpace(location), "/")
	if key == "" {
		return "", ErrEmptyKey
	}
	return key, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
