package handlers

import (
	"context"
	"io"

	"github.com/resumevault/backend/internal/guard"
	"github.com/resumevault/backend/internal/models"
	"github.com/resumevault/backend/internal/storage"
)

// AccessGuard makes view-limit decisions.
type AccessGuard interface {
	RequestAccess(ctx context.Context, key models.ViewKey) (guard.Decision, error)
	CheckLimit(ctx context.Context, videoID, viewerID string) (guard.Limit, error)
	Stats(ctx context.Context, videoID string) (models.ViewStats, error)
}

// TokenValidator verifies stream tokens without touching the ledger.
type TokenValidator interface {
	Validate(value string) (models.AccessClaims, error)
}

// AssetStore captures the asset persistence used by the upload and stream endpoints.
type AssetStore interface {
	Create(ctx context.Context, asset models.VideoAsset) error
	Get(ctx context.Context, id string) (models.VideoAsset, error)
	Retire(ctx context.Context, id, ownerID string) error
}

// ObjectStorage stores and serves video bytes.
type ObjectStorage interface {
	Upload(ctx context.Context, r io.Reader, meta storage.UploadMetadata) (string, error)
	StreamURL(ctx context.Context, location string) (string, error)
	Delete(ctx context.Context, location string) error
}
