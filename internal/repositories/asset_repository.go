package repositories

import (
	"context"
	"time"

	"github.com/resumevault/backend/internal/models"
)

// AssetRepository exposes data access for stored video resumes.
type AssetRepository interface {
	Create(ctx context.Context, asset models.VideoAsset) error
	Get(ctx context.Context, id string) (models.VideoAsset, error)
	// MarkExhausted moves an active asset to exhausted. It is a no-op for assets
	// that are already exhausted or deleted.
	MarkExhausted(ctx context.Context, id string) error
	// MarkDeleted records that the stored bytes are gone. Idempotent.
	MarkDeleted(ctx context.Context, id string) error
	// Retire lets the owner withdraw an asset; it behaves like MarkExhausted but
	// checks ownership first.
	Retire(ctx context.Context, id, ownerID string) error
	ListByState(ctx context.Context, state models.AssetState, limit int) ([]models.VideoAsset, error)
	// ListCreatedBefore returns assets not yet deleted whose creation predates cutoff.
	ListCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.VideoAsset, error)
}
