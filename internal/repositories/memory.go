package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/resumevault/backend/internal/models"
)

// MemoryAssetRepository keeps assets in process. It backs the memory ledger mode
// and the handler and sweeper tests.
type MemoryAssetRepository struct {
	mu     sync.RWMutex
	assets map[string]models.VideoAsset
	now    func() time.Time
}

// NewMemoryAssetRepository returns an empty repository.
func NewMemoryAssetRepository() *MemoryAssetRepository {
	return &MemoryAssetRepository{assets: make(map[string]models.VideoAsset), now: time.Now}
}

// WithNowFunc allows tests to override the time source.
func (r *MemoryAssetRepository) WithNowFunc(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Create stores a new asset, defaulting it to active.
func (r *MemoryAssetRepository) Create(_ context.Context, asset models.VideoAsset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.assets[asset.ID]; ok {
		return ErrConflict
	}
	now := r.now().UTC()
	if asset.State == "" {
		asset.State = models.AssetStateActive
	}
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = now
	}
	asset.UpdatedAt = now
	r.assets[asset.ID] = asset
	return nil
}

// Get returns the asset or ErrNotFound.
func (r *MemoryAssetRepository) Get(_ context.Context, id string) (models.VideoAsset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	asset, ok := r.assets[id]
	if !ok {
		return models.VideoAsset{}, ErrNotFound
	}
	return asset, nil
}

// MarkExhausted moves an active asset to exhausted; other states are left alone.
func (r *MemoryAssetRepository) MarkExhausted(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.markExhaustedLocked(id)
}

func (r *MemoryAssetRepository) markExhaustedLocked(id string) error {
	asset, ok := r.assets[id]
	if !ok {
		return ErrNotFound
	}
	if asset.State == models.AssetStateActive {
		asset.State = models.AssetStateExhausted
		asset.UpdatedAt = r.now().UTC()
		r.assets[id] = asset
	}
	return nil
}

// MarkDeleted records that the stored bytes are gone. Repeated calls are no-ops.
func (r *MemoryAssetRepository) MarkDeleted(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	asset, ok := r.assets[id]
	if !ok {
		return ErrNotFound
	}
	if asset.State != models.AssetStateDeleted {
		asset.State = models.AssetStateDeleted
		asset.UpdatedAt = r.now().UTC()
		r.assets[id] = asset
	}
	return nil
}

// Retire lets the owner flag the asset for the next sweep.
func (r *MemoryAssetRepository) Retire(_ context.Context, id, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	asset, ok := r.assets[id]
	if !ok {
		return ErrNotFound
	}
	if asset.OwnerID != ownerID {
		return ErrNotOwner
	}
	return r.markExhaustedLocked(id)
}

// ListByState returns up to limit assets in state, oldest first.
func (r *MemoryAssetRepository) ListByState(_ context.Context, state models.AssetState, limit int) ([]models.VideoAsset, error) {
	return r.filter(limit, func(a models.VideoAsset) bool { return a.State == state }), nil
}

// ListCreatedBefore returns up to limit undeleted assets created before cutoff.
func (r *MemoryAssetRepository) ListCreatedBefore(_ context.Context, cutoff time.Time, limit int) ([]models.VideoAsset, error) {
	return r.filter(limit, func(a models.VideoAsset) bool {
		return a.State != models.AssetStateDeleted && a.CreatedAt.Before(cutoff)
	}), nil
}

func (r *MemoryAssetRepository) filter(limit int, keep func(models.VideoAsset) bool) []models.VideoAsset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.VideoAsset
	for _, asset := range r.assets {
		if keep(asset) {
			out = append(out, asset)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit = normaliseLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out
}

var _ AssetRepository = (*MemoryAssetRepository)(nil)
