package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/resumevault/backend/internal/db"
	"github.com/resumevault/backend/internal/models"
)

const defaultListLimit = 500

const assetColumns = `id, owner_id, state, location, content_type, size_bytes, created_at, updated_at`

// PostgresAssetRepository provides PostgreSQL-backed persistence for video assets.
type PostgresAssetRepository struct {
	pool db.Pool
	now  func() time.Time
}

// NewPostgresAssetRepository constructs an asset repository backed by PostgreSQL.
func NewPostgresAssetRepository(pool db.Pool) *PostgresAssetRepository {
	return &PostgresAssetRepository{pool: pool, now: time.Now}
}

// Create persists a new asset record.
func (r *PostgresAssetRepository) Create(ctx context.Context, asset models.VideoAsset) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	state := asset.State
	if state == "" {
		state = models.AssetStateActive
	}
	now := r.now().UTC()
	createdAt := asset.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = conn.Exec(ctx, `
        INSERT INTO video_assets (id, owner_id, state, location, content_type, size_bytes, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `, asset.ID, asset.OwnerID, string(state), asset.Location, asset.ContentType, asset.Size, createdAt, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("insert video asset: %w", err)
	}

	return nil
}

// Get fetches an asset by id.
func (r *PostgresAssetRepository) Get(ctx context.Context, id string) (models.VideoAsset, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.VideoAsset{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `SELECT `+assetColumns+` FROM video_assets WHERE id = $1`, id)
	asset, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.VideoAsset{}, ErrNotFound
		}
		return models.VideoAsset{}, fmt.Errorf("select video asset: %w", err)
	}

	return asset, nil
}

// MarkExhausted flips an active asset to exhausted, leaving other states untouched.
func (r *PostgresAssetRepository) MarkExhausted(ctx context.Context, id string) error {
	return r.transition(ctx, `
        UPDATE video_assets
        SET state = CASE WHEN state = 'active' THEN 'exhausted' ELSE state END,
            updated_at = CASE WHEN state = 'active' THEN $2::timestamptz ELSE updated_at END
        WHERE id = $1
    `, "mark video asset exhausted", id)
}

// MarkDeleted sets the terminal deleted state.
func (r *PostgresAssetRepository) MarkDeleted(ctx context.Context, id string) error {
	return r.transition(ctx, `
        UPDATE video_assets
        SET state = 'deleted',
            updated_at = CASE WHEN state = 'deleted' THEN updated_at ELSE $2::timestamptz END
        WHERE id = $1
    `, "mark video asset deleted", id)
}

func (r *PostgresAssetRepository) transition(ctx context.Context, query, op, id string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, query, id, r.now().UTC())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Retire marks the owner's asset exhausted so the sweeper reclaims it.
func (r *PostgresAssetRepository) Retire(ctx context.Context, id, ownerID string) error {
	asset, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if asset.OwnerID != ownerID {
		return ErrNotOwner
	}
	return r.MarkExhausted(ctx, id)
}

// ListByState returns up to limit assets in the given state, oldest first.
func (r *PostgresAssetRepository) ListByState(ctx context.Context, state models.AssetState, limit int) ([]models.VideoAsset, error) {
	return r.list(ctx, "list video assets by state", `
        SELECT `+assetColumns+`
        FROM video_assets
        WHERE state = $1
        ORDER BY updated_at ASC
        LIMIT $2
    `, string(state), normaliseLimit(limit))
}

// ListCreatedBefore returns up to limit non-deleted assets created before cutoff.
func (r *PostgresAssetRepository) ListCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.VideoAsset, error) {
	return r.list(ctx, "list expired video assets", `
        SELECT `+assetColumns+`
        FROM video_assets
        WHERE state <> 'deleted' AND created_at < $1
        ORDER BY created_at ASC
        LIMIT $2
    `, cutoff.UTC(), normaliseLimit(limit))
}

func (r *PostgresAssetRepository) list(ctx context.Context, op, query string, args ...any) ([]models.VideoAsset, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var assets []models.VideoAsset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video asset: %w", err)
		}
		assets = append(assets, asset)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate video assets: %w", err)
	}

	return assets, nil
}

func scanAsset(row pgx.Row) (models.VideoAsset, error) {
	var (
		asset models.VideoAsset
		state string
	)
	if err := row.Scan(&asset.ID, &asset.OwnerID, &state, &asset.Location, &asset.ContentType, &asset.Size, &asset.CreatedAt, &asset.UpdatedAt); err != nil {
		return models.VideoAsset{}, err
	}
	asset.State = models.AssetState(state)
	asset.CreatedAt = asset.CreatedAt.UTC()
	asset.UpdatedAt = asset.UpdatedAt.UTC()
	return asset, nil
}

func normaliseLimit(limit int) int {
	if limit <= 0 || limit > defaultListLimit {
		return defaultListLimit
	}
	return limit
}

var _ AssetRepository = (*PostgresAssetRepository)(nil)
