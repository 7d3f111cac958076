package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/resumevault/backend/internal/db"
	"github.com/resumevault/backend/internal/models"
)

// incrementSQL performs the capped increment as one statement. The DO UPDATE ... WHERE
// clause takes the row lock and re-checks the count, so concurrent callers for the
// same pair can never push it past the cap. The audit row is only written when the
// budget row was actually bumped.
const incrementSQL = `
WITH bumped AS (
    INSERT INTO view_budgets (video_id, viewer_id, view_count, first_viewed_at, last_viewed_at)
    VALUES ($1::TEXT, $2::TEXT, 1, $4::TIMESTAMPTZ, $4::TIMESTAMPTZ)
    ON CONFLICT (video_id, viewer_id) DO UPDATE
        SET view_count = view_budgets.view_count + 1,
            last_viewed_at = EXCLUDED.last_viewed_at
        WHERE view_budgets.view_count < $5::INT
    RETURNING view_count
), recorded AS (
    INSERT INTO view_records (video_id, viewer_id, application_id, view_count, first_viewed_at, last_viewed_at)
    SELECT $1::TEXT, $2::TEXT, $3::TEXT, 1, $4::TIMESTAMPTZ, $4::TIMESTAMPTZ FROM bumped
    ON CONFLICT (video_id, viewer_id, application_id) DO UPDATE
        SET view_count = view_records.view_count + 1,
            last_viewed_at = EXCLUDED.last_viewed_at
    RETURNING view_count
)
SELECT view_count FROM bumped
`

// PostgresLedger implements Ledger on PostgreSQL (or CockroachDB).
type PostgresLedger struct {
	pool db.Pool
	now  func() time.Time
}

// NewPostgresLedger constructs a ledger backed by PostgreSQL.
func NewPostgresLedger(pool db.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool, now: time.Now}
}

// Count returns the pair-level view count.
func (l *PostgresLedger) Count(ctx context.Context, videoID, viewerID string) (int, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w: %w", ErrTransient, err)
	}
	defer conn.Release()

	var count int
	err = conn.QueryRow(ctx, `
        SELECT view_count
        FROM view_budgets
        WHERE video_id = $1 AND viewer_id = $2
    `, videoID, viewerID).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, wrapPgError("select view count", err)
	}

	return count, nil
}

// IncrementIfBelowCap bumps the pair counter in a single conditional statement.
func (l *PostgresLedger) IncrementIfBelowCap(ctx context.Context, key models.ViewKey, cap int) (Increment, error) {
	if err := validateKey(key); err != nil {
		return Increment{}, err
	}
	if cap < 1 {
		return Increment{}, ErrInvalidCap
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return Increment{}, fmt.Errorf("acquire connection: %w: %w", ErrTransient, err)
	}
	defer conn.Release()

	var newCount int
	err = conn.QueryRow(ctx, incrementSQL,
		key.VideoID, key.ViewerID, key.ApplicationID, l.now().UTC(), cap,
	).Scan(&newCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Increment{}, ErrLimitExceeded
		}
		return Increment{}, wrapPgError("increment view count", err)
	}

	return exhausting(newCount, cap), nil
}

// Record returns the per-application audit row.
func (l *PostgresLedger) Record(ctx context.Context, key models.ViewKey) (models.ViewRecord, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return models.ViewRecord{}, fmt.Errorf("acquire connection: %w: %w", ErrTransient, err)
	}
	defer conn.Release()

	rec := models.ViewRecord{ViewKey: key}
	err = conn.QueryRow(ctx, `
        SELECT view_count, first_viewed_at, last_viewed_at
        FROM view_records
        WHERE video_id = $1 AND viewer_id = $2 AND application_id = $3
    `, key.VideoID, key.ViewerID, key.ApplicationID).Scan(&rec.Count, &rec.FirstViewedAt, &rec.LastViewedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ViewRecord{ViewKey: key}, nil
		}
		return models.ViewRecord{}, wrapPgError("select view record", err)
	}

	rec.FirstViewedAt = rec.FirstViewedAt.UTC()
	rec.LastViewedAt = rec.LastViewedAt.UTC()
	return rec, nil
}

// Stats aggregates counts for one video.
func (l *PostgresLedger) Stats(ctx context.Context, videoID string, cap int) (models.ViewStats, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return models.ViewStats{}, fmt.Errorf("acquire connection: %w: %w", ErrTransient, err)
	}
	defer conn.Release()

	stats := models.ViewStats{VideoID: videoID}
	var lastViewed sql.NullTime
	err = conn.QueryRow(ctx, `
        SELECT
            COUNT(*),
            COALESCE(SUM(view_count), 0),
            COALESCE(SUM(CASE WHEN view_count >= $2 THEN 1 ELSE 0 END), 0),
            MAX(last_viewed_at)
        FROM view_budgets
        WHERE video_id = $1 AND view_count > 0
    `, videoID, cap).Scan(&stats.UniqueViewers, &stats.TotalViews, &stats.ViewersExhausted, &lastViewed)
	if err != nil {
		return models.ViewStats{}, wrapPgError("aggregate view budgets", err)
	}
	if lastViewed.Valid {
		t := lastViewed.Time.UTC()
		stats.LastViewedAt = &t
	}

	err = conn.QueryRow(ctx, `
        SELECT COUNT(DISTINCT application_id)
        FROM view_records
        WHERE video_id = $1 AND view_count > 0
    `, videoID).Scan(&stats.ApplicationsWithViews)
	if err != nil {
		return models.ViewStats{}, wrapPgError("count applications with views", err)
	}

	return stats, nil
}

// ExhaustedVideos lists unreclaimed videos with a pair at or above cap.
func (l *PostgresLedger) ExhaustedVideos(ctx context.Context, cap int) ([]string, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w: %w", ErrTransient, err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT DISTINCT video_id
        FROM view_budgets
        WHERE view_count >= $1 AND reclaimed_at IS NULL
        ORDER BY video_id
    `, cap)
	if err != nil {
		return nil, wrapPgError("query exhausted videos", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan exhausted video: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError("iterate exhausted videos", err)
	}

	return ids, nil
}

// MarkReclaimed flags all pairs of the video as reclaimed.
func (l *PostgresLedger) MarkReclaimed(ctx context.Context, videoID string) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w: %w", ErrTransient, err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        UPDATE view_budgets
        SET reclaimed_at = $2
        WHERE video_id = $1 AND reclaimed_at IS NULL
    `, videoID, l.now().UTC())
	if err != nil {
		return wrapPgError("mark video reclaimed", err)
	}

	return nil
}

func wrapPgError(op string, err error) error {
	if db.IsTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ Ledger = (*PostgresLedger)(nil)
