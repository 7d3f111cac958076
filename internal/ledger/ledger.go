// Package ledger keeps the authoritative per-viewer view counts for video resumes.
//
// The cap is enforced per (video, viewer) pair across all applications; every
// increment is additionally attributed to the application it was made for so the
// per-application rows can serve as an audit trail.
package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/resumevault/backend/internal/models"
)

var (
	// ErrLimitExceeded indicates the pair already consumed its full view budget.
	ErrLimitExceeded = errors.New("view limit exceeded")
	// ErrTransient indicates the backing store is temporarily unavailable.
	ErrTransient = errors.New("ledger temporarily unavailable")
	// ErrInvalidKey indicates a ledger key with a missing component.
	ErrInvalidKey = errors.New("invalid ledger key")
	// ErrInvalidCap indicates a cap lower than one.
	ErrInvalidCap = errors.New("view cap must be positive")
)

// Increment describes the result of a successful conditional increment.
type Increment struct {
	NewCount          int
	WasExhaustingView bool
}

// Ledger is the single source of truth for how often a viewer has watched a video.
type Ledger interface {
	// Count returns the pair-level count, zero when no record exists.
	Count(ctx context.Context, videoID, viewerID string) (int, error)
	// IncrementIfBelowCap atomically bumps the pair counter when it is below cap.
	// It returns ErrLimitExceeded without mutating anything when the cap is reached.
	IncrementIfBelowCap(ctx context.Context, key models.ViewKey, cap int) (Increment, error)
	// Record returns the per-application audit row; a zero-count record when absent.
	Record(ctx context.Context, key models.ViewKey) (models.ViewRecord, error)
	// Stats aggregates consumption of one video across all viewers.
	Stats(ctx context.Context, videoID string, cap int) (models.ViewStats, error)
	// ExhaustedVideos lists videos with at least one unreclaimed pair at or above cap.
	ExhaustedVideos(ctx context.Context, cap int) ([]string, error)
	// MarkReclaimed flags every pair of the video as reclaimed after physical deletion.
	MarkReclaimed(ctx context.Context, videoID string) error
}

func validateKey(key models.ViewKey) error {
	if strings.TrimSpace(key.VideoID) == "" || strings.TrimSpace(key.ViewerID) == "" || strings.TrimSpace(key.ApplicationID) == "" {
		return ErrInvalidKey
	}
	return nil
}

func exhausting(newCount, cap int) Increment {
	return Increment{NewCount: newCount, WasExhaustingView: newCount == cap}
}
