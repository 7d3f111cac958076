package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/resumevault/backend/internal/models"
)

type pairKey struct {
	videoID  string
	viewerID string
}

type pairEntry struct {
	count     int
	first     time.Time
	last      time.Time
	reclaimed bool
}

// MemoryLedger implements Ledger for tests and local development. A single mutex
// serialises increments, which makes the conditional update atomic.
type MemoryLedger struct {
	mu      sync.Mutex
	pairs   map[pairKey]*pairEntry
	records map[models.ViewKey]*models.ViewRecord
	now     func() time.Time
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		pairs:   make(map[pairKey]*pairEntry),
		records: make(map[models.ViewKey]*models.ViewRecord),
		now:     time.Now,
	}
}

// WithNowFunc allows tests to override the time source.
func (l *MemoryLedger) WithNowFunc(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Count returns the pair-level view count.
func (l *MemoryLedger) Count(_ context.Context, videoID, viewerID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.pairs[pairKey{videoID, viewerID}]; ok {
		return entry.count, nil
	}
	return 0, nil
}

// IncrementIfBelowCap bumps the pair and application counters when below cap.
func (l *MemoryLedger) IncrementIfBelowCap(_ context.Context, key models.ViewKey, cap int) (Increment, error) {
	if err := validateKey(key); err != nil {
		return Increment{}, err
	}
	if cap < 1 {
		return Increment{}, ErrInvalidCap
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	pk := pairKey{key.VideoID, key.ViewerID}
	entry, ok := l.pairs[pk]
	if !ok {
		entry = &pairEntry{first: now}
		l.pairs[pk] = entry
	}
	if entry.count >= cap {
		return Increment{}, ErrLimitExceeded
	}
	entry.count++
	entry.last = now

	rec, ok := l.records[key]
	if !ok {
		rec = &models.ViewRecord{ViewKey: key, FirstViewedAt: now}
		l.records[key] = rec
	}
	rec.Count++
	rec.LastViewedAt = now

	return exhausting(entry.count, cap), nil
}

// Record returns a copy of the per-application record.
func (l *MemoryLedger) Record(_ context.Context, key models.ViewKey) (models.ViewRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[key]; ok {
		return *rec, nil
	}
	return models.ViewRecord{ViewKey: key}, nil
}

// Stats aggregates counts for one video.
func (l *MemoryLedger) Stats(_ context.Context, videoID string, cap int) (models.ViewStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := models.ViewStats{VideoID: videoID}
	for pk, entry := range l.pairs {
		if pk.videoID != videoID || entry.count == 0 {
			continue
		}
		stats.UniqueViewers++
		stats.TotalViews += entry.count
		if entry.count >= cap {
			stats.ViewersExhausted++
		}
		if stats.LastViewedAt == nil || entry.last.After(*stats.LastViewedAt) {
			last := entry.last
			stats.LastViewedAt = &last
		}
	}

	apps := make(map[string]struct{})
	for key, rec := range l.records {
		if key.VideoID == videoID && rec.Count > 0 {
			apps[key.ApplicationID] = struct{}{}
		}
	}
	stats.ApplicationsWithViews = len(apps)

	return stats, nil
}

// ExhaustedVideos lists unreclaimed videos with a pair at or above cap, sorted.
func (l *MemoryLedger) ExhaustedVideos(_ context.Context, cap int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{})
	for pk, entry := range l.pairs {
		if entry.count >= cap && !entry.reclaimed {
			seen[pk.videoID] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// MarkReclaimed flags all pairs of the video as reclaimed.
func (l *MemoryLedger) MarkReclaimed(_ context.Context, videoID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for pk, entry := range l.pairs {
		if pk.videoID == videoID {
			entry.reclaimed = true
		}
	}
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)
