// Package sweeper reclaims storage for video resumes whose view budget is spent or
// whose retention window has lapsed.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resumevault/backend/internal/ledger"
	"github.com/resumevault/backend/internal/logging"
	"github.com/resumevault/backend/internal/models"
	"github.com/resumevault/backend/internal/repositories"
	"github.com/resumevault/backend/internal/storage"
)

// ErrSweepInProgress is returned when a run is skipped because another one holds the gate.
var ErrSweepInProgress = errors.New("sweep already in progress")

// AssetStore is the subset of the asset repository the sweeper needs.
type AssetStore interface {
	Get(ctx context.Context, id string) (models.VideoAsset, error)
	MarkDeleted(ctx context.Context, id string) error
	ListByState(ctx context.Context, state models.AssetState, limit int) ([]models.VideoAsset, error)
	ListCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.VideoAsset, error)
}

// Deleter removes stored bytes.
type Deleter interface {
	Delete(ctx context.Context, location string) error
}

// Config controls the sweep cadence and policy.
type Config struct {
	ViewCap         int
	Interval        time.Duration
	RetentionWindow time.Duration
	DeleteTimeout   time.Duration
	BatchSize       int
	// Locker optionally extends the in-process gate across instances.
	Locker Locker
}

// Report summarises one sweep cycle.
type Report struct {
	Candidates int      `json:"candidates"`
	Deleted    int      `json:"deleted"`
	Failed     int      `json:"failed"`
	VideoIDs   []string `json:"videoIds"`
}

// Sweeper periodically deletes exhausted or expired assets.
type Sweeper struct {
	assets  AssetStore
	ledger  ledger.Ledger
	storage Deleter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	running atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once
	stop   sync.Once
}

// New constructs a sweeper. Start launches the periodic loop; Run performs one cycle.
func New(assets AssetStore, l ledger.Ledger, store Deleter, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.ViewCap < 1 {
		cfg.ViewCap = 2
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.DeleteTimeout <= 0 {
		cfg.DeleteTimeout = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Sweeper{
		assets:  assets,
		ledger:  l,
		storage: store,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "sweeper")),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// WithNowFunc allows tests to override the clock used for the retention cutoff.
func (s *Sweeper) WithNowFunc(now func() time.Time) {
	s.now = now
}

// Start runs a cycle immediately and then on every interval until Shutdown.
func (s *Sweeper) Start() {
	s.start.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Shutdown stops the loop and waits for an in-flight cycle to finish.
func (s *Sweeper) Shutdown(ctx context.Context) error {
	s.stop.Do(s.cancel)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.runOnce()

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) runOnce() {
	ctx := logging.WithLogger(s.ctx, s.logger)
	if _, err := s.Run(ctx); err != nil {
		if errors.Is(err, ErrSweepInProgress) {
			s.logger.Info("sweep skipped", "reason", err)
			return
		}
		if s.ctx.Err() == nil {
			s.logger.Error("sweep cycle failed", "error", err)
		}
	}
}

// Run performs a single sweep cycle. It returns ErrSweepInProgress without doing
// anything when another cycle holds the gate. Per-candidate failures are counted in
// the report and retried next cycle; the returned error only covers candidate discovery.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrSweepInProgress
	}
	defer s.running.Store(false)

	if s.cfg.Locker != nil {
		release, ok, err := s.cfg.Locker.TryLock(ctx)
		if err != nil {
			return Report{}, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			return Report{}, ErrSweepInProgress
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := release(releaseCtx); err != nil {
				logging.FromContext(ctx).Warn("release sweep lock", "error", err)
			}
		}()
	}

	ctx, span := logging.StartSpan(ctx, "sweeper.run")
	defer span.End()
	logger := logging.FromContext(ctx)

	candidates, discoverErr := s.candidates(ctx)
	report := Report{Candidates: len(candidates)}

	for _, videoID := range candidates {
		if ctx.Err() != nil {
			break
		}
		deleted, err := s.reclaim(ctx, videoID)
		if err != nil {
			report.Failed++
			logger.Warn("reclaim candidate failed", "video_id", videoID, "error", err)
			continue
		}
		if deleted {
			report.Deleted++
			report.VideoIDs = append(report.VideoIDs, videoID)
		}
	}

	span.Annotate("candidates", report.Candidates, "deleted", report.Deleted)
	logger.Info("sweep completed",
		"candidates", report.Candidates,
		"deleted", report.Deleted,
		"failed", report.Failed,
	)

	if discoverErr != nil {
		return report, discoverErr
	}
	return report, ctx.Err()
}

// candidates unions the asset state flags with exhaustion re-derived from the ledger,
// plus assets older than the retention window.
func (s *Sweeper) candidates(ctx context.Context) ([]string, error) {
	logger := logging.FromContext(ctx)
	seen := make(map[string]struct{})
	var errs []error

	exhausted, err := s.assets.ListByState(ctx, models.AssetStateExhausted, s.cfg.BatchSize)
	if err != nil {
		logger.Error("list exhausted assets", "error", err)
		errs = append(errs, fmt.Errorf("list exhausted assets: %w", err))
	}
	for _, asset := range exhausted {
		seen[asset.ID] = struct{}{}
	}

	fromLedger, err := s.ledger.ExhaustedVideos(ctx, s.cfg.ViewCap)
	if err != nil {
		logger.Error("list exhausted videos from ledger", "error", err)
		errs = append(errs, fmt.Errorf("list exhausted videos: %w", err))
	}
	for _, id := range fromLedger {
		seen[id] = struct{}{}
	}

	if s.cfg.RetentionWindow > 0 {
		cutoff := s.now().UTC().Add(-s.cfg.RetentionWindow)
		expired, err := s.assets.ListCreatedBefore(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			logger.Error("list expired assets", "error", err)
			errs = append(errs, fmt.Errorf("list expired assets: %w", err))
		}
		for _, asset := range expired {
			seen[asset.ID] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids, errors.Join(errs...)
}

// reclaim deletes the bytes of one video, then records the terminal state. It reports
// whether this call performed the deletion.
func (s *Sweeper) reclaim(ctx context.Context, videoID string) (bool, error) {
	logger := logging.FromContext(ctx).With(slog.String("video_id", videoID))

	asset, err := s.assets.Get(ctx, videoID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Ledger rows without an asset have nothing left to delete.
			logger.Warn("ledger references unknown asset; marking reclaimed")
			return false, s.markReclaimed(ctx, videoID)
		}
		return false, fmt.Errorf("load asset: %w", err)
	}

	if asset.State == models.AssetStateDeleted {
		return false, s.markReclaimed(ctx, videoID)
	}

	deleteCtx, cancel := context.WithTimeout(ctx, s.cfg.DeleteTimeout)
	err = s.storage.Delete(deleteCtx, asset.Location)
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrObjectNotFound):
		logger.Info("stored object already gone", "location", asset.Location)
	default:
		return false, fmt.Errorf("delete stored object: %w", err)
	}

	if err := s.assets.MarkDeleted(ctx, videoID); err != nil {
		return false, fmt.Errorf("mark asset deleted: %w", err)
	}

	if err := s.markReclaimed(ctx, videoID); err != nil {
		// The asset is deleted; the next cycle only needs to retry the ledger flag.
		logger.Warn("mark ledger reclaimed", "error", err)
	}

	logger.Info("asset reclaimed", "location", asset.Location)
	return true, nil
}

func (s *Sweeper) markReclaimed(ctx context.Context, videoID string) error {
	if err := s.ledger.MarkReclaimed(ctx, videoID); err != nil {
		return fmt.Errorf("mark ledger reclaimed: %w", err)
	}
	return nil
}
