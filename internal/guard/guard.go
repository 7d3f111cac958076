// Package guard decides whether a viewer may watch a video resume and, when it may,
// consumes one view from the ledger and mints the stream token.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/resumevault/backend/internal/ledger"
	"github.com/resumevault/backend/internal/logging"
	"github.com/resumevault/backend/internal/models"
	"github.com/resumevault/backend/internal/repositories"
	"github.com/resumevault/backend/internal/tokens"
)

// Reason explains a denial.
type Reason string

const (
	ReasonLimitExceeded    Reason = "limit_exceeded"
	ReasonAlreadyExhausted Reason = "already_exhausted"
	ReasonNotFound         Reason = "not_found"
)

var (
	// ErrAlreadyExhausted indicates the asset is exhausted or deleted.
	ErrAlreadyExhausted = errors.New("video already exhausted")
	// ErrNotFound indicates no asset exists for the requested video.
	ErrNotFound = errors.New("video not found")
	// ErrLimitExceeded is returned by Decision.Err for limit denials.
	ErrLimitExceeded = ledger.ErrLimitExceeded
	// ErrTransient indicates a collaborator was temporarily unavailable. Callers may
	// retry; it never means the limit was reached.
	ErrTransient = errors.New("access decision temporarily unavailable")
	// ErrInvalidRequest indicates a missing video, application or viewer id.
	ErrInvalidRequest = errors.New("video, application and viewer ids are required")
)

// AssetStore is the subset of the asset repository the guard needs.
type AssetStore interface {
	Get(ctx context.Context, id string) (models.VideoAsset, error)
	MarkExhausted(ctx context.Context, id string) error
}

// TokenIssuer mints stream tokens.
type TokenIssuer interface {
	Issue(videoID, applicationID, viewerID string, ttl time.Duration) (tokens.Token, error)
	Reissue(claims models.AccessClaims) (tokens.Token, error)
}

// Policy holds the configurable limits.
type Policy struct {
	ViewCap  int
	TokenTTL time.Duration
	// ReuseLiveGrant returns the still-live token for a triple instead of consuming
	// another view.
	ReuseLiveGrant bool
}

// Decision is the outcome of RequestAccess.
type Decision struct {
	Granted           bool
	Reason            Reason
	Token             tokens.Token
	ViewsRemaining    int
	MaxViews          int
	WasExhaustingView bool
	// Reused is set when a live grant was returned without consuming a view.
	Reused bool
}

// Err maps a denial onto its sentinel error; nil for grants.
func (d Decision) Err() error {
	switch d.Reason {
	case ReasonLimitExceeded:
		return ErrLimitExceeded
	case ReasonAlreadyExhausted:
		return ErrAlreadyExhausted
	case ReasonNotFound:
		return ErrNotFound
	}
	return nil
}

// Limit reports a viewer's remaining budget without consuming it.
type Limit struct {
	CanView    bool
	ViewsLeft  int
	TotalViews int
	MaxViews   int
}

// Guard orchestrates the asset lookup, ledger increment and token minting.
type Guard struct {
	assets AssetStore
	ledger ledger.Ledger
	issuer TokenIssuer
	policy Policy
	now    func() time.Time

	flight singleflight.Group
	mu     sync.Mutex
	live   map[models.ViewKey]models.AccessClaims
}

// New constructs a Guard. A cap below one falls back to two and a non-positive TTL
// to tokens.DefaultTTL.
func New(assets AssetStore, l ledger.Ledger, issuer TokenIssuer, policy Policy) *Guard {
	if policy.ViewCap < 1 {
		policy.ViewCap = 2
	}
	if policy.TokenTTL <= 0 {
		policy.TokenTTL = tokens.DefaultTTL
	}
	return &Guard{
		assets: assets,
		ledger: l,
		issuer: issuer,
		policy: policy,
		now:    time.Now,
		live:   make(map[models.ViewKey]models.AccessClaims),
	}
}

// WithNowFunc allows tests to override the time source used for live grants.
func (g *Guard) WithNowFunc(now func() time.Time) {
	g.now = now
}

// Policy returns the effective policy.
func (g *Guard) Policy() Policy {
	return g.policy
}

// RequestAccess grants or denies one view of the video for the viewer and application.
// Denials are reported in the Decision; the error is reserved for invalid input and
// transient failures.
func (g *Guard) RequestAccess(ctx context.Context, key models.ViewKey) (Decision, error) {
	key = normaliseKey(key)
	if key.VideoID == "" || key.ApplicationID == "" || key.ViewerID == "" {
		return Decision{}, ErrInvalidRequest
	}

	ctx, span := logging.StartSpan(ctx, "guard.request_access")
	defer span.End()

	decision, err := g.decide(ctx, key)
	span.Annotate("granted", decision.Granted, "reason", decision.Reason, "reused", decision.Reused)
	return decision, err
}

func (g *Guard) decide(ctx context.Context, key models.ViewKey) (Decision, error) {
	if !g.policy.ReuseLiveGrant {
		return g.requestAccess(ctx, key)
	}

	// Duplicate clicks for the same triple collapse onto one decision.
	flightKey := key.VideoID + "\x00" + key.ViewerID + "\x00" + key.ApplicationID
	v, err, _ := g.flight.Do(flightKey, func() (any, error) {
		if decision, ok, err := g.reuseLiveGrant(ctx, key); err != nil || ok {
			return decision, err
		}
		return g.requestAccess(ctx, key)
	})
	if err != nil {
		return Decision{}, err
	}
	return v.(Decision), nil
}

func (g *Guard) requestAccess(ctx context.Context, key models.ViewKey) (Decision, error) {
	logger := logging.FromContext(ctx).With(
		slog.String("video_id", key.VideoID),
		slog.String("viewer_id", key.ViewerID),
		slog.String("application_id", key.ApplicationID),
	)

	asset, err := g.assets.Get(ctx, key.VideoID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			logger.Info("access denied", "reason", ReasonNotFound)
			return g.deny(ReasonNotFound), nil
		}
		logger.Error("asset lookup failed", "error", err)
		return Decision{}, fmt.Errorf("%w: load asset: %w", ErrTransient, err)
	}

	if asset.State == models.AssetStateExhausted || asset.State == models.AssetStateDeleted {
		reason, err := g.exhaustedReason(ctx, key)
		if err != nil {
			logger.Error("read view count for denial failed", "error", err)
			return Decision{}, fmt.Errorf("%w: read view count: %w", ErrTransient, err)
		}
		logger.Info("access denied", "reason", reason, "state", asset.State)
		return g.deny(reason), nil
	}

	inc, err := g.ledger.IncrementIfBelowCap(ctx, key, g.policy.ViewCap)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrLimitExceeded):
			logger.Info("access denied", "reason", ReasonLimitExceeded)
			return g.deny(ReasonLimitExceeded), nil
		case errors.Is(err, ledger.ErrInvalidKey):
			return Decision{}, ErrInvalidRequest
		default:
			logger.Error("ledger increment failed", "error", err)
			return Decision{}, fmt.Errorf("%w: increment view count: %w", ErrTransient, err)
		}
	}

	token, err := g.issuer.Issue(key.VideoID, key.ApplicationID, key.ViewerID, g.policy.TokenTTL)
	if err != nil {
		// The view is already consumed; surface the failure rather than hiding it.
		logger.Error("token mint failed after increment", "error", err, "new_count", inc.NewCount)
		return Decision{}, fmt.Errorf("mint access token: %w", err)
	}

	if inc.WasExhaustingView {
		// Best effort: the sweeper re-derives exhaustion from the ledger if this is lost.
		if err := g.assets.MarkExhausted(ctx, key.VideoID); err != nil {
			logger.Warn("mark asset exhausted failed", "error", err)
		} else {
			logger.Info("asset exhausted")
		}
	}

	if g.policy.ReuseLiveGrant {
		g.rememberGrant(key, token)
	}

	logger.Info("access granted", "new_count", inc.NewCount, "exhausting", inc.WasExhaustingView)

	return Decision{
		Granted:           true,
		Token:             token,
		ViewsRemaining:    g.policy.ViewCap - inc.NewCount,
		MaxViews:          g.policy.ViewCap,
		WasExhaustingView: inc.WasExhaustingView,
	}, nil
}

// exhaustedReason reports LimitExceeded to the viewer who spent their own budget on an
// exhausted or deleted asset, and AlreadyExhausted to everyone else. View records
// outlive the asset, so the answer is stable across a sweep. The ledger is only read.
func (g *Guard) exhaustedReason(ctx context.Context, key models.ViewKey) (Reason, error) {
	count, err := g.ledger.Count(ctx, key.VideoID, key.ViewerID)
	if err != nil {
		return "", err
	}
	if count >= g.policy.ViewCap {
		return ReasonLimitExceeded, nil
	}
	return ReasonAlreadyExhausted, nil
}

func (g *Guard) deny(reason Reason) Decision {
	return Decision{Reason: reason, MaxViews: g.policy.ViewCap}
}

func (g *Guard) reuseLiveGrant(ctx context.Context, key models.ViewKey) (Decision, bool, error) {
	now := g.now().UTC()

	g.mu.Lock()
	claims, ok := g.live[key]
	if ok && !now.Before(claims.ExpiresAt) {
		delete(g.live, key)
		ok = false
	}
	g.mu.Unlock()
	if !ok {
		return Decision{}, false, nil
	}

	// A retired or swept asset must not keep serving through a cached grant.
	asset, err := g.assets.Get(ctx, key.VideoID)
	if err != nil || asset.State == models.AssetStateDeleted {
		return Decision{}, false, nil
	}

	count, err := g.ledger.Count(ctx, key.VideoID, key.ViewerID)
	if err != nil {
		return Decision{}, false, fmt.Errorf("%w: read view count: %w", ErrTransient, err)
	}

	token, err := g.issuer.Reissue(claims)
	if err != nil {
		return Decision{}, false, fmt.Errorf("reissue access token: %w", err)
	}

	logging.FromContext(ctx).Info("live grant reused",
		"video_id", key.VideoID, "viewer_id", key.ViewerID, "application_id", key.ApplicationID)

	return Decision{
		Granted:        true,
		Token:          token,
		ViewsRemaining: max(g.policy.ViewCap-count, 0),
		MaxViews:       g.policy.ViewCap,
		Reused:         true,
	}, true, nil
}

func (g *Guard) rememberGrant(key models.ViewKey, token tokens.Token) {
	now := g.now().UTC()

	g.mu.Lock()
	defer g.mu.Unlock()

	for k, c := range g.live {
		if !now.Before(c.ExpiresAt) {
			delete(g.live, k)
		}
	}
	g.live[key] = models.AccessClaims{
		VideoID:       key.VideoID,
		ApplicationID: key.ApplicationID,
		ViewerID:      key.ViewerID,
		IssuedAt:      token.IssuedAt,
		ExpiresAt:     token.ExpiresAt,
	}
}

// CheckLimit reports the viewer's remaining budget for the video. It never mutates
// the ledger.
func (g *Guard) CheckLimit(ctx context.Context, videoID, viewerID string) (Limit, error) {
	videoID, viewerID = strings.TrimSpace(videoID), strings.TrimSpace(viewerID)
	if videoID == "" || viewerID == "" {
		return Limit{}, ErrInvalidRequest
	}

	asset, err := g.assets.Get(ctx, videoID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return Limit{}, ErrNotFound
		}
		return Limit{}, fmt.Errorf("%w: load asset: %w", ErrTransient, err)
	}

	count, err := g.ledger.Count(ctx, videoID, viewerID)
	if err != nil {
		return Limit{}, fmt.Errorf("%w: read view count: %w", ErrTransient, err)
	}

	left := max(g.policy.ViewCap-count, 0)
	return Limit{
		CanView:    left > 0 && asset.State == models.AssetStateActive,
		ViewsLeft:  left,
		TotalViews: count,
		MaxViews:   g.policy.ViewCap,
	}, nil
}

// Stats aggregates consumption of the video across viewers.
func (g *Guard) Stats(ctx context.Context, videoID string) (models.ViewStats, error) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return models.ViewStats{}, ErrInvalidRequest
	}

	if _, err := g.assets.Get(ctx, videoID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return models.ViewStats{}, ErrNotFound
		}
		return models.ViewStats{}, fmt.Errorf("%w: load asset: %w", ErrTransient, err)
	}

	stats, err := g.ledger.Stats(ctx, videoID, g.policy.ViewCap)
	if err != nil {
		return models.ViewStats{}, fmt.Errorf("%w: aggregate views: %w", ErrTransient, err)
	}
	return stats, nil
}

func normaliseKey(key models.ViewKey) models.ViewKey {
	return models.ViewKey{
		VideoID:       strings.TrimSpace(key.VideoID),
		ViewerID:      strings.TrimSpace(key.ViewerID),
		ApplicationID: strings.TrimSpace(key.ApplicationID),
	}
}
