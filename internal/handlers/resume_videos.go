package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/resumevault/backend/internal/guard"
	"github.com/resumevault/backend/internal/logging"
	"github.com/resumevault/backend/internal/models"
	"github.com/resumevault/backend/internal/repositories"
	"github.com/resumevault/backend/internal/storage"
	"github.com/resumevault/backend/internal/tokens"
)

const streamPath = "/api/v1/resume-videos/stream"

// ResumeVideoHandler implements the upload, access and streaming endpoints.
type ResumeVideoHandler struct {
	Guard          AccessGuard
	Tokens         TokenValidator
	Assets         AssetStore
	Storage        ObjectStorage
	AccessLimiter  RateLimiter
	Transport      http.RoundTripper
	MaxUploadBytes int64
	NowFunc        func() time.Time
}

type accessRequest struct {
	VideoID       string `json:"videoId"`
	ApplicationID string `json:"applicationId"`
	ViewerID      string `json:"viewerId"`
}

type accessResponse struct {
	Token             string    `json:"token"`
	ViewsRemaining    int       `json:"viewsRemaining"`
	MaxViews          int       `json:"maxViews"`
	ExpiresAt         time.Time `json:"expiresAt"`
	StreamURL         string    `json:"streamUrl"`
	WasExhaustingView bool      `json:"wasExhaustingView"`
}

type limitResponse struct {
	CanView    bool `json:"canView"`
	ViewsLeft  int  `json:"viewsLeft"`
	TotalViews int  `json:"totalViews"`
	MaxViews   int  `json:"maxViews"`
}

type statsResponse struct {
	VideoID               string     `json:"videoId"`
	UniqueViewers         int        `json:"uniqueViewers"`
	TotalViews            int        `json:"totalViews"`
	ApplicationsWithViews int        `json:"applicationsWithViews"`
	ViewersExhausted      int        `json:"viewersExhausted"`
	LastViewedAt          *time.Time `json:"lastViewedAt,omitempty"`
}

type assetResponse struct {
	VideoID     string    `json:"videoId"`
	OwnerID     string    `json:"ownerId"`
	State       string    `json:"state"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitzero"`
}

// Access handles POST /api/v1/resume-videos/access.
func (h ResumeVideoHandler) Access(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Guard == nil {
		logger.Error("access guard unavailable")
		respondError(ctx, w, http.StatusInternalServerError, "", "access control unavailable")
		return
	}

	if !allowRequest(h.AccessLimiter, r, "access") {
		logger.Warn("access request rate limited", "client_ip", clientIP(r))
		respondError(ctx, w, http.StatusTooManyRequests, "rate_limited", "too many access requests")
		return
	}

	var req accessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid access payload", "error", err)
		respondError(ctx, w, http.StatusBadRequest, "", "invalid request body")
		return
	}

	decision, err := h.Guard.RequestAccess(ctx, models.ViewKey{
		VideoID:       req.VideoID,
		ApplicationID: req.ApplicationID,
		ViewerID:      req.ViewerID,
	})
	if err != nil {
		status, code, message := guardErrorResponse(err)
		respondError(ctx, w, status, code, message)
		return
	}

	if !decision.Granted {
		status, code, message := guardErrorResponse(decision.Err())
		respondError(ctx, w, status, code, message)
		return
	}

	respondJSON(ctx, w, http.StatusOK, accessResponse{
		Token:             decision.Token.Value,
		ViewsRemaining:    decision.ViewsRemaining,
		MaxViews:          decision.MaxViews,
		ExpiresAt:         decision.Token.ExpiresAt,
		StreamURL:         streamPath + "?token=" + url.QueryEscape(decision.Token.Value),
		WasExhaustingView: decision.WasExhaustingView,
	})
}

// Stream handles GET /api/v1/resume-videos/stream?token=. The token is the only
// credential; no view is consumed here.
func (h ResumeVideoHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Tokens == nil || h.Assets == nil || h.Storage == nil {
		logger.Error("stream dependencies unavailable", "hasTokens", h.Tokens != nil, "hasAssets", h.Assets != nil, "hasStorage", h.Storage != nil)
		respondError(ctx, w, http.StatusInternalServerError, "", "streaming unavailable")
		return
	}

	claims, err := h.Tokens.Validate(r.URL.Query().Get("token"))
	if err != nil {
		logger.Warn("stream token rejected", "error", err)
		respondError(ctx, w, http.StatusUnauthorized, "invalid_token", "invalid or expired access token")
		return
	}

	if viewer := strings.TrimSpace(r.Header.Get("X-Viewer-ID")); viewer != "" && viewer != claims.ViewerID {
		logger.Warn("stream token presented by another viewer", "video_id", claims.VideoID)
		respondError(ctx, w, http.StatusUnauthorized, "invalid_token", "invalid or expired access token")
		return
	}

	logger = logger.With("video_id", claims.VideoID, "viewer_id", claims.ViewerID)

	asset, err := h.Assets.Get(ctx, claims.VideoID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			respondError(ctx, w, http.StatusNotFound, "not_found", "video not found")
			return
		}
		logger.Error("stream asset lookup failed", "error", err)
		respondError(ctx, w, http.StatusServiceUnavailable, "unavailable", "video temporarily unavailable")
		return
	}
	if asset.State == models.AssetStateDeleted {
		respondError(ctx, w, http.StatusNotFound, "already_exhausted", "video no longer available")
		return
	}

	rawURL, err := h.Storage.StreamURL(ctx, asset.Location)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			respondError(ctx, w, http.StatusNotFound, "not_found", "video not found")
			return
		}
		logger.Error("resolve stream url failed", "error", err)
		respondError(ctx, w, http.StatusServiceUnavailable, "unavailable", "video temporarily unavailable")
		return
	}

	target, err := url.Parse(rawURL)
	if err != nil {
		logger.Error("invalid stream url from storage", "error", err)
		respondError(ctx, w, http.StatusInternalServerError, "", "streaming unavailable")
		return
	}

	h.proxy(target).ServeHTTP(w, r)
}

func (h ResumeVideoHandler) proxy(target *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = target
			pr.Out.Host = target.Host
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
			pr.Out.Header.Del("X-Viewer-ID")
		},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Del("Set-Cookie")
			resp.Header.Set("Cache-Control", "private, no-store")
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			ctx := r.Context()
			if errors.Is(err, context.Canceled) {
				return
			}
			logging.FromContext(ctx).Error("stream proxy failed", "error", err)
			respondError(ctx, w, http.StatusBadGateway, "unavailable", "video temporarily unavailable")
		},
		Transport: h.Transport,
	}
}

// Collection handles POST (upload) and DELETE (retire) on /api/v1/resume-videos.
func (h ResumeVideoHandler) Collection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.upload(w, r)
	case http.MethodDelete:
		h.retire(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h ResumeVideoHandler) upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Assets == nil || h.Storage == nil {
		logger.Error("upload dependencies unavailable", "hasAssets", h.Assets != nil, "hasStorage", h.Storage != nil)
		respondError(ctx, w, http.StatusInternalServerError, "", "upload unavailable")
		return
	}

	ownerID := strings.TrimSpace(r.URL.Query().Get("ownerId"))
	if ownerID == "" {
		respondError(ctx, w, http.StatusBadRequest, "", "ownerId is required")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "video/") {
		respondError(ctx, w, http.StatusUnsupportedMediaType, "", "a video content type is required")
		return
	}

	if h.MaxUploadBytes > 0 {
		if r.ContentLength > h.MaxUploadBytes {
			respondError(ctx, w, http.StatusRequestEntityTooLarge, "", "video exceeds the upload limit")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	}

	asset := models.VideoAsset{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		State:       models.AssetStateActive,
		ContentType: contentType,
		Size:        max(r.ContentLength, 0),
		CreatedAt:   h.now().UTC(),
	}

	location, err := h.Storage.Upload(ctx, r.Body, storage.UploadMetadata{
		VideoID:     asset.ID,
		OwnerID:     ownerID,
		ContentType: contentType,
		Size:        asset.Size,
	})
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(ctx, w, http.StatusRequestEntityTooLarge, "", "video exceeds the upload limit")
			return
		}
		logger.Error("upload to storage failed", "error", err, "owner_id", ownerID)
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		respondError(ctx, w, status, "", "failed to store video")
		return
	}
	asset.Location = location

	if err := h.Assets.Create(ctx, asset); err != nil {
		logger.Error("record uploaded asset failed", "error", err, "video_id", asset.ID)
		if delErr := h.Storage.Delete(context.WithoutCancel(ctx), location); delErr != nil {
			logger.Warn("cleanup orphaned upload failed", "error", delErr, "location", location)
		}
		respondError(ctx, w, http.StatusInternalServerError, "", "failed to record video")
		return
	}

	logger.Info("resume video uploaded", "video_id", asset.ID, "owner_id", ownerID)
	respondJSON(ctx, w, http.StatusCreated, toAssetResponse(asset))
}

func (h ResumeVideoHandler) retire(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.Assets == nil {
		respondError(ctx, w, http.StatusInternalServerError, "", "asset store unavailable")
		return
	}

	videoID := strings.TrimSpace(r.URL.Query().Get("videoId"))
	ownerID := strings.TrimSpace(r.URL.Query().Get("ownerId"))
	if videoID == "" || ownerID == "" {
		respondError(ctx, w, http.StatusBadRequest, "", "videoId and ownerId are required")
		return
	}

	if err := h.Assets.Retire(ctx, videoID, ownerID); err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			respondError(ctx, w, http.StatusNotFound, "not_found", "video not found")
		case errors.Is(err, repositories.ErrNotOwner):
			respondError(ctx, w, http.StatusForbidden, "not_owner", "video belongs to another user")
		default:
			logging.FromContext(ctx).Error("retire video failed", "error", err, "video_id", videoID)
			respondError(ctx, w, http.StatusServiceUnavailable, "unavailable", "failed to retire video")
		}
		return
	}

	logging.FromContext(ctx).Info("resume video retired", "video_id", videoID)
	respondJSON(ctx, w, http.StatusAccepted, map[string]string{
		"videoId": videoID,
		"state":   string(models.AssetStateExhausted),
	})
}

// Limit handles GET /api/v1/resume-videos/limit?videoId=&viewerId=.
func (h ResumeVideoHandler) Limit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	if h.Guard == nil {
		respondError(ctx, w, http.StatusInternalServerError, "", "access control unavailable")
		return
	}

	q := r.URL.Query()
	limit, err := h.Guard.CheckLimit(ctx, q.Get("videoId"), q.Get("viewerId"))
	if err != nil {
		status, code, message := guardErrorResponse(err)
		respondError(ctx, w, status, code, message)
		return
	}

	respondJSON(ctx, w, http.StatusOK, limitResponse{
		CanView:    limit.CanView,
		ViewsLeft:  limit.ViewsLeft,
		TotalViews: limit.TotalViews,
		MaxViews:   limit.MaxViews,
	})
}

// Stats handles GET /api/v1/resume-videos/stats?videoId=.
func (h ResumeVideoHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	if h.Guard == nil {
		respondError(ctx, w, http.StatusInternalServerError, "", "access control unavailable")
		return
	}

	stats, err := h.Guard.Stats(ctx, r.URL.Query().Get("videoId"))
	if err != nil {
		status, code, message := guardErrorResponse(err)
		respondError(ctx, w, status, code, message)
		return
	}

	respondJSON(ctx, w, http.StatusOK, statsResponse{
		VideoID:               stats.VideoID,
		UniqueViewers:         stats.UniqueViewers,
		TotalViews:            stats.TotalViews,
		ApplicationsWithViews: stats.ApplicationsWithViews,
		ViewersExhausted:      stats.ViewersExhausted,
		LastViewedAt:          stats.LastViewedAt,
	})
}

func (h ResumeVideoHandler) now() time.Time {
	if h.NowFunc != nil {
		return h.NowFunc()
	}
	return time.Now()
}

// guardErrorResponse maps the guard's error taxonomy onto HTTP.
func guardErrorResponse(err error) (int, string, string) {
	switch {
	case errors.Is(err, guard.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, guard.ErrLimitExceeded):
		return http.StatusForbidden, string(guard.ReasonLimitExceeded), "view limit reached for this video"
	case errors.Is(err, guard.ErrAlreadyExhausted):
		return http.StatusNotFound, string(guard.ReasonAlreadyExhausted), "video no longer available"
	case errors.Is(err, guard.ErrNotFound):
		return http.StatusNotFound, string(guard.ReasonNotFound), "video not found"
	case errors.Is(err, tokens.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid_token", "invalid or expired access token"
	case errors.Is(err, guard.ErrTransient):
		return http.StatusServiceUnavailable, "unavailable", "temporarily unavailable, retry later"
	default:
		return http.StatusInternalServerError, "", "internal error"
	}
}

func toAssetResponse(asset models.VideoAsset) assetResponse {
	return assetResponse{
		VideoID:     asset.ID,
		OwnerID:     asset.OwnerID,
		State:       string(asset.State),
		ContentType: asset.ContentType,
		Size:        asset.Size,
		CreatedAt:   asset.CreatedAt,
	}
}
