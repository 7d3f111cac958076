package handlers

import (
	"net/http"
	"time"
)

// RegisterRoutes wires HTTP handlers into the provided ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps Dependencies) {
	health := HealthHandler{Checks: deps.HealthChecks}
	videos := ResumeVideoHandler{
		Guard:          deps.Guard,
		Tokens:         deps.Tokens,
		Assets:         deps.Assets,
		Storage:        deps.Storage,
		AccessLimiter:  deps.AccessLimiter,
		Transport:      deps.StreamTransport,
		MaxUploadBytes: deps.MaxUploadBytes,
		NowFunc:        deps.NowFunc,
	}

	mux.HandleFunc("/healthz", health.Handle)
	mux.HandleFunc("/api/v1/resume-videos", videos.Collection)
	mux.HandleFunc("/api/v1/resume-videos/access", videos.Access)
	mux.HandleFunc("/api/v1/resume-videos/stream", videos.Stream)
	mux.HandleFunc("/api/v1/resume-videos/limit", videos.Limit)
	mux.HandleFunc("/api/v1/resume-videos/stats", videos.Stats)
}

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	Guard           AccessGuard
	Tokens          TokenValidator
	Assets          AssetStore
	Storage         ObjectStorage
	AccessLimiter   RateLimiter
	StreamTransport http.RoundTripper
	MaxUploadBytes  int64
	NowFunc         func() time.Time
	HealthChecks    map[string]HealthCheck
}
