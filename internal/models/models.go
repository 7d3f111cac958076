package models

import "time"

// AssetState is the lifecycle state of a stored video resume.
type AssetState string

const (
	AssetStateActive    AssetState = "active"
	AssetStateExhausted AssetState = "exhausted"
	AssetStateDeleted   AssetState = "deleted"
)

// Valid reports whether s is one of the known lifecycle states.
func (s AssetState) Valid() bool {
	switch s {
	case AssetStateActive, AssetStateExhausted, AssetStateDeleted:
		return true
	}
	return false
}

// VideoAsset identifies one uploaded video resume and where its bytes live.
type VideoAsset struct {
	ID          string
	OwnerID     string
	State       AssetState
	Location    string
	ContentType string
	Size        int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ViewKey addresses a single ledger row.
type ViewKey struct {
	VideoID       string
	ViewerID      string
	ApplicationID string
}

// ViewRecord is the audit row for one (video, viewer, application) triple.
type ViewRecord struct {
	ViewKey
	Count         int
	FirstViewedAt time.Time
	LastViewedAt  time.Time
}

// ViewStats summarises how a single video has been consumed across viewers.
type ViewStats struct {
	VideoID               string
	UniqueViewers         int
	TotalViews            int
	ApplicationsWithViews int
	ViewersExhausted      int
	LastViewedAt          *time.Time
}

// AccessClaims is the triple bound into an access token plus its validity window.
type AccessClaims struct {
	VideoID       string
	ApplicationID string
	ViewerID      string
	IssuedAt      time.Time
	ExpiresAt     time.Time
}
