// Package tokens mints and validates short-lived stream access tokens.
//
// A token is an HS256 JWT binding (video, application, viewer) to a validity window.
// Validation is a pure function of the token and the current time; it never consults
// the view ledger.
package tokens

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/resumevault/backend/internal/models"
)

const (
	audience   = "resume-stream"
	keyInfo    = "resumevault stream access token v1"
	keyLength  = 32
	minSecret  = 32
	DefaultTTL = 5 * time.Minute
)

var (
	// ErrInvalidToken covers malformed, tampered, expired or mismatched tokens.
	ErrInvalidToken = errors.New("invalid access token")
	// ErrWeakSecret indicates the signing secret is too short.
	ErrWeakSecret = errors.New("token secret must be at least 32 bytes")
)

// Token is a minted access token with its expiry.
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type accessClaims struct {
	jwt.RegisteredClaims
	VideoID       string `json:"vid"`
	ApplicationID string `json:"app"`
}

// Issuer signs and verifies access tokens.
type Issuer struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewIssuer derives a dedicated signing key from secret and returns an Issuer.
func NewIssuer(secret []byte, issuer string) (*Issuer, error) {
	if len(secret) < minSecret {
		return nil, ErrWeakSecret
	}
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(issuer) == "" {
		issuer = "resumevault"
	}
	return &Issuer{key: key, issuer: issuer, now: time.Now}, nil
}

// DeriveKey expands the configured secret into the HMAC key used for stream tokens,
// so the raw secret can be shared with other purposes without key reuse.
func DeriveKey(secret []byte) ([]byte, error) {
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	return key, nil
}

// WithNowFunc allows tests to override the time source.
func (i *Issuer) WithNowFunc(now func() time.Time) {
	i.now = now
}

// Issue mints a token for the triple valid for ttl from now.
func (i *Issuer) Issue(videoID, applicationID, viewerID string, ttl time.Duration) (Token, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	issuedAt := i.now().UTC()
	return i.Reissue(models.AccessClaims{
		VideoID:       videoID,
		ApplicationID: applicationID,
		ViewerID:      viewerID,
		IssuedAt:      issuedAt,
		ExpiresAt:     issuedAt.Add(ttl),
	})
}

// Reissue signs exactly the given claims. Timestamps have second precision, so
// re-signing the same claims yields the same token string.
func (i *Issuer) Reissue(c models.AccessClaims) (Token, error) {
	if c.VideoID == "" || c.ApplicationID == "" || c.ViewerID == "" {
		return Token{}, errors.New("tokens: video, application and viewer are required")
	}
	if !c.ExpiresAt.After(c.IssuedAt) {
		return Token{}, errors.New("tokens: expiry must be after issue time")
	}

	issuedAt := c.IssuedAt.UTC().Truncate(time.Second)
	expiresAt := c.ExpiresAt.UTC().Truncate(time.Second)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   c.ViewerID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		VideoID:       c.VideoID,
		ApplicationID: c.ApplicationID,
	})

	signed, err := token.SignedString(i.key)
	if err != nil {
		return Token{}, fmt.Errorf("sign access token: %w", err)
	}

	return Token{Value: signed, IssuedAt: issuedAt, ExpiresAt: expiresAt}, nil
}

// Validate verifies signature, issuer, audience and expiry and returns the bound triple.
func (i *Issuer) Validate(value string) (models.AccessClaims, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return models.AccessClaims{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)

	var claims accessClaims
	token, err := parser.ParseWithClaims(value, &claims, func(*jwt.Token) (interface{}, error) {
		return i.key, nil
	})
	if err != nil {
		return models.AccessClaims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.VideoID == "" || claims.ApplicationID == "" || claims.Subject == "" {
		return models.AccessClaims{}, fmt.Errorf("%w: incomplete claims", ErrInvalidToken)
	}

	return models.AccessClaims{
		VideoID:       claims.VideoID,
		ApplicationID: claims.ApplicationID,
		ViewerID:      claims.Subject,
		IssuedAt:      claims.IssuedAt.Time.UTC(),
		ExpiresAt:     claims.ExpiresAt.Time.UTC(),
	}, nil
}

// ValidateFor validates the token and additionally requires it to be bound to the
// given viewer and video.
func (i *Issuer) ValidateFor(value, videoID, viewerID string) (models.AccessClaims, error) {
	claims, err := i.Validate(value)
	if err != nil {
		return models.AccessClaims{}, err
	}
	if claims.VideoID != videoID || claims.ViewerID != viewerID {
		return models.AccessClaims{}, fmt.Errorf("%w: token bound to a different viewer or video", ErrInvalidToken)
	}
	return claims, nil
}
