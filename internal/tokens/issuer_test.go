package tokens

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resumevault/backend/internal/models"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestIssuer(t *testing.T, now *time.Time) *Issuer {
	t.Helper()
	issuer, err := NewIssuer(testSecret, "test")
	require.NoError(t, err)
	issuer.WithNowFunc(func() time.Time { return *now })
	return issuer
}

func TestIssueAndValidate(t *testing.T) {
	now := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, &now)

	token, err := issuer.Issue("video-a", "app-x", "viewer-1", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, now.Add(5*time.Minute), token.ExpiresAt)

	claims, err := issuer.Validate(token.Value)
	require.NoError(t, err)
	assert.Equal(t, "video-a", claims.VideoID)
	assert.Equal(t, "app-x", claims.ApplicationID)
	assert.Equal(t, "viewer-1", claims.ViewerID)
	assert.True(t, claims.ExpiresAt.Equal(token.ExpiresAt))
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	now := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, &now)

	token, err := issuer.Issue("video-a", "app-x", "viewer-1", 5*time.Minute)
	require.NoError(t, err)

	now = now.Add(5*time.Minute + time.Second)
	_, err = issuer.Validate(token.Value)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsOtherViewer(t *testing.T) {
	now := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, &now)

	token, err := issuer.Issue("video-a", "app-x", "viewer-1", time.Minute)
	require.NoError(t, err)

	_, err = issuer.ValidateFor(token.Value, "video-a", "viewer-2")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.ValidateFor(token.Value, "video-b", "viewer-1")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.ValidateFor(token.Value, "video-a", "viewer-1")
	assert.NoError(t, err)
}

func TestValidateRejectsTampering(t *testing.T) {
	now := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, &now)

	token, err := issuer.Issue("video-a", "app-x", "viewer-1", time.Minute)
	require.NoError(t, err)

	forged, err := issuer.Reissue(models.AccessClaims{
		VideoID: "video-a", ApplicationID: "app-x", ViewerID: "viewer-2",
		IssuedAt: now, ExpiresAt: now.Add(time.Minute),
	})
	require.NoError(t, err)

	// Splice the forged payload onto the original signature.
	orig := strings.Split(token.Value, ".")
	other := strings.Split(forged.Value, ".")
	spliced := strings.Join([]string{orig[0], other[1], orig[2]}, ".")
	_, err = issuer.Validate(spliced)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign, err := NewIssuer([]byte("ffffffffffffffffffffffffffffffff"), "test")
	require.NoError(t, err)
	foreign.WithNowFunc(func() time.Time { return now })
	alien, err := foreign.Issue("video-a", "app-x", "viewer-1", time.Minute)
	require.NoError(t, err)
	_, err = issuer.Validate(alien.Value)
	assert.ErrorIs(t, err, ErrInvalidToken)

	for _, bad := range []string{"", "not-a-token", "a.b.c"} {
		_, err = issuer.Validate(bad)
		assert.ErrorIs(t, err, ErrInvalidToken, "input %q", bad)
	}
}

func TestReissueIsDeterministic(t *testing.T) {
	now := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, &now)

	claims := models.AccessClaims{
		VideoID: "video-a", ApplicationID: "app-x", ViewerID: "viewer-1",
		IssuedAt: now.Add(250 * time.Millisecond), ExpiresAt: now.Add(5 * time.Minute),
	}
	first, err := issuer.Reissue(claims)
	require.NoError(t, err)
	second, err := issuer.Reissue(claims)
	require.NoError(t, err)
	assert.Equal(t, first.Value, second.Value)
}

func TestNewIssuerRejectsWeakSecret(t *testing.T) {
	_, err := NewIssuer([]byte("short"), "test")
	assert.ErrorIs(t, err, ErrWeakSecret)
}
