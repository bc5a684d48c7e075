package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dattmumas/lnked-realtime/internal/infrastructure/clock"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestTokenManager_UsesConfiguredTTL(t *testing.T) {
	clk := clock.Fake(epoch)
	ttl := 2 * time.Hour
	tm := NewTokenManager("test-secret", ttl, "lnked", clk)

	token, expiresAt, err := tm.GenerateToken("user-1", "authenticated")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.Equal(t, epoch.Add(ttl), expiresAt)

	claims, err := tm.ValidateToken(token)
	require.NoError(t, err)
	require.NotNil(t, claims.ExpiresAt)
	assert.Equal(t, "user-1", claims.UserID())
	assert.Equal(t, "authenticated", claims.Role)
	assert.WithinDuration(t, epoch.Add(ttl), claims.ExpiresAt.Time, time.Second)
}

func TestTokenManager_RejectsExpiredToken(t *testing.T) {
	clk := clock.Fake(epoch)
	tm := NewTokenManager("test-secret", time.Minute, "", clk)

	token, _, err := tm.GenerateToken("user-1", "")
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	_, err = tm.ValidateToken(token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestTokenManager_RejectsForeignTokens(t *testing.T) {
	clk := clock.Fake(epoch)
	ours := NewTokenManager("secret-a", time.Hour, "lnked", clk)
	theirs := NewTokenManager("secret-b", time.Hour, "lnked", clk)
	otherIssuer := NewTokenManager("secret-a", time.Hour, "elsewhere", clk)

	token, _, err := theirs.GenerateToken("user-1", "")
	require.NoError(t, err)
	_, err = ours.ValidateToken(token)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)

	token, _, err = otherIssuer.GenerateToken("user-1", "")
	require.NoError(t, err)
	_, err = ours.ValidateToken(token)
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: jwt.NewNumericDate(epoch.Add(time.Hour))})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ours.ValidateToken(unsigned)
	assert.Error(t, err)
}
