package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openambit/ambit-sync/internal/config"
)

func testManager() *JWTManager {
	return NewJWTManager(&config.JWTConfig{
		Secret:          "test-secret",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	})
}

func TestJWTManager(t *testing.T) {
	m := testManager()

	access, refresh, err := m.GenerateTokenPair("admin")
	require.NoError(t, err)

	claims, err := m.ValidateToken(access)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)

	t.Run("refresh token is not an access token", func(t *testing.T) {
		_, err := m.ValidateToken(refresh)
		assert.Error(t, err)
	})

	t.Run("refresh", func(t *testing.T) {
		newAccess, _, err := m.RefreshToken(refresh)
		require.NoError(t, err)
		claims, err := m.ValidateToken(newAccess)
		require.NoError(t, err)
		assert.Equal(t, "admin", claims.Username)

		_, _, err = m.RefreshToken(access)
		assert.Error(t, err)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewJWTManager(&config.JWTConfig{Secret: "other", AccessTokenTTL: time.Minute})
		_, err := other.ValidateToken(access)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		short := NewJWTManager(&config.JWTConfig{Secret: "test-secret", AccessTokenTTL: -time.Minute, RefreshTokenTTL: time.Hour})
		expired, _, err := short.GenerateTokenPair("admin")
		require.NoError(t, err)
		_, err = m.ValidateToken(expired)
		assert.Error(t, err)
	})
}
