package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/digsync/internal/common"
)

func TestAuthenticate(t *testing.T) {
	optional := NewAuthenticator("secret", time.Hour, false)
	required := NewAuthenticator("secret", time.Hour, true)

	token, err := required.Issue("author-1", "tablet-1")
	require.NoError(t, err)

	t.Run("valid token", func(t *testing.T) {
		c, err := required.Authenticate(token, "")
		require.NoError(t, err)
		assert.Equal(t, "author-1", c.AuthorUUID)
		assert.Equal(t, "tablet-1", c.DeviceID)
	})

	t.Run("device header wins over the claim", func(t *testing.T) {
		c, err := required.Authenticate(token, "tablet-2")
		require.NoError(t, err)
		assert.Equal(t, "tablet-2", c.DeviceID)
	})

	t.Run("missing token when required", func(t *testing.T) {
		_, err := required.Authenticate("", "tablet-1")
		assert.ErrorIs(t, err, common.ErrorUnauthorized)
	})

	t.Run("missing token when optional", func(t *testing.T) {
		c, err := optional.Authenticate("", "tablet-1")
		require.NoError(t, err)
		assert.Equal(t, Caller{DeviceID: "tablet-1"}, c)
	})

	t.Run("invalid token is refused even when optional", func(t *testing.T) {
		_, err := optional.Authenticate("garbage", "tablet-1")
		assert.ErrorIs(t, err, common.ErrInvalidToken)
	})

	t.Run("expired token", func(t *testing.T) {
		expired, err := NewAuthenticator("secret", -time.Minute, true).Issue("author-1", "tablet-1")
		require.NoError(t, err)
		_, err = required.Authenticate(expired, "")
		assert.ErrorIs(t, err, common.ErrTokenExpired)
	})
}
