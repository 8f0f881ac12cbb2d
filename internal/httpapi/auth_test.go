package httpapi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mitienda/backend/internal/domain"
	"mitienda/backend/internal/store/memory"
)

func newTestAuth(t *testing.T, ttl time.Duration) *AuthManager {
	t.Helper()
	return NewAuthManager("test-secret-key-0123456789abcdef", ttl, memory.NewSeeded())
}

func TestLoginIssuesParsableToken(t *testing.T) {
	auth := newTestAuth(t, time.Hour)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, "admin", resp.Username)

	actor, err := auth.ParseToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "admin", actor.Username)
	assert.NotEmpty(t, actor.ID)
}

func TestLoginRejectsUnknownUserAndBadPassword(t *testing.T) {
	auth := newTestAuth(t, time.Hour)

	_, err := auth.Login(context.Background(), domain.LoginRequest{Username: "ghost", Password: "whatever"})
	require.Error(t, err)

	_, badPwd := auth.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "nope"})
	require.Error(t, badPwd)

	// Both failures must look identical to the caller.
	assert.Equal(t, err.Error(), badPwd.Error())
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	auth := newTestAuth(t, time.Hour)
	other := NewAuthManager("another-secret-another-secret-xx", time.Hour, memory.NewSeeded())

	resp, err := other.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	require.NoError(t, err)

	_, err = auth.ParseToken(resp.AccessToken)
	require.Error(t, err)
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	auth := newTestAuth(t, time.Hour)

	_, err := auth.ParseToken("not.a.token")
	require.Error(t, err)

	_, err = auth.ParseToken("")
	require.Error(t, err)
}

func TestExpiredTokenRejected(t *testing.T) {
	auth := newTestAuth(t, time.Hour)

	stale, err := auth.sign(domain.UserAccount{ID: "user-x", Username: "admin"}, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)

	_, err = auth.ParseToken(stale)
	require.Error(t, err)
}

func TestHashPasswordVerifies(t *testing.T) {
	hash, err := HashPassword("s3cret-password")
	require.NoError(t, err)
	require.True(t, isPasswordHash(hash))

	assert.True(t, verifyPassword(hash, "s3cret-password"))
	assert.False(t, verifyPassword(hash, "other-password"))
	assert.False(t, verifyPassword("plaintext", "plaintext"))
}
