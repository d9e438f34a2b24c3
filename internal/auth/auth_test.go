package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/store/memory"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(memory.NewStores().Users, "test-secret", time.Hour)
	require.NoError(t, err)
	return svc
}

func TestNewServiceRequiresSecret(t *testing.T) {
	_, err := NewService(memory.NewStores().Users, "", time.Hour)
	assert.Error(t, err)
}

func TestRegisterLoginVerifyRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	u, token, err := svc.Register(ctx, "Ana", "Ana@Example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", u.Email)
	assert.NotEmpty(t, u.PasswordHash)
	assert.NotEqual(t, "secret1", u.PasswordHash)

	sub, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, sub)

	logged, token2, err := svc.Login(ctx, "ana@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, logged.ID)

	sub, err = svc.Verify(token2)
	require.NoError(t, err)
	assert.Equal(t, u.ID, sub)
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, "", "a@b.com", "secret1")
	assert.True(t, errdefs.IsKind(err, errdefs.Invalid))

	_, _, err = svc.Register(ctx, "Ana", "a@b.com", "short")
	assert.True(t, errdefs.IsKind(err, errdefs.Invalid))

	_, _, err = svc.Register(ctx, "Ana", "a@b.com", "secret1")
	require.NoError(t, err)
	_, _, err = svc.Register(ctx, "Other", "a@b.com", "secret2")
	assert.True(t, errdefs.IsKind(err, errdefs.Conflict))
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, "Ana", "a@b.com", "secret1")
	require.NoError(t, err)

	// Wrong password and unknown email produce the same error.
	_, _, err = svc.Login(ctx, "a@b.com", "wrong")
	assert.True(t, errdefs.IsKind(err, errdefs.AuthInvalid))

	_, _, err = svc.Login(ctx, "nobody@b.com", "secret1")
	assert.True(t, errdefs.IsKind(err, errdefs.AuthInvalid))
}

func TestVerifyRejectsForgedTokens(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, token, err := svc.Register(ctx, "Ana", "a@b.com", "secret1")
	require.NoError(t, err)

	_, err = svc.Verify("")
	assert.True(t, errdefs.IsKind(err, errdefs.AuthRequired))

	_, err = svc.Verify("not-a-token")
	assert.True(t, errdefs.IsKind(err, errdefs.AuthInvalid))

	// A token minted under a different secret never verifies.
	other, err := NewService(memory.NewStores().Users, "other-secret", time.Hour)
	require.NoError(t, err)
	_, err = other.Verify(token)
	assert.True(t, errdefs.IsKind(err, errdefs.AuthInvalid))
}
