package keychain_test

import (
	"context"
	"testing"

	"classly-backend/lib/testutil"
	"classly-backend/services/keychain"
	"classly-backend/services/platforms"

	"github.com/stretchr/testify/require"
)

func setupKeychain(t *testing.T) keychain.Service {
	result, cleanup := testutil.SetupService(t, testutil.ServiceParams{
		Name:     "keychain",
		DbSchema: keychain.Schema,
	})
	t.Cleanup(cleanup)
	return keychain.NewService(result.DB)
}

func TestSetGetDelete(t *testing.T) {
	kc := setupKeychain(t)
	ctx := context.Background()

	_, err := kc.Get(ctx, platforms.Canvas, "u1")
	require.ErrorIs(t, err, keychain.ErrNoCredentials)

	err = kc.Set(ctx, keychain.Credential{
		Platform: platforms.Canvas,
		UserID:   "u1",
		Cookie:   "canvas_session=abc",
	})
	require.NoError(t, err)

	cred, err := kc.Get(ctx, platforms.Canvas, "u1")
	require.NoError(t, err)
	require.Equal(t, "canvas_session=abc", cred.Cookie)

	// overwrite invalidates the cached copy
	err = kc.Set(ctx, keychain.Credential{
		Platform: platforms.Canvas,
		UserID:   "u1",
		Cookie:   "canvas_session=def",
	})
	require.NoError(t, err)

	cred, err = kc.Get(ctx, platforms.Canvas, "u1")
	require.NoError(t, err)
	require.Equal(t, "canvas_session=def", cred.Cookie)

	require.NoError(t, kc.Delete(ctx, platforms.Canvas, "u1"))
	_, err = kc.Get(ctx, platforms.Canvas, "u1")
	require.ErrorIs(t, err, keychain.ErrNoCredentials)
}

func TestCredentialsScopedByPlatform(t *testing.T) {
	kc := setupKeychain(t)
	ctx := context.Background()

	err := kc.Set(ctx, keychain.Credential{
		Platform: platforms.PrairieLearn,
		UserID:   "u1",
		Token:    "pl-token",
	})
	require.NoError(t, err)

	_, err = kc.Get(ctx, platforms.Canvas, "u1")
	require.ErrorIs(t, err, keychain.ErrNoCredentials)

	cred, err := kc.Get(ctx, platforms.PrairieLearn, "u1")
	require.NoError(t, err)
	require.Equal(t, "pl-token", cred.Token)
}

func TestAuthFor(t *testing.T) {
	kc := setupKeychain(t)
	ctx := context.Background()

	// missing credentials degrade to an anonymous auth context
	auth, err := kc.AuthFor(ctx, platforms.Canvas, "u1")
	require.NoError(t, err)
	require.Equal(t, "u1", auth.UserID)
	require.Empty(t, auth.Cookie)

	err = kc.Set(ctx, keychain.Credential{
		Platform: platforms.Canvas,
		UserID:   "u1",
		Cookie:   "canvas_session=abc",
		Token:    "bearer-tok",
	})
	require.NoError(t, err)

	auth, err = kc.AuthFor(ctx, platforms.Canvas, "u1")
	require.NoError(t, err)
	require.Equal(t, "canvas_session=abc", auth.Cookie)
	require.Equal(t, "bearer-tok", auth.Token)
}
