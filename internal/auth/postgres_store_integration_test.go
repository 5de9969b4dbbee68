package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/hookrelay/internal/auth"
	"github.com/mbd888/hookrelay/internal/testutil"
)

// TestPostgresStore_RoundTrip runs the key store against the shared
// migrations/ schema via POSTGRES_URL, rather than testcontainers, so CI
// environments that already run a Postgres service container don't need to
// spin up a second throwaway one per package.
func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := auth.NewPostgresStore(db)

	key := &auth.APIKey{
		ID:            "ak_integration",
		Hash:          "deadbeefcafebabe",
		ApplicationID: "app_integration",
		Name:          "integration test key",
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Create(ctx, key))

	got, err := store.GetByHash(ctx, key.Hash)
	require.NoError(t, err)
	require.Equal(t, key.ID, got.ID)
	require.Equal(t, key.ApplicationID, got.ApplicationID)
	require.False(t, got.Revoked)

	got.Revoked = true
	require.NoError(t, store.Update(ctx, got))

	_, err = store.GetByHash(ctx, key.Hash)
	require.ErrorIs(t, err, auth.ErrKeyNotFound, "revoked keys must not resolve through GetByHash")

	keys, err := store.GetByApplication(ctx, key.ApplicationID)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, store.Delete(ctx, key.ID))
	keys, err = store.GetByApplication(ctx, key.ApplicationID)
	require.NoError(t, err)
	require.Empty(t, keys)
}
