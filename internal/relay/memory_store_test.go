package relay

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/hookrelay/internal/cryptutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_StoreAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(DefaultStoreConfig(), nil, nil)

	req := &BufferedRequest{ID: "r1", Token: "tok1", Method: "POST", Path: "/x", Body: []byte("hello"), ReceivedAt: time.Now()}
	require.NoError(t, s.Store(ctx, req))

	got, err := s.Get(ctx, "tok1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got.Body))
}

func TestMemoryStore_EncryptsAtRestWhenKeyConfigured(t *testing.T) {
	ctx := context.Background()
	key := make([]byte, cryptutil.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	enc, err := cryptutil.NewStorageEncryption(key)
	require.NoError(t, err)

	s := NewMemoryStore(DefaultStoreConfig(), enc, nil)
	req := &BufferedRequest{ID: "r1", Token: "tok1", Body: []byte("secret payload"), ReceivedAt: time.Now()}
	require.NoError(t, s.Store(ctx, req))

	got, err := s.Get(ctx, "tok1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "secret payload", string(got.Body))
}

func TestMemoryStore_EvictsOldestAtCap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(StoreConfig{MaxPerToken: 2}, nil, nil)

	require.NoError(t, s.Store(ctx, &BufferedRequest{ID: "r1", Token: "tok1", Body: []byte("a"), ReceivedAt: time.Now()}))
	require.NoError(t, s.Store(ctx, &BufferedRequest{ID: "r2", Token: "tok1", Body: []byte("b"), ReceivedAt: time.Now()}))
	require.NoError(t, s.Store(ctx, &BufferedRequest{ID: "r3", Token: "tok1", Body: []byte("c"), ReceivedAt: time.Now()}))

	list, err := s.List(ctx, "tok1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r2", list[0].ID)
	assert.Equal(t, "r3", list[1].ID)

	_, err = s.Get(ctx, "tok1", "r1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_DeleteZeroizesBody(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(DefaultStoreConfig(), nil, nil)

	body := []byte("do not leak me")
	require.NoError(t, s.Store(ctx, &BufferedRequest{ID: "r1", Token: "tok1", Body: body, ReceivedAt: time.Now()}))
	require.NoError(t, s.Delete(ctx, "tok1", "r1"))

	for _, b := range body {
		assert.Equal(t, byte(0), b)
	}
}

func TestMemoryStore_CleanupExpiredRemovesStaleRecords(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(StoreConfig{MaxPerToken: 100, TTL: time.Millisecond}, nil, nil)

	require.NoError(t, s.Store(ctx, &BufferedRequest{ID: "r1", Token: "tok1", Body: []byte("x"), ReceivedAt: time.Now().Add(-time.Hour)}))
	n, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "tok1", "r1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_AttachResponse(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(DefaultStoreConfig(), nil, nil)

	require.NoError(t, s.Store(ctx, &BufferedRequest{ID: "r1", Token: "tok1", Body: []byte("x"), ReceivedAt: time.Now()}))
	require.NoError(t, s.AttachResponse(ctx, "tok1", "r1", &BufferedResponse{Status: 200, Body: []byte("ok")}))

	got, err := s.Get(ctx, "tok1", "r1")
	require.NoError(t, err)
	require.NotNil(t, got.Response)
	assert.Equal(t, 200, got.Response.Status)
}
