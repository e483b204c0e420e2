package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSetGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Set(ctx, "k1", "v1", 0))

	got, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	// Absent keys are not an error.
	got, err = store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Set(ctx, "expiring", "v", 20*time.Millisecond))

	got, err := store.Get(ctx, "expiring")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	time.Sleep(40 * time.Millisecond)

	got, err = store.Get(ctx, "expiring")
	require.NoError(t, err)
	assert.Equal(t, "", got, "expired key reads as absent")

	keys, err := store.Keys(ctx, "exp")
	require.NoError(t, err)
	assert.Empty(t, keys, "expired keys are not listed")
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	require.NoError(t, store.Delete(ctx, "k"))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "", got)

	// Deleting a missing key is a no-op.
	assert.NoError(t, store.Delete(ctx, "missing"))
}

func TestMemoryStoreKeysPrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Set(ctx, "overflow:events:1", "a", 0))
	require.NoError(t, store.Set(ctx, "overflow:events:2", "b", 0))
	require.NoError(t, store.Set(ctx, "overflow:metrics:1", "c", 0))
	require.NoError(t, store.Set(ctx, "other", "d", 0))

	keys, err := store.Keys(ctx, "overflow:events:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"overflow:events:1", "overflow:events:2"}, keys)
}

func TestMemoryStoreGetSize(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Set(ctx, "k", "hello", 0))

	size, err := store.GetSize(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	size, err = store.GetSize(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}
