package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKV(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	_, err := kv.Get(ctx, KeyAppLocked)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Set(ctx, KeyAppLocked, "true"))
	v, err := kv.Get(ctx, KeyAppLocked)
	require.NoError(t, err)
	assert.Equal(t, "true", v)

	require.NoError(t, kv.Delete(ctx, KeyAppLocked, KeyLastUnlock))
	_, err = kv.Get(ctx, KeyAppLocked)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, kv.Close())
}

func TestAllKeysUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, k := range AllKeys {
		assert.False(t, seen[k], "duplicate key %s", k)
		seen[k] = true
	}
}
