package devicekey

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"app-security/internal/random"
	"app-security/internal/repository"
	"app-security/internal/secretstore"
)

type brokenSecrets struct{}

func (brokenSecrets) SetItem(context.Context, string, string, secretstore.Options) error {
	return secretstore.ErrUnavailable
}

func (brokenSecrets) GetItem(context.Context, string) (string, error) {
	return "", secretstore.ErrUnavailable
}

func (brokenSecrets) DeleteItem(context.Context, string) error { return secretstore.ErrUnavailable }

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestGetOrCreateDeviceKey_CreatesOnceAndPersists(t *testing.T) {
	ctx := context.Background()
	secrets := secretstore.NewMemoryStore()
	s := NewStore(secrets, repository.NewMemoryKV(), random.NewSource(nil), Identity{DeviceID: "d"}, nil)

	k1 := s.GetOrCreateDeviceKey(ctx)
	require.Len(t, k1.Bytes, KeySize)
	assert.False(t, k1.Degraded)

	// A fresh process over the same secret store sees the same key.
	s2 := NewStore(secrets, repository.NewMemoryKV(), random.NewSource(nil), Identity{DeviceID: "d"}, nil)
	k2 := s2.GetOrCreateDeviceKey(ctx)
	assert.Equal(t, k1.Bytes, k2.Bytes)
}

func TestGetOrCreateDeviceKey_NotAuthGated(t *testing.T) {
	ctx := context.Background()
	secrets := secretstore.NewMemoryStore().WithAuthenticator(func(context.Context, string) error {
		return errors.New("user cancelled")
	})
	s := NewStore(secrets, repository.NewMemoryKV(), random.NewSource(nil), Identity{}, nil)
	k := s.GetOrCreateDeviceKey(ctx)
	assert.False(t, k.Degraded)

	s.Forget()
	again := s.GetOrCreateDeviceKey(ctx)
	assert.Equal(t, k.Bytes, again.Bytes)
}

func TestGetOrCreateDeviceKey_DegradedIsDeterministicAndObservable(t *testing.T) {
	ctx := context.Background()
	plain := repository.NewMemoryKV()
	var hooked int
	s := NewStore(brokenSecrets{}, plain, random.NewSource(nil), Identity{DeviceID: "dev-1", UserID: "u-1"}, nil)
	s.OnDegraded(func() { hooked++ })

	k1 := s.GetOrCreateDeviceKey(ctx)
	require.Len(t, k1.Bytes, KeySize)
	assert.True(t, k1.Degraded)

	salt, err := plain.Get(ctx, repository.KeyDeviceKeySaltTime)
	require.NoError(t, err)
	assert.NotEmpty(t, salt)

	// Restart: same identifiers and persisted salt give the same key.
	s2 := NewStore(brokenSecrets{}, plain, random.NewSource(nil), Identity{DeviceID: "dev-1", UserID: "u-1"}, nil)
	k2 := s2.GetOrCreateDeviceKey(ctx)
	assert.Equal(t, k1.Bytes, k2.Bytes)

	other := NewStore(brokenSecrets{}, plain, random.NewSource(nil), Identity{DeviceID: "dev-2", UserID: "u-1"}, nil)
	assert.False(t, bytes.Equal(k1.Bytes, other.GetOrCreateDeviceKey(ctx).Bytes))

	assert.EqualValues(t, 1, s.DegradedCount())
	assert.Equal(t, 1, hooked)
}

func TestGetOrCreateDeviceKey_WeakRNGFlagged(t *testing.T) {
	s := NewStore(secretstore.NewMemoryStore(), repository.NewMemoryKV(),
		random.NewSourceFromReader(failingReader{}, nil), Identity{}, nil)
	k := s.GetOrCreateDeviceKey(context.Background())
	assert.True(t, k.LowAssurance)
	assert.False(t, k.Degraded)
	assert.Len(t, k.Bytes, KeySize)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	secrets := secretstore.NewMemoryStore()
	s := NewStore(secrets, repository.NewMemoryKV(), random.NewSource(nil), Identity{}, nil)
	k1 := s.GetOrCreateDeviceKey(ctx)

	require.NoError(t, s.Delete(ctx))
	_, err := secrets.GetItem(ctx, secretstore.KeyDeviceKey)
	assert.ErrorIs(t, err, secretstore.ErrNotFound)

	k2 := s.GetOrCreateDeviceKey(ctx)
	assert.NotEqual(t, k1.Bytes, k2.Bytes)
}

func TestGetOrCreateDeviceKey_MalformedKeyNotOverwrittenWithoutHook(t *testing.T) {
	ctx := context.Background()
	secrets := secretstore.NewMemoryStore()
	require.NoError(t, secrets.SetItem(ctx, secretstore.KeyDeviceKey, "abcd", secretstore.Options{}))
	s := NewStore(secrets, repository.NewMemoryKV(), random.NewSource(nil), Identity{DeviceID: "d"}, nil)

	k := s.GetOrCreateDeviceKey(ctx)
	assert.True(t, k.Degraded)
	assert.Len(t, k.Bytes, KeySize)
	assert.EqualValues(t, 1, s.DegradedCount())

	stored, err := secrets.GetItem(ctx, secretstore.KeyDeviceKey)
	require.NoError(t, err)
	assert.Equal(t, "abcd", stored)
}

func TestGetOrCreateDeviceKey_MalformedKeyDropsBoundRecordsFirst(t *testing.T) {
	ctx := context.Background()
	secrets := secretstore.NewMemoryStore()
	require.NoError(t, secrets.SetItem(ctx, secretstore.KeyDeviceKey, "abcd", secretstore.Options{}))
	s := NewStore(secrets, repository.NewMemoryKV(), random.NewSource(nil), Identity{}, nil)

	var sawOld bool
	s.OnReplace(func(ctx context.Context) error {
		v, err := secrets.GetItem(ctx, secretstore.KeyDeviceKey)
		sawOld = err == nil && v == "abcd"
		return nil
	})

	k := s.GetOrCreateDeviceKey(ctx)
	assert.True(t, sawOld)
	assert.False(t, k.Degraded)
	assert.Len(t, k.Bytes, KeySize)

	stored, err := secrets.GetItem(ctx, secretstore.KeyDeviceKey)
	require.NoError(t, err)
	assert.NotEqual(t, "abcd", stored)
}

func TestGetOrCreateDeviceKey_MalformedKeyKeptWhenDropFails(t *testing.T) {
	ctx := context.Background()
	secrets := secretstore.NewMemoryStore()
	require.NoError(t, secrets.SetItem(ctx, secretstore.KeyDeviceKey, "abcd", secretstore.Options{}))
	s := NewStore(secrets, repository.NewMemoryKV(), random.NewSource(nil), Identity{}, nil)
	s.OnReplace(func(context.Context) error { return secretstore.ErrUnavailable })

	k := s.GetOrCreateDeviceKey(ctx)
	assert.True(t, k.Degraded)

	stored, err := secrets.GetItem(ctx, secretstore.KeyDeviceKey)
	require.NoError(t, err)
	assert.Equal(t, "abcd", stored)
}
