package secretstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"app-security/internal/encryption"
)

func newTestManager(t *testing.T) *encryption.Manager {
	t.Helper()
	m, err := encryption.NewLocalManager(bytes.Repeat([]byte{3}, 32), nil)
	require.NoError(t, err)
	return m
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.GetItem(ctx, KeyDeviceKey)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetItem(ctx, KeyDeviceKey, "abc", Options{}))
	v, err := s.GetItem(ctx, KeyDeviceKey)
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	require.NoError(t, s.SetItem(ctx, KeyDeviceKey, "def", Options{}))
	v, err = s.GetItem(ctx, KeyDeviceKey)
	require.NoError(t, err)
	assert.Equal(t, "def", v)

	require.NoError(t, s.DeleteItem(ctx, KeyDeviceKey))
	require.NoError(t, s.DeleteItem(ctx, KeyDeviceKey), "delete is idempotent")
	_, err = s.GetItem(ctx, KeyDeviceKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "secrets.json"), "appsec", newTestManager(t), nil)
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "secrets.json")
	mgr := newTestManager(t)

	s, err := OpenFileStore(path, "appsec", mgr, nil)
	require.NoError(t, err)
	require.NoError(t, s.SetItem(ctx, KeyPinHash, "hash-value", Options{}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hash-value", "values are encrypted at rest")

	reopened, err := OpenFileStore(path, "appsec", newTestManager(t), nil)
	require.NoError(t, err)
	v, err := reopened.GetItem(ctx, KeyPinHash)
	require.NoError(t, err)
	assert.Equal(t, "hash-value", v)
}

func TestFileStore_NamespaceMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	s, err := OpenFileStore(path, "appsec", newTestManager(t), nil)
	require.NoError(t, err)
	require.NoError(t, s.SetItem(context.Background(), "k", "v", Options{}))

	_, err = OpenFileStore(path, "other", newTestManager(t), nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := OpenFileStore(path, "appsec", newTestManager(t), nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRequireAuthentication(t *testing.T) {
	ctx := context.Background()
	allow := true
	auth := func(context.Context, string) error {
		if allow {
			return nil
		}
		return errors.New("biometric prompt cancelled")
	}

	stores := map[string]Store{
		"memory": NewMemoryStore().WithAuthenticator(auth),
	}
	fs, err := OpenFileStore(filepath.Join(t.TempDir(), "s.json"), "appsec", newTestManager(t), nil)
	require.NoError(t, err)
	stores["file"] = fs.WithAuthenticator(auth)

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			allow = true
			require.NoError(t, s.SetItem(ctx, "gated", "secret", Options{RequireAuthentication: true}))
			v, err := s.GetItem(ctx, "gated")
			require.NoError(t, err)
			assert.Equal(t, "secret", v)

			allow = false
			_, err = s.GetItem(ctx, "gated")
			assert.ErrorIs(t, err, ErrAuthenticationRequired)
		})
	}

	ungated := NewMemoryStore()
	require.NoError(t, ungated.SetItem(ctx, "x", "y", Options{RequireAuthentication: true}))
	_, err = ungated.GetItem(ctx, "x")
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
}
