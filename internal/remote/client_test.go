package remote_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"app-security/internal/config"
	"app-security/internal/remote"
	"app-security/internal/remote/remotetest"
)

const token = "test-token"

func newClient(t *testing.T) (*remote.Client, *remotetest.Server) {
	t.Helper()
	srv := remotetest.NewServer(token)
	t.Cleanup(srv.Close)
	c := remote.NewClient(config.RemoteConfig{BaseURL: srv.URL + "/", AuthToken: token, Timeout: 2 * time.Second}, nil)
	return c, srv
}

func TestPinDigest(t *testing.T) {
	d := remote.PinDigest("13579", "device-1")
	assert.Len(t, d, 64)
	assert.NotContains(t, d, "13579")
	assert.Equal(t, d, remote.PinDigest("13579", "device-1"))
	assert.NotEqual(t, d, remote.PinDigest("13579", "device-2"))
	assert.NotEqual(t, d, remote.PinDigest("13578", "device-1"))
}

func TestClient_Lifecycle(t *testing.T) {
	ctx := context.Background()
	c, srv := newClient(t)

	_, err := c.GetSettings(ctx, "device-1")
	assert.ErrorIs(t, err, remote.ErrNoRecord)

	require.NoError(t, c.SetupPin(ctx, "device-1", "13579", true))
	digest, ok := srv.Digest("device-1")
	require.True(t, ok)
	assert.Equal(t, remote.PinDigest("13579", "device-1"), digest)

	require.NoError(t, c.ValidatePin(ctx, "device-1", "13579"))
	err = c.ValidatePin(ctx, "device-1", "00000")
	var re *remote.RejectionError
	require.ErrorAs(t, err, &re)
	assert.True(t, re.Unauthorized())

	rec, err := c.GetSettings(ctx, "device-1")
	require.NoError(t, err)
	assert.True(t, rec.BiometricEnabled)
	assert.Equal(t, "device-1", rec.DeviceID)

	require.NoError(t, c.UpdateBiometric(ctx, "device-1", false))
	rec, err = c.GetSettings(ctx, "device-1")
	require.NoError(t, err)
	assert.False(t, rec.BiometricEnabled)

	require.NoError(t, c.ChangePin(ctx, "device-1", "13579", "24680"))
	require.NoError(t, c.ValidatePin(ctx, "device-1", "24680"))
	assert.True(t, remote.IsRejection(c.ChangePin(ctx, "device-1", "13579", "11111")))

	require.NoError(t, c.RemovePin(ctx, "device-1"))
	_, ok = srv.Digest("device-1")
	assert.False(t, ok)
	assert.Equal(t, 1, srv.Calls("DELETE /security/pin/{deviceID}"))
}

func TestClient_ErrorTaxonomy(t *testing.T) {
	ctx := context.Background()
	c, srv := newClient(t)

	srv.SetMode(remotetest.ModeUnavailable)
	err := c.SetupPin(ctx, "device-1", "13579", false)
	assert.True(t, remote.IsConnectivity(err))
	assert.False(t, remote.IsRejection(err))

	srv.SetMode(remotetest.ModeRejecting)
	err = c.SetupPin(ctx, "device-1", "13579", false)
	var re *remote.RejectionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusBadRequest, re.StatusCode)
	assert.Equal(t, "rejected by policy", re.Message)

	srv.SetMode(remotetest.ModeOnline)
	bad := remote.NewClient(config.RemoteConfig{BaseURL: srv.URL, AuthToken: "wrong"}, nil)
	assert.True(t, remote.IsRejection(bad.SetupPin(ctx, "device-1", "13579", false)))
}

func TestClient_Unreachable(t *testing.T) {
	srv := remotetest.NewServer("")
	url := srv.URL
	srv.Close()

	c := remote.NewClient(config.RemoteConfig{BaseURL: url, Timeout: time.Second}, nil)
	err := c.ValidatePin(context.Background(), "device-1", "13579")
	assert.True(t, remote.IsConnectivity(err))
}

func TestClient_NotConfigured(t *testing.T) {
	c := remote.NewClient(config.RemoteConfig{}, nil)
	err := c.RemovePin(context.Background(), "device-1")
	assert.True(t, remote.IsConnectivity(err))
	assert.True(t, errors.Is(err, remote.ErrNotConfigured))
}

func TestClient_TimeoutIsConnectivity(t *testing.T) {
	srv := remotetest.NewServer("")
	defer srv.Close()
	c := remote.NewClient(config.RemoteConfig{BaseURL: srv.URL, Timeout: time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, remote.IsConnectivity(c.ValidatePin(ctx, "device-1", "13579")))
}
