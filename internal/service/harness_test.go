package service

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"app-security/internal/audit"
	"app-security/internal/config"
	"app-security/internal/devicekey"
	"app-security/internal/hashing"
	"app-security/internal/random"
	"app-security/internal/remote"
	"app-security/internal/repository"
	"app-security/internal/secretstore"
	"app-security/internal/session"
	"app-security/internal/settings"
)

const testDevice = "device-test"

// fakeAuthority keeps digests like the real authority and can be switched
// offline or into rejecting mode.
type fakeAuthority struct {
	mu        sync.Mutex
	offline   bool
	rejecting bool
	digests   map[string]string
	biometric map[string]bool
	calls     map[string]int

	// block, when set, stalls ValidatePin until closed.
	block   chan struct{}
	entered chan struct{}
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{digests: map[string]string{}, biometric: map[string]bool{}, calls: map[string]int{}}
}

func (f *fakeAuthority) setOffline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = v
}

func (f *fakeAuthority) setRejecting(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejecting = v
}

func (f *fakeAuthority) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAuthority) digest(deviceID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.digests[deviceID]
	return d, ok
}

func (f *fakeAuthority) seed(deviceID, pin string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digests[deviceID] = remote.PinDigest(pin, deviceID)
}

// gate must be called with f.mu held.
func (f *fakeAuthority) gate(op string) error {
	f.calls[op]++
	if f.offline {
		return &remote.ConnectivityError{Op: op, StatusCode: http.StatusServiceUnavailable}
	}
	if f.rejecting {
		return &remote.RejectionError{Op: op, StatusCode: http.StatusBadRequest, Message: "rejected"}
	}
	return nil
}

func (f *fakeAuthority) SetupPin(_ context.Context, deviceID, pin string, biometric bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate("setup"); err != nil {
		return err
	}
	f.digests[deviceID] = remote.PinDigest(pin, deviceID)
	f.biometric[deviceID] = biometric
	return nil
}

func (f *fakeAuthority) ValidatePin(_ context.Context, deviceID, pin string) error {
	f.mu.Lock()
	block, entered := f.block, f.entered
	f.entered = nil
	f.mu.Unlock()
	if block != nil {
		if entered != nil {
			close(entered)
		}
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate("validate"); err != nil {
		return err
	}
	if f.digests[deviceID] != remote.PinDigest(pin, deviceID) {
		return &remote.RejectionError{Op: "validate-pin", StatusCode: http.StatusUnauthorized}
	}
	return nil
}

func (f *fakeAuthority) GetSettings(_ context.Context, deviceID string) (*remote.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate("settings"); err != nil {
		return nil, err
	}
	if _, ok := f.digests[deviceID]; !ok {
		return nil, remote.ErrNoRecord
	}
	return &remote.Record{DeviceID: deviceID, BiometricEnabled: f.biometric[deviceID]}, nil
}

func (f *fakeAuthority) UpdateBiometric(_ context.Context, deviceID string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate("biometric"); err != nil {
		return err
	}
	f.biometric[deviceID] = enabled
	return nil
}

func (f *fakeAuthority) ChangePin(_ context.Context, deviceID, oldPin, newPin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate("change"); err != nil {
		return err
	}
	if f.digests[deviceID] != remote.PinDigest(oldPin, deviceID) {
		return &remote.RejectionError{Op: "change-pin", StatusCode: http.StatusUnauthorized}
	}
	f.digests[deviceID] = remote.PinDigest(newPin, deviceID)
	return nil
}

func (f *fakeAuthority) RemovePin(_ context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate("remove"); err != nil {
		return err
	}
	delete(f.digests, deviceID)
	return nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	core      *SecurityCore
	hasher    *hashing.PinHasher
	sessions  *session.Manager
	settings  *settings.Store
	secrets   secretstore.Store
	plain     repository.KVStore
	authority remote.Authority
	recorder  *audit.Recorder
	clock     *testClock
}

// newHarness wires a core over the given storage; pass the same storage
// twice to simulate an app restart.
func newHarness(t *testing.T, secrets secretstore.Store, plain repository.KVStore, authority remote.Authority) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	clock := &testClock{t: time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)}

	rng := random.NewSource(nil)
	keys := devicekey.NewStore(secrets, plain, rng, devicekey.Identity{DeviceID: testDevice, UserID: "user-1"}, nil)
	hasher := hashing.NewPinHasher(hashing.ParamsFromConfig(cfg), secrets, keys, rng, nil)
	sessions := session.NewManager(secrets, plain, rng, nil).WithClock(clock.Now)
	st := settings.NewStore(plain, settings.Defaults{
		SessionTimeout: cfg.Security.DefaultSessionTimeout,
		MaxAttempts:    cfg.Security.DefaultMaxAttempts,
	}, nil).WithClock(clock.Now)
	rec := &audit.Recorder{}

	core := NewSecurityCore(Dependencies{
		Hasher:          hasher,
		DeviceKeys:      keys,
		Sessions:        sessions,
		Settings:        st,
		Plain:           plain,
		Remote:          authority,
		Audit:           rec,
		RNG:             rng,
		DeviceID:        testDevice,
		LockoutCooldown: cfg.Security.LockoutCooldown,
		SyncTimeout:     time.Second,
	}).WithClock(clock.Now)
	t.Cleanup(core.Close)

	return &harness{
		core:      core,
		hasher:    hasher,
		sessions:  sessions,
		settings:  st,
		secrets:   secrets,
		plain:     plain,
		authority: authority,
		recorder:  rec,
		clock:     clock,
	}
}

func newMemoryHarness(t *testing.T) (*harness, *fakeAuthority) {
	t.Helper()
	fa := newFakeAuthority()
	return newHarness(t, secretstore.NewMemoryStore(), repository.NewMemoryKV(), fa), fa
}

// failingKeyStore fails every access to one key.
type failingKeyStore struct {
	secretstore.Store
	key string
}

func (s failingKeyStore) SetItem(ctx context.Context, key, value string, opts secretstore.Options) error {
	if key == s.key {
		return secretstore.ErrUnavailable
	}
	return s.Store.SetItem(ctx, key, value, opts)
}

func (s failingKeyStore) GetItem(ctx context.Context, key string) (string, error) {
	if key == s.key {
		return "", secretstore.ErrUnavailable
	}
	return s.Store.GetItem(ctx, key)
}
