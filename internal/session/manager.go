// Package session issues the time-boxed proof of a successful unlock.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"app-security/internal/random"
	"app-security/internal/repository"
	"app-security/internal/secretstore"
	"app-security/internal/util"
)

const tokenBytes = 32

var ErrNoSession = errors.New("no active session")

// Info is persisted in the secret store under session_token.
type Info struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	DeviceID  string    `json:"device_id"`
}

func (i Info) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

type Manager struct {
	secrets secretstore.Store
	plain   repository.KVStore
	rng     *random.Source
	logger  *zap.Logger
	now     func() time.Time
}

func NewManager(secrets secretstore.Store, plain repository.KVStore, rng *random.Source, logger *zap.Logger) *Manager {
	return &Manager{
		secrets: secrets,
		plain:   plain,
		rng:     rng,
		logger:  util.OrNop(logger),
		now:     time.Now,
	}
}

// WithClock replaces the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Create persists a new session and marks the app unlocked.
func (m *Manager) Create(ctx context.Context, deviceID string, timeout time.Duration) (*Info, error) {
	token, assurance := m.rng.Hex(tokenBytes)
	if assurance == random.AssuranceWeak {
		m.logger.Warn("Session token generated with fallback RNG", util.Degraded())
	}

	now := m.now()
	info := &Info{
		Token:     token,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
		DeviceID:  deviceID,
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	if err := m.secrets.SetItem(ctx, secretstore.KeySessionToken, string(raw), secretstore.Options{}); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	// Fast-path flags for UI checks; a failure here does not void the session.
	if err := m.plain.Set(ctx, repository.KeyLastUnlock, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		m.logger.Warn("Failed to record last unlock", util.ErrorField(err))
	}
	if err := m.plain.Set(ctx, repository.KeyAppLocked, "false"); err != nil {
		m.logger.Warn("Failed to clear app locked flag", util.ErrorField(err))
	}

	m.logger.Debug("Session created",
		util.String("device_id", deviceID),
		util.Time("expires_at", info.ExpiresAt))
	return info, nil
}

// Get returns the active session. Expired sessions are cleared on read.
func (m *Manager) Get(ctx context.Context) (*Info, error) {
	raw, err := m.secrets.GetItem(ctx, secretstore.KeySessionToken)
	if errors.Is(err, secretstore.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var info Info
	if err := json.Unmarshal([]byte(raw), &info); err != nil || info.Token == "" {
		m.logger.Warn("Discarding unreadable session")
		_ = m.secrets.DeleteItem(ctx, secretstore.KeySessionToken)
		return nil, ErrNoSession
	}
	if info.Expired(m.now()) {
		if err := m.Clear(ctx); err != nil {
			m.logger.Warn("Failed to clear expired session", util.ErrorField(err))
		}
		return nil, ErrNoSession
	}
	return &info, nil
}

// IsValid is false on any read failure.
func (m *Manager) IsValid(ctx context.Context) bool {
	_, err := m.Get(ctx)
	return err == nil
}

// Clear deletes the token and marks the app locked.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.secrets.DeleteItem(ctx, secretstore.KeySessionToken); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := m.plain.Set(ctx, repository.KeyAppLocked, "true"); err != nil {
		return fmt.Errorf("failed to set app locked flag: %w", err)
	}
	return nil
}

// LastUnlock returns the time of the last successful unlock, zero if never.
func (m *Manager) LastUnlock(ctx context.Context) time.Time {
	v, err := m.plain.Get(ctx, repository.KeyLastUnlock)
	if err != nil {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// IsLocked reads the app locked flag; a missing flag counts as locked.
func (m *Manager) IsLocked(ctx context.Context) bool {
	v, err := m.plain.Get(ctx, repository.KeyAppLocked)
	if err != nil {
		return true
	}
	return v != "false"
}
