// Package settings persists the non-secret security configuration.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"app-security/internal/repository"
	"app-security/internal/util"
)

// ErrInvalidPatch rejects out-of-range preference values.
var ErrInvalidPatch = errors.New("invalid settings update")

type SecuritySettings struct {
	SecurityEnabled  bool
	BiometricEnabled bool
	SessionTimeout   time.Duration
	MaxAttempts      int
	CreatedAt        time.Time
	LastUpdated      time.Time
}

// record is the stored shape; durations are milliseconds.
type record struct {
	SecurityEnabled  bool      `json:"securityEnabled"`
	BiometricEnabled bool      `json:"biometricEnabled"`
	SessionTimeoutMs int64     `json:"sessionTimeout"`
	MaxAttempts      int       `json:"maxAttempts"`
	CreatedAt        time.Time `json:"createdAt"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

func (s SecuritySettings) MarshalJSON() ([]byte, error) {
	return json.Marshal(record{
		SecurityEnabled:  s.SecurityEnabled,
		BiometricEnabled: s.BiometricEnabled,
		SessionTimeoutMs: s.SessionTimeout.Milliseconds(),
		MaxAttempts:      s.MaxAttempts,
		CreatedAt:        s.CreatedAt,
		LastUpdated:      s.LastUpdated,
	})
}

func (s *SecuritySettings) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*s = SecuritySettings{
		SecurityEnabled:  r.SecurityEnabled,
		BiometricEnabled: r.BiometricEnabled,
		SessionTimeout:   time.Duration(r.SessionTimeoutMs) * time.Millisecond,
		MaxAttempts:      r.MaxAttempts,
		CreatedAt:        r.CreatedAt,
		LastUpdated:      r.LastUpdated,
	}
	return nil
}

// Patch holds a partial update; nil fields are left alone.
type Patch struct {
	SecurityEnabled  *bool
	BiometricEnabled *bool
	SessionTimeout   *time.Duration
	MaxAttempts      *int
}

// Defaults used when no record exists yet.
type Defaults struct {
	SessionTimeout time.Duration
	MaxAttempts    int
}

type Store struct {
	kv       repository.KVStore
	defaults Defaults
	logger   *zap.Logger
	now      func() time.Time
}

func NewStore(kv repository.KVStore, defaults Defaults, logger *zap.Logger) *Store {
	if defaults.SessionTimeout <= 0 {
		defaults.SessionTimeout = 5 * time.Minute
	}
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = 5
	}
	return &Store{kv: kv, defaults: defaults, logger: util.OrNop(logger), now: time.Now}
}

func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Get returns the settings, materializing and persisting defaults on the
// first read so later reads are deterministic.
func (s *Store) Get(ctx context.Context) (SecuritySettings, error) {
	raw, err := s.kv.Get(ctx, repository.KeySecuritySettings)
	switch {
	case err == nil:
		var out SecuritySettings
		if jsonErr := json.Unmarshal([]byte(raw), &out); jsonErr == nil {
			return s.sanitize(out), nil
		}
		s.logger.Warn("Security settings record unreadable, resetting to defaults")
	case errors.Is(err, repository.ErrNotFound):
	default:
		return SecuritySettings{}, fmt.Errorf("failed to read settings: %w", err)
	}

	now := s.now()
	out := SecuritySettings{
		SecurityEnabled:  s.flag(ctx, repository.KeySecurityEnabled),
		BiometricEnabled: s.flag(ctx, repository.KeyBiometricEnabled),
		SessionTimeout:   s.defaults.SessionTimeout,
		MaxAttempts:      s.defaults.MaxAttempts,
		CreatedAt:        now,
		LastUpdated:      now,
	}
	if err := s.put(ctx, out); err != nil {
		return SecuritySettings{}, err
	}
	return out, nil
}

// Update merges p into the current settings and stamps LastUpdated.
func (s *Store) Update(ctx context.Context, p Patch) (SecuritySettings, error) {
	cur, err := s.Get(ctx)
	if err != nil {
		return SecuritySettings{}, err
	}
	if p.SecurityEnabled != nil {
		cur.SecurityEnabled = *p.SecurityEnabled
	}
	if p.BiometricEnabled != nil {
		cur.BiometricEnabled = *p.BiometricEnabled
	}
	if p.SessionTimeout != nil {
		if *p.SessionTimeout <= 0 {
			return SecuritySettings{}, fmt.Errorf("%w: session timeout must be positive", ErrInvalidPatch)
		}
		cur.SessionTimeout = *p.SessionTimeout
	}
	if p.MaxAttempts != nil {
		if *p.MaxAttempts < 1 {
			return SecuritySettings{}, fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidPatch)
		}
		cur.MaxAttempts = *p.MaxAttempts
	}
	cur.LastUpdated = s.now()
	if err := s.put(ctx, cur); err != nil {
		return SecuritySettings{}, err
	}
	return cur, nil
}

// Clear removes the record and its mirrored flags.
func (s *Store) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, repository.KeySecuritySettings, repository.KeySecurityEnabled, repository.KeyBiometricEnabled)
}

// put writes the record, then mirrors the two flags the UI reads directly.
func (s *Store) put(ctx context.Context, v SecuritySettings) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := s.kv.Set(ctx, repository.KeySecuritySettings, string(raw)); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := s.kv.Set(ctx, repository.KeySecurityEnabled, strconv.FormatBool(v.SecurityEnabled)); err != nil {
		return fmt.Errorf("failed to write security flag: %w", err)
	}
	if err := s.kv.Set(ctx, repository.KeyBiometricEnabled, strconv.FormatBool(v.BiometricEnabled)); err != nil {
		return fmt.Errorf("failed to write biometric flag: %w", err)
	}
	return nil
}

// flag reads a legacy boolean flag; anything but "true" is false.
func (s *Store) flag(ctx context.Context, key string) bool {
	v, err := s.kv.Get(ctx, key)
	return err == nil && v == "true"
}

func (s *Store) sanitize(v SecuritySettings) SecuritySettings {
	if v.SessionTimeout <= 0 {
		v.SessionTimeout = s.defaults.SessionTimeout
	}
	if v.MaxAttempts <= 0 {
		v.MaxAttempts = s.defaults.MaxAttempts
	}
	return v
}
