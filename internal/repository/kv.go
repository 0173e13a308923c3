// Package repository holds the plain (non-secret) key-value storage used for
// security flags and settings. Nothing stored here is a credential.
package repository

import (
	"context"
	"errors"
	"sync"
)

// Keys of the plain settings storage.
const (
	KeySecurityEnabled   = "security_enabled"
	KeyBiometricEnabled  = "biometric_enabled"
	KeyLastUnlock        = "last_unlock"
	KeyAppLocked         = "app_locked"
	KeySecuritySettings  = "security_settings"
	KeyPinRemoved        = "pin_removed"
	KeyFailedAttempts    = "failed_attempts"
	KeyLockoutUntil      = "lockout_until"
	KeyPendingSync       = "pending_remote_sync"
	KeyDeviceKeySaltTime = "device_key_fallback_salt"
)

// AllKeys lists every key the security core writes to plain storage.
var AllKeys = []string{
	KeySecurityEnabled,
	KeyBiometricEnabled,
	KeyLastUnlock,
	KeyAppLocked,
	KeySecuritySettings,
	KeyPinRemoved,
	KeyFailedAttempts,
	KeyLockoutUntil,
	KeyPendingSync,
	KeyDeviceKeySaltTime,
}

var (
	ErrNotFound    = errors.New("key not found")
	ErrUnavailable = errors.New("settings storage unavailable")
)

// KVStore is the general-purpose device storage boundary.
type KVStore interface {
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Delete removes keys; absent keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// MemoryKV is an in-process KVStore.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]string)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *MemoryKV) Close() error { return nil }
