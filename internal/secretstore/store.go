// Package secretstore is the boundary to the hardware-backed keychain
// equivalent. Only the device key, the PIN record and the session live here.
package secretstore

import (
	"context"
	"errors"
)

// Well-known keys held in the secret store.
const (
	KeyPinHash      = "pin_hash"
	KeyPinSalt      = "pin_salt"
	KeyDeviceKey    = "device_key"
	KeySessionToken = "session_token"
)

var (
	ErrNotFound = errors.New("secret not found")
	// ErrUnavailable wraps any failure of the backing keychain.
	ErrUnavailable = errors.New("secret store unavailable")
	// ErrAuthenticationRequired is returned for items written with
	// RequireAuthentication when no authenticator approved the read.
	ErrAuthenticationRequired = errors.New("secret requires user authentication")
)

// Options mirror the platform keychain write flags.
type Options struct {
	RequireAuthentication bool
}

// Store is a namespaced key-value secret store.
type Store interface {
	SetItem(ctx context.Context, key, value string, opts Options) error
	// GetItem returns ErrNotFound when the key is absent.
	GetItem(ctx context.Context, key string) (string, error)
	// DeleteItem is idempotent.
	DeleteItem(ctx context.Context, key string) error
}

// Authenticator approves reads of authentication-gated items.
type Authenticator func(ctx context.Context, key string) error
