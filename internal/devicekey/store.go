// Package devicekey owns the per-installation key every PIN hash is bound to.
package devicekey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"app-security/internal/random"
	"app-security/internal/repository"
	"app-security/internal/secretstore"
	"app-security/internal/util"
)

// KeySize is the device key length in bytes.
const KeySize = 32

const fallbackInfo = "appsec-device-key-fallback-v1"

// ErrMalformedKey is reported when the stored key cannot be decoded.
var ErrMalformedKey = errors.New("stored device key is malformed")

// Key is the device key plus how it was obtained.
type Key struct {
	Bytes []byte
	// Degraded is set when the secret store was unavailable and the key was
	// derived from device identifiers instead.
	Degraded bool
	// LowAssurance is set when the key was generated by the fallback RNG.
	LowAssurance bool
}

// Identity supplies the identifiers the degraded key is derived from.
type Identity struct {
	DeviceID string
	UserID   string
}

type Store struct {
	secrets  secretstore.Store
	plain    repository.KVStore
	rng      *random.Source
	identity Identity
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	cached *Key

	degradedCount atomic.Int64
	onDegraded    func()
	// dropBound erases whatever is bound to a key about to be replaced.
	dropBound func(ctx context.Context) error

	// memSalt backs the fallback when plain storage is down too.
	memSalt string
}

func NewStore(secrets secretstore.Store, plain repository.KVStore, rng *random.Source, id Identity, logger *zap.Logger) *Store {
	return &Store{
		secrets:  secrets,
		plain:    plain,
		rng:      rng,
		identity: id,
		logger:   util.OrNop(logger),
		now:      time.Now,
	}
}

// OnDegraded registers a hook fired each time the fallback key is used.
func (s *Store) OnDegraded(fn func()) {
	s.onDegraded = fn
}

// OnReplace registers fn to erase the records bound to a malformed key.
// Without it a malformed key is never overwritten.
func (s *Store) OnReplace(fn func(ctx context.Context) error) {
	s.dropBound = fn
}

func (s *Store) DegradedCount() int64 {
	return s.degradedCount.Load()
}

// GetOrCreateDeviceKey never fails. A broken secret store yields a
// deterministic degraded key rather than an error.
func (s *Store) GetOrCreateDeviceKey(ctx context.Context) Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return *s.cached
	}

	stored, err := s.secrets.GetItem(ctx, secretstore.KeyDeviceKey)
	switch {
	case err == nil:
		if raw, decErr := hex.DecodeString(stored); decErr == nil && len(raw) >= KeySize {
			s.cached = &Key{Bytes: raw}
			return *s.cached
		}
		// Records bound to the old key go first, or a crash could leave them
		// next to a key they can never match.
		if s.dropBound == nil {
			return s.degraded(ctx, ErrMalformedKey)
		}
		if err := s.dropBound(ctx); err != nil {
			return s.degraded(ctx, fmt.Errorf("%w: %v", ErrMalformedKey, err))
		}
		s.logger.Error("Stored device key is malformed, regenerating")
	case errors.Is(err, secretstore.ErrNotFound):
	default:
		return s.degraded(ctx, err)
	}

	raw, assurance := s.rng.Bytes(KeySize)
	// The device key must be readable without user presence.
	if err := s.secrets.SetItem(ctx, secretstore.KeyDeviceKey, hex.EncodeToString(raw), secretstore.Options{}); err != nil {
		return s.degraded(ctx, err)
	}

	key := &Key{Bytes: raw, LowAssurance: assurance == random.AssuranceWeak}
	if key.LowAssurance {
		s.logger.Warn("Device key generated with fallback RNG", util.Degraded())
	} else {
		s.logger.Info("Device key created")
	}
	s.cached = key
	return *key
}

// Forget drops the cached key; the next call re-reads the secret store.
func (s *Store) Forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
}

// Delete removes the persisted key. Only a full wipe calls this.
func (s *Store) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
	if err := s.secrets.DeleteItem(ctx, secretstore.KeyDeviceKey); err != nil {
		return fmt.Errorf("failed to delete device key: %w", err)
	}
	return nil
}

// degraded is not cached so a recovered secret store is picked up again.
func (s *Store) degraded(ctx context.Context, cause error) Key {
	s.degradedCount.Add(1)
	s.logger.Warn("Device key unavailable, deriving fallback device key",
		util.ErrorField(cause),
		util.Degraded())
	if s.onDegraded != nil {
		s.onDegraded()
	}

	salt := s.fallbackSalt(ctx)
	ikm := sha256.Sum256([]byte(s.identity.DeviceID + "\x00" + s.identity.UserID))
	r := hkdf.New(sha256.New, ikm[:], []byte(salt), []byte(fallbackInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails past 255*hash size.
		panic(err)
	}
	return Key{Bytes: key, Degraded: true}
}

// fallbackSalt is the timestamp of the first degraded derivation, persisted
// in plain storage so the same fallback key is derived across restarts.
func (s *Store) fallbackSalt(ctx context.Context) string {
	v, err := s.plain.Get(ctx, repository.KeyDeviceKeySaltTime)
	if err == nil && v != "" {
		return v
	}
	if s.memSalt == "" {
		s.memSalt = strconv.FormatInt(s.now().UnixNano(), 10)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return s.memSalt
	}
	if setErr := s.plain.Set(ctx, repository.KeyDeviceKeySaltTime, s.memSalt); setErr != nil {
		s.logger.Warn("Failed to persist fallback salt", util.ErrorField(setErr), util.Degraded())
	}
	return s.memSalt
}
