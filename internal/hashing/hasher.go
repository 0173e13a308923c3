package hashing

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"

	"app-security/internal/config"
	"app-security/internal/devicekey"
	"app-security/internal/random"
	"app-security/internal/secretstore"
	"app-security/internal/util"
)

// PinLength is the only accepted PIN length.
const PinLength = 5

const (
	saltLength = 32
	keyLength  = 32
)

var (
	ErrInvalidFormat = errors.New("pin must be exactly 5 digits")
	ErrInvalidHash   = errors.New("invalid hash format")
	ErrNoPin         = errors.New("no pin record")
	ErrStorage       = errors.New("pin storage failure")
)

// DeviceKeys supplies the key all hashes are bound to.
type DeviceKeys interface {
	GetOrCreateDeviceKey(ctx context.Context) devicekey.Key
}

type Params struct {
	Algorithm   string
	Iterations  uint32
	Memory      uint32
	Parallelism uint8
}

// ParamsFromConfig reads the KDF settings. Argon2 uses Iterations as its
// time cost.
func ParamsFromConfig(cfg *config.Config) Params {
	if cfg.Security.KDFAlgorithm == config.KDFArgon2id {
		return Params{
			Algorithm:   config.KDFArgon2id,
			Iterations:  uint32(cfg.Security.Argon2TimeCost),
			Memory:      uint32(cfg.Security.Argon2MemoryCost),
			Parallelism: uint8(cfg.Security.Argon2Parallelism),
		}
	}
	return Params{
		Algorithm:  config.KDFPBKDF2,
		Iterations: uint32(cfg.Security.KDFIterations),
	}
}

// PinHasher hashes, stores and verifies the device-bound PIN record.
type PinHasher struct {
	params  Params
	secrets secretstore.Store
	keys    DeviceKeys
	rng     *random.Source
	logger  *zap.Logger

	// mu keeps readers from observing half of a hash/salt pair.
	mu          sync.RWMutex
	derivations atomic.Int64
}

func NewPinHasher(params Params, secrets secretstore.Store, keys DeviceKeys, rng *random.Source, logger *zap.Logger) *PinHasher {
	return &PinHasher{
		params:  params,
		secrets: secrets,
		keys:    keys,
		rng:     rng,
		logger:  util.OrNop(logger),
	}
}

// ValidateFormat accepts exactly five ASCII digits.
func ValidateFormat(pin string) error {
	if len(pin) != PinLength || !util.IsAllDigits(pin) {
		return ErrInvalidFormat
	}
	return nil
}

// Derivations reports how many times the KDF has run.
func (h *PinHasher) Derivations() int64 {
	return h.derivations.Load()
}

// Hash derives the encoded digest of pin under salt ‖ deviceKey.
func (h *PinHasher) Hash(pin string, salt, deviceKey []byte) (string, error) {
	if err := ValidateFormat(pin); err != nil {
		return "", err
	}
	sum := h.derive(h.params, pin, effectiveSalt(salt, deviceKey))
	return encode(h.params, sum), nil
}

// Store writes a fresh record for pin, replacing any existing one. The old
// pair is erased before the new one is written.
func (h *PinHasher) Store(ctx context.Context, pin string) error {
	if err := ValidateFormat(pin); err != nil {
		return err
	}

	salt, assurance := h.rng.Bytes(saltLength)
	if assurance == random.AssuranceWeak {
		h.logger.Warn("PIN salt generated with fallback RNG", util.Degraded())
	}
	key := h.keys.GetOrCreateDeviceKey(ctx)
	encoded, err := h.Hash(pin, salt, key.Bytes)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.deleteLocked(ctx); err != nil {
		return err
	}
	if err := h.secrets.SetItem(ctx, secretstore.KeyPinSalt, hex.EncodeToString(salt), secretstore.Options{}); err != nil {
		return fmt.Errorf("%w: write salt: %v", ErrStorage, err)
	}
	if err := h.secrets.SetItem(ctx, secretstore.KeyPinHash, encoded, secretstore.Options{}); err != nil {
		if delErr := h.secrets.DeleteItem(ctx, secretstore.KeyPinSalt); delErr != nil {
			h.logger.Error("Failed to roll back PIN salt", util.ErrorField(delErr))
		}
		return fmt.Errorf("%w: write hash: %v", ErrStorage, err)
	}

	h.logger.Debug("PIN record stored", util.String("algorithm", h.params.Algorithm))
	return nil
}

// Verify recomputes the hash of pin with the stored salt and the current
// device key. ErrNoPin means there is nothing to verify against.
func (h *PinHasher) Verify(ctx context.Context, pin string) (bool, error) {
	if err := ValidateFormat(pin); err != nil {
		return false, err
	}

	h.mu.RLock()
	encoded, salt, err := h.loadLocked(ctx)
	h.mu.RUnlock()
	if err != nil {
		return false, err
	}

	params, expected, err := decode(encoded)
	if err != nil {
		return false, err
	}

	key := h.keys.GetOrCreateDeviceKey(ctx)
	computed := h.derive(params, pin, effectiveSalt(salt, key.Bytes))
	return constantTimeEqual(computed, expected), nil
}

// HasPinHash reports whether a complete, parseable record exists. A damaged
// salt or hash counts as no record.
func (h *PinHasher) HasPinHash(ctx context.Context) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	encoded, _, err := h.loadLocked(ctx)
	if errors.Is(err, ErrNoPin) || errors.Is(err, ErrInvalidHash) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, _, err := decode(encoded); err != nil {
		return false, nil
	}
	return true, nil
}

// Delete removes the record. Absent fields are not an error.
func (h *PinHasher) Delete(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deleteLocked(ctx)
}

func (h *PinHasher) deleteLocked(ctx context.Context) error {
	// Hash first: a crash in between leaves an orphan salt, never a usable hash.
	if err := h.secrets.DeleteItem(ctx, secretstore.KeyPinHash); err != nil {
		return fmt.Errorf("%w: delete hash: %v", ErrStorage, err)
	}
	if err := h.secrets.DeleteItem(ctx, secretstore.KeyPinSalt); err != nil {
		return fmt.Errorf("%w: delete salt: %v", ErrStorage, err)
	}
	return nil
}

func (h *PinHasher) loadLocked(ctx context.Context) (string, []byte, error) {
	encoded, err := h.secrets.GetItem(ctx, secretstore.KeyPinHash)
	if err != nil {
		return "", nil, storageErr(err)
	}
	saltHex, err := h.secrets.GetItem(ctx, secretstore.KeyPinSalt)
	if err != nil {
		return "", nil, storageErr(err)
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil || len(salt) == 0 {
		return "", nil, ErrInvalidHash
	}
	return encoded, salt, nil
}

func storageErr(err error) error {
	if errors.Is(err, secretstore.ErrNotFound) {
		return ErrNoPin
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}

// derive yields before the expensive step and runs it on its own goroutine;
// the caller resumes with the finished result only.
func (h *PinHasher) derive(p Params, pin string, salt []byte) []byte {
	h.derivations.Add(1)
	runtime.Gosched()

	out := make(chan []byte, 1)
	go func() {
		out <- p.kdf(pin, salt)
	}()
	return <-out
}

func (p Params) kdf(pin string, salt []byte) []byte {
	switch p.Algorithm {
	case config.KDFArgon2id:
		return argon2.IDKey([]byte(pin), salt, p.Iterations, p.Memory, p.Parallelism, keyLength)
	default:
		return pbkdf2.Key([]byte(pin), salt, int(p.Iterations), keyLength, sha256.New)
	}
}

func effectiveSalt(salt, deviceKey []byte) []byte {
	out := make([]byte, 0, len(salt)+len(deviceKey))
	out = append(out, salt...)
	return append(out, deviceKey...)
}

// encode renders <algorithm>$<cost>$<hex>.
func encode(p Params, sum []byte) string {
	var cost string
	switch p.Algorithm {
	case config.KDFArgon2id:
		cost = fmt.Sprintf("t=%d,m=%d,p=%d", p.Iterations, p.Memory, p.Parallelism)
	default:
		cost = strconv.FormatUint(uint64(p.Iterations), 10)
	}
	return p.Algorithm + "$" + cost + "$" + hex.EncodeToString(sum)
}

func decode(encoded string) (Params, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 {
		return Params{}, nil, ErrInvalidHash
	}
	sum, err := hex.DecodeString(parts[2])
	if err != nil || len(sum) != keyLength {
		return Params{}, nil, ErrInvalidHash
	}

	p := Params{Algorithm: parts[0]}
	switch p.Algorithm {
	case config.KDFPBKDF2:
		n, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil || n < config.MinKDFIterations || n > config.MaxKDFIterations {
			return Params{}, nil, ErrInvalidHash
		}
		p.Iterations = uint32(n)
	case config.KDFArgon2id:
		var t, m, par uint32
		if _, err := fmt.Sscanf(parts[1], "t=%d,m=%d,p=%d", &t, &m, &par); err != nil || !argon2CostOK(t, m, par) {
			return Params{}, nil, ErrInvalidHash
		}
		p.Iterations, p.Memory, p.Parallelism = t, m, uint8(par)
	default:
		return Params{}, nil, ErrInvalidHash
	}
	return p, sum, nil
}

// argon2CostOK bounds a stored cost so a damaged record cannot make Verify
// allocate or spin without limit.
func argon2CostOK(t, m, p uint32) bool {
	return t >= 1 && t <= config.MaxArgon2TimeCost &&
		m >= 1 && m <= config.MaxArgon2MemoryCost &&
		p >= 1 && p <= config.MaxArgon2Parallelism
}

// constantTimeEqual XOR-accumulates every byte with no early exit.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var acc byte
	for i := range a {
		acc |= a[i] ^ b[i]
	}
	return subtle.ConstantTimeByteEq(acc, 0) == 1
}
