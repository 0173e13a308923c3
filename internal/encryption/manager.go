package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"

	"app-security/internal/util"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const (
	versionKMS   = "kms-v1"
	versionLocal = "local-v1"
	localKeyID   = "local-kek"
)

// KMSAPI is the subset of the KMS client the manager needs.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type EncryptedData struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

// Manager performs envelope encryption of secret-store values. Each value
// gets its own data key, wrapped either by KMS or by a local key-encryption
// key derived from machine identity.
type Manager struct {
	kmsClient KMSAPI
	keyID     string
	kek       []byte
	logger    *zap.Logger
	keyCache  sync.Map // encrypted DEK -> plaintext DEK
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

// NewKMSManager wraps data keys with the given KMS key.
func NewKMSManager(client KMSAPI, keyID string, logger *zap.Logger) *Manager {
	return &Manager{
		kmsClient: client,
		keyID:     keyID,
		logger:    util.OrNop(logger),
	}
}

// NewLocalManager wraps data keys with a 32-byte local key-encryption key.
func NewLocalManager(kek []byte, logger *zap.Logger) (*Manager, error) {
	if len(kek) != 32 {
		return nil, fmt.Errorf("local key-encryption key must be 32 bytes, got %d", len(kek))
	}
	k := make([]byte, len(kek))
	copy(k, kek)
	return &Manager{
		kek:    k,
		keyID:  localKeyID,
		logger: util.OrNop(logger),
	}, nil
}

func (em *Manager) kmsEnabled() bool {
	return em.kmsClient != nil
}

// GenerateDataKey generates a new data encryption key
func (em *Manager) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	if !em.kmsEnabled() {
		return em.generateLocalKey()
	}

	input := &kms.GenerateDataKeyInput{
		KeyId:   aws.String(em.keyID),
		KeySpec: types.DataKeySpecAes256,
	}

	result, err := em.kmsClient.GenerateDataKey(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &DataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      em.keyID,
	}, nil
}

func (em *Manager) generateLocalKey() (*DataKey, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	wrapped, err := seal(em.kek, key)
	if err != nil {
		return nil, err
	}

	return &DataKey{
		Plaintext:  key,
		Ciphertext: wrapped,
		KeyID:      localKeyID,
	}, nil
}

// EncryptField encrypts a value using envelope encryption
func (em *Manager) EncryptField(ctx context.Context, plaintext string) (*EncryptedData, error) {
	dataKey, err := em.GenerateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	ciphertext, err := seal(dataKey.Plaintext, []byte(plaintext))
	if err != nil {
		return nil, err
	}

	encryptedDEK := base64.StdEncoding.EncodeToString(dataKey.Ciphertext)
	em.keyCache.Store(encryptedDEK, dataKey.Plaintext)

	version := versionLocal
	if em.kmsEnabled() {
		version = versionKMS
	}

	return &EncryptedData{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   encryptedDEK,
		KeyID:          dataKey.KeyID,
		Version:        version,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// DecryptField decrypts encrypted field
func (em *Manager) DecryptField(ctx context.Context, encryptedData *EncryptedData) (string, error) {
	if encryptedData == nil {
		return "", fmt.Errorf("%w: nil payload", ErrDecryptionFailed)
	}

	cacheKey := encryptedData.EncryptedDEK
	if cached, ok := em.keyCache.Load(cacheKey); ok {
		return decryptWithKey(encryptedData.EncryptedValue, cached.([]byte))
	}

	wrapped, err := base64.StdEncoding.DecodeString(encryptedData.EncryptedDEK)
	if err != nil {
		return "", fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	var plaintextDEK []byte
	switch encryptedData.Version {
	case versionKMS:
		if !em.kmsEnabled() {
			return "", fmt.Errorf("%w: value sealed by KMS but KMS is not configured", ErrDecryptionFailed)
		}
		result, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: wrapped})
		if err != nil {
			return "", fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		plaintextDEK = result.Plaintext
	case versionLocal:
		if em.kek == nil {
			return "", fmt.Errorf("%w: value sealed locally but no local key is configured", ErrDecryptionFailed)
		}
		plaintextDEK, err = open(em.kek, wrapped)
		if err != nil {
			return "", fmt.Errorf("%w: failed to unwrap DEK: %v", ErrDecryptionFailed, err)
		}
	default:
		return "", fmt.Errorf("%w: unknown version %q", ErrDecryptionFailed, encryptedData.Version)
	}

	em.keyCache.Store(cacheKey, plaintextDEK)

	return decryptWithKey(encryptedData.EncryptedValue, plaintextDEK)
}

func decryptWithKey(encryptedValue string, key []byte) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encryptedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}
	plaintext, err := open(key, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// seal returns nonce || AES-GCM(key, plaintext).
func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// ClearCache drops every cached plaintext DEK.
func (em *Manager) ClearCache() {
	em.keyCache.Range(func(key, value interface{}) bool {
		if b, ok := value.([]byte); ok {
			for i := range b {
				b[i] = 0
			}
		}
		em.keyCache.Delete(key)
		return true
	})
}

// GetCacheSize returns the number of cached DEKs
func (em *Manager) GetCacheSize() int {
	count := 0
	em.keyCache.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}
