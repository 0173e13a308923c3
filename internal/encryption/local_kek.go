package encryption

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kekSaltLength = 32
	kekIterations = 210000
	kekLength     = 32
)

// LoadOrCreateSalt reads the base64 salt stored at path, creating it on first use.
func LoadOrCreateSalt(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		salt, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err == nil && len(salt) == kekSaltLength {
			return salt, nil
		}
	}

	salt := make([]byte, kekSaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(salt)), 0o600); err != nil {
		return nil, fmt.Errorf("failed to save salt: %w", err)
	}
	return salt, nil
}

// DeriveLocalKEK binds the local key-encryption key to this machine and the
// given install salt. A copied secret-store file does not open elsewhere.
func DeriveLocalKEK(salt []byte, extra ...string) []byte {
	entropy := machineEntropy(extra...)
	return pbkdf2.Key(entropy, salt, kekIterations, kekLength, sha512.New)
}

func machineEntropy(extra ...string) []byte {
	var parts []string

	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				parts = append(parts, id)
				break
			}
		}
	}
	if hostname, err := os.Hostname(); err == nil {
		parts = append(parts, hostname)
	}
	parts = append(parts, runtime.GOOS, runtime.GOARCH)
	parts = append(parts, extra...)

	return []byte(strings.Join(parts, ":"))
}
