package remote

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

const (
	digestContext    = "appsec-pin-transport-v1:"
	digestIterations = 1000
	digestLength     = 32
)

// PinDigest is the only form in which a PIN leaves the device. The authority
// stores and compares digests, never the PIN.
func PinDigest(pin, deviceID string) string {
	sum := pbkdf2.Key([]byte(pin), []byte(digestContext+deviceID), digestIterations, digestLength, sha256.New)
	return hex.EncodeToString(sum)
}
