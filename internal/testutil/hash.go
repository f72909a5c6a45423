package testutil

import (
	"crypto/sha256"
	"encoding/hex"
)

// LegacyPINHash is the unkeyed PIN format written by tills that predate
// HMAC keys. Login must still accept it and upgrade the stored hash.
func LegacyPINHash(pin string) string {
	sum := sha256.Sum256([]byte(pin))
	return hex.EncodeToString(sum[:])
}
