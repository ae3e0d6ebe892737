package util

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
)

// HashIdentity returns the hex SHA-256 of an identity, used wherever the raw
// identity must not leave the service.
func HashIdentity(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])
}

// GetEnv returns the environment value or defaultValue when unset.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
