package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 32-character random hex token, optionally prefixed.
// Channel identifiers and account ids are minted through this.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
