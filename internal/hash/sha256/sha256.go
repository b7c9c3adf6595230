// Package sha256 names archived pages by content digest.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a hasher producing full 64-character hex digests.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (*Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
