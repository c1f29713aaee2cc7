package core

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID generates a random identifier used for agents, messages, tasks,
// workflows and locks throughout the fabric.
func NewID() string {
	return uuid.New().String()
}

// ContentHash returns a stable hex digest of payload, used for message
// dedup windows and memory entry checksums. It is not a security boundary,
// just a cheap equality fingerprint.
func ContentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
