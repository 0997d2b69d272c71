package util

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// GenerateSecret returns n random bytes, hex encoded. It is used for ticket
// secrets and API tokens created on first run.
func GenerateSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// RandomIdentity returns a random non-zero identity.
func RandomIdentity() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("failed to generate identity: %w", err)
		}
		// Keep identities printable as positive int64 for SQLite and JSON tooling.
		id := binary.LittleEndian.Uint64(buf[:]) >> 1
		if id != 0 {
			return id, nil
		}
	}
}
