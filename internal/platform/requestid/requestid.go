// Package requestid mints the correlation ids stamped on every request
// and carried through logs and audit payloads.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const idBytes = 12

func New() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("request id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
