package util

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeEmail folds compatibility characters and case so the same
// address typed on different keyboards reaches the server identically.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}

// DecodeKeyHex decodes a hex-encoded AES-256 key.
func DecodeKeyHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decoding hex key: %w", err)
	}
	if len(b) != AESKeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", AESKeySize, len(b))
	}
	return b, nil
}
