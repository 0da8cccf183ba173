package utils

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// GenerateReference returns prefix-XXXX with n upper-case hex characters of
// cryptographic randomness, e.g. ORD-3F9A1C07B2.
func GenerateReference(prefix string, n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		// fallback: time-based entropy
		ts := time.Now().UnixNano()
		for i := range buf {
			buf[i] = byte(ts >> (8 * (i % 8)))
		}
	}

	return prefix + "-" + strings.ToUpper(hex.EncodeToString(buf)[:n])
}
