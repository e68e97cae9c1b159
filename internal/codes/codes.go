// Package codes implements the activation-code string format: a fixed
// uppercase prefix followed by ten characters drawn from A-Z and 0-9.
package codes

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	suffixLen = 10
	alphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Normalize trims surrounding whitespace and upper-cases the code, so
// user-typed codes compare equal to minted ones.
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Valid reports whether a normalized code matches prefix + 10 alphanumerics.
func Valid(prefix, code string) bool {
	if !strings.HasPrefix(code, prefix) {
		return false
	}
	suffix := code[len(prefix):]
	if len(suffix) != suffixLen {
		return false
	}
	for i := 0; i < len(suffix); i++ {
		c := suffix[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// Mint produces a fresh random code. Uniqueness is enforced by the store's
// unique index, not here; callers retry on collision.
func Mint(prefix string) (string, error) {
	buf := make([]byte, suffixLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint code: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(prefix)
	for _, b := range buf {
		sb.WriteByte(alphabet[int(b)%len(alphabet)])
	}
	return sb.String(), nil
}
