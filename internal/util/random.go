package util

import (
	"crypto/rand"

	"github.com/quty-io/fabric/internal/ferrors"
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandomId returns n characters drawn from a fixed 62-char alphanumeric
// alphabet, backed by crypto/rand the same way the reference repo's
// GenerateAPIKey draws its 32 bytes of key material. Unlike a hex key,
// RandomId maps each random byte onto the alphabet via modulo reduction,
// since the fabric's NodeId/ClientId shapes want alphanumerics rather than
// hex.
func RandomId(n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", ferrors.Wrap(ferrors.RngUnavailable, "crypto/rand unavailable", err)
	}
	out := make([]byte, n)
	for i, b := range raw {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out), nil
}
