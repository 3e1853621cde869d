package security

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// FingerprintRefreshToken derives a stable, non-reversible identity for a
// refresh token. It is used as a lookup key wherever the raw token must not
// be stored.
func FingerprintRefreshToken(token, secret string) string {
	var key []byte
	if secret != "" {
		k := blake2b.Sum256([]byte(secret))
		key = k[:]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		// only possible with a key longer than 64 bytes, which Sum256 rules out
		panic(err)
	}
	_, _ = h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}
