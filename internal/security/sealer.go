package security

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

var ErrSealedValueCorrupt = errors.New("sealed value corrupt")

// Sealer encrypts small values kept in shared caches. The nonce is prepended
// to the ciphertext.
type Sealer struct {
	secret [32]byte
}

func NewSealer(secret string) *Sealer {
	return &Sealer{secret: blake2b.Sum256([]byte("sealer:" + secret))}
}

func (s *Sealer) Seal(plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.secret[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

func (s *Sealer) Open(sealed, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.secret[:])
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrSealedValueCorrupt
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	out, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrSealedValueCorrupt
	}
	return out, nil
}
