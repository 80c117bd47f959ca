package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/vocdoni/gofirma/p12rekey/internal/crypto/pbe"
)

const (
	sealSaltLen    = 16
	sealNonceLen   = 12
	sealIterations = 210000
)

var errSealedTooShort = errors.New("sealed key too short")

func sealKey(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, sealIterations, 32, sha256.New)
}

// seal encrypts data as salt || nonce || AES-256-GCM ciphertext.
func seal(data, password []byte) ([]byte, error) {
	salt := make([]byte, sealSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	key := sealKey(password, salt)
	defer pbe.Zero(key)
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, sealNonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := append(append(salt, nonce...), gcm.Seal(nil, nonce, data, salt)...)
	return out, nil
}

func open(sealed, password []byte) ([]byte, error) {
	if len(sealed) < sealSaltLen+sealNonceLen {
		return nil, errSealedTooShort
	}
	salt := sealed[:sealSaltLen]
	nonce := sealed[sealSaltLen : sealSaltLen+sealNonceLen]
	key := sealKey(password, salt)
	defer pbe.Zero(key)
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, sealed[sealSaltLen+sealNonceLen:], salt)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
