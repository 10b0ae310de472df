package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// KeyDerivationFunc derives keyBits of key material from password and salt.
// Implementations must be deterministic.
type KeyDerivationFunc func(password, salt []byte, iterations, keyBits int, prf PRF) ([]byte, error)

// PBKDF2 derives a key with PBKDF2 (RFC 8018) using HMAC over prf's hash.
func PBKDF2(password, salt []byte, iterations, keyBits int, prf PRF) ([]byte, error) {
	if iterations < 1 {
		return nil, fmt.Errorf("pbkdf2: iteration count must be positive, got %d", iterations)
	}
	if keyBits <= 0 || keyBits%8 != 0 {
		return nil, fmt.Errorf("pbkdf2: key size must be a positive multiple of 8 bits, got %d", keyBits)
	}
	return pbkdf2.Key(password, salt, iterations, keyBits/8, prf.hashFunc()), nil
}

// pbes2Salt builds the PBKDF2 salt: UTF8(alg) || 0x00 || saltInput.
func pbes2Salt(alg string, saltInput []byte) []byte {
	salt := make([]byte, 0, len(alg)+1+len(saltInput))
	salt = append(salt, alg...)
	salt = append(salt, 0x00)
	return append(salt, saltInput...)
}

// RandomBytes reads bits/8 bytes from r, falling back to crypto/rand when r is nil.
func RandomBytes(r io.Reader, bits int) ([]byte, error) {
	if bits <= 0 || bits%8 != 0 {
		return nil, fmt.Errorf("random: size must be a positive multiple of 8 bits, got %d", bits)
	}
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, bits/8)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}
