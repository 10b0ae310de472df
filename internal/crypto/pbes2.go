package crypto

import (
	"errors"
	"fmt"
)

// PBES2KeyManagement implements the PBES2-HS256+A128KW, PBES2-HS384+A192KW and
// PBES2-HS512+A256KW strategies (RFC 7518 section 4.8). The key is a shared
// passphrase; a KEK is derived from it with PBKDF2 and used to AES key wrap the CEK.
//
// A PBES2KeyManagement is immutable and safe for concurrent use. The headers passed
// to it are not synchronized.
type PBES2KeyManagement struct {
	keyLengthBits int
	kw            KeyWrapCipher
	opts          options
}

// NewPBES2KeyManagement returns a PBES2 strategy deriving KEKs of keyLengthBits and
// wrapping with kw. A key size without a PRF mapping is reported by the first
// wrap or unwrap call, not here.
func NewPBES2KeyManagement(keyLengthBits int, kw KeyWrapCipher, opts ...Option) *PBES2KeyManagement {
	return &PBES2KeyManagement{
		keyLengthBits: keyLengthBits,
		kw:            kw,
		opts:          newOptions(opts),
	}
}

// KeyLengthBits returns the derived KEK size in bits.
func (m *PBES2KeyManagement) KeyLengthBits() int {
	return m.keyLengthBits
}

// WrapNewKey generates a random CEK of cekSizeBits and wraps it with the passphrase in key.
func (m *PBES2KeyManagement) WrapNewKey(cekSizeBits int, key interface{}, header Header) ([]byte, []byte, error) {
	if _, err := passphrase(key); err != nil {
		return nil, nil, err
	}
	cek, err := RandomBytes(m.opts.random, cekSizeBits)
	if err != nil {
		return nil, nil, err
	}
	wrapped, err := m.WrapKey(cek, key, header)
	if err != nil {
		zero(cek)
		return nil, nil, err
	}
	return cek, wrapped, nil
}

// WrapKey wraps cek with a KEK derived from the passphrase in key. On success the
// header gains "p2c" and "p2s"; on failure it is left untouched.
func (m *PBES2KeyManagement) WrapKey(cek []byte, key interface{}, header Header) ([]byte, error) {
	wrapped, params, err := m.WrapKeyParams(cek, key, header)
	if err != nil {
		return nil, err
	}
	params.Apply(header)
	return wrapped, nil
}

// WrapKeyParams is WrapKey without the header write: it returns the "p2c"/"p2s"
// parameters the recipient needs instead of storing them.
func (m *PBES2KeyManagement) WrapKeyParams(cek []byte, key interface{}, header Header) ([]byte, *PBES2Params, error) {
	pass, err := passphrase(key)
	if err != nil {
		return nil, nil, err
	}
	alg, err := header.Algorithm()
	if err != nil {
		return nil, nil, err
	}

	count := m.opts.defaultIterations
	if v, ok := header[HeaderPBES2Count]; ok {
		if count, err = iterationCount(v, false); err != nil {
			return nil, nil, err
		}
	}
	if err := m.checkIterations(count); err != nil {
		return nil, nil, err
	}
	prf, err := prfForKeySize(m.keyLengthBits)
	if err != nil {
		return nil, nil, err
	}

	saltInput, err := RandomBytes(m.opts.random, pbes2SaltInputBits)
	if err != nil {
		return nil, nil, err
	}

	kek, err := m.deriveKEK(pass, alg, saltInput, count, prf)
	if err != nil {
		return nil, nil, err
	}
	defer zero(kek)

	wrapped, err := m.kw.Wrap(cek, kek, header)
	if err != nil {
		return nil, nil, err
	}
	return wrapped, &PBES2Params{Count: count, SaltInput: saltInput}, nil
}

// Unwrap recovers the CEK using "alg", "p2c" and "p2s" from the header. A wrong
// passphrase or tampered input fails with ErrUnwrapAuthentication.
func (m *PBES2KeyManagement) Unwrap(encryptedCek []byte, key interface{}, cekSizeBits int, header Header) ([]byte, error) {
	pass, err := passphrase(key)
	if err != nil {
		return nil, err
	}
	params, err := ParsePBES2Params(header)
	if err != nil {
		var pe *HeaderParamError
		if errors.As(err, &pe) {
			pe.Algorithm = "PBES2"
		}
		return nil, err
	}
	alg, err := header.Algorithm()
	if err != nil {
		return nil, err
	}
	if err := m.checkIterations(params.Count); err != nil {
		return nil, err
	}
	prf, err := prfForKeySize(m.keyLengthBits)
	if err != nil {
		return nil, err
	}

	kek, err := m.deriveKEK(pass, alg, params.SaltInput, params.Count, prf)
	if err != nil {
		return nil, err
	}
	defer zero(kek)

	return m.kw.Unwrap(encryptedCek, kek, cekSizeBits, header)
}

func (m *PBES2KeyManagement) deriveKEK(pass, alg string, saltInput []byte, count int, prf PRF) ([]byte, error) {
	password := []byte(pass)
	defer zero(password)

	kek, err := m.opts.kdf(password, pbes2Salt(alg, saltInput), count, m.keyLengthBits, prf)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key encryption key: %w", err)
	}
	return kek, nil
}

func (m *PBES2KeyManagement) checkIterations(count int) error {
	if count < 1 {
		return invalidParam(HeaderPBES2Count, "must be a positive integer, got %d", count)
	}
	if count > m.opts.maxIterations {
		return invalidParam(HeaderPBES2Count, "exceeds the maximum of %d, got %d", m.opts.maxIterations, count)
	}
	return nil
}

func passphrase(key interface{}) (string, error) {
	pass, ok := key.(string)
	if !ok {
		return "", fmt.Errorf("%w: PBES2 key management algorithm expects key to be string, got %T", ErrInvalidKeyType, key)
	}
	return pass, nil
}
