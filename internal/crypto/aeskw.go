package crypto

import (
	"crypto/aes"
	"fmt"

	josecipher "github.com/go-jose/go-jose/v3/cipher"
)

// AESKeyWrap is the RFC 3394 AES Key Wrap cipher for KEKs of one size.
type AESKeyWrap struct {
	keyLengthBits int
}

// NewAESKeyWrap returns an AES Key Wrap cipher for KEKs of keyLengthBits.
func NewAESKeyWrap(keyLengthBits int) *AESKeyWrap {
	return &AESKeyWrap{keyLengthBits: keyLengthBits}
}

// KeyLengthBits returns the KEK size in bits.
func (c *AESKeyWrap) KeyLengthBits() int {
	return c.keyLengthBits
}

// Wrap wraps cek under kek. The result is 8 bytes longer than cek.
func (c *AESKeyWrap) Wrap(cek, kek []byte, _ Header) ([]byte, error) {
	if err := c.checkKEK(kek); err != nil {
		return nil, err
	}
	if len(cek) < 16 || len(cek)%8 != 0 {
		return nil, fmt.Errorf("%w: must be a multiple of 8 bytes and at least 16 bytes, got %d", ErrInvalidCEKLength, len(cek))
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	wrapped, err := josecipher.KeyWrap(block, cek)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap key: %w", err)
	}
	return wrapped, nil
}

// Unwrap authenticates and unwraps wrapped under kek. When cekSizeBits is positive
// the recovered key must have exactly that size.
func (c *AESKeyWrap) Unwrap(wrapped, kek []byte, cekSizeBits int, _ Header) ([]byte, error) {
	if err := c.checkKEK(kek); err != nil {
		return nil, err
	}
	if len(wrapped) < 24 || len(wrapped)%8 != 0 {
		return nil, fmt.Errorf("%w: wrapped key has invalid length %d", ErrUnwrapAuthentication, len(wrapped))
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	cek, err := josecipher.KeyUnwrap(block, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrapAuthentication, err)
	}
	if cekSizeBits > 0 && len(cek)*8 != cekSizeBits {
		zero(cek)
		return nil, fmt.Errorf("%w: expected a %d bit key, recovered %d bits", ErrUnwrapAuthentication, cekSizeBits, len(cek)*8)
	}
	return cek, nil
}

func (c *AESKeyWrap) checkKEK(kek []byte) error {
	if len(kek)*8 != c.keyLengthBits {
		return fmt.Errorf("%w: AES key wrap expects a %d bit key, got %d bits", ErrInvalidKeyLength, c.keyLengthBits, len(kek)*8)
	}
	return nil
}

// AESKeyWrapManagement is the A128KW, A192KW and A256KW strategy: the CEK is wrapped
// directly with a shared symmetric key passed as []byte.
type AESKeyWrapManagement struct {
	kw   *AESKeyWrap
	opts options
}

// NewAESKeyWrapManagement returns the AES Key Wrap strategy for keys of keyLengthBits.
func NewAESKeyWrapManagement(keyLengthBits int, opts ...Option) *AESKeyWrapManagement {
	return &AESKeyWrapManagement{kw: NewAESKeyWrap(keyLengthBits), opts: newOptions(opts)}
}

// Cipher returns the underlying key wrap cipher.
func (m *AESKeyWrapManagement) Cipher() *AESKeyWrap {
	return m.kw
}

// WrapNewKey generates a CEK and wraps it with the []byte KEK in key.
func (m *AESKeyWrapManagement) WrapNewKey(cekSizeBits int, key interface{}, header Header) ([]byte, []byte, error) {
	if _, err := sharedKey(key); err != nil {
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

// WrapKey wraps cek with the []byte KEK in key.
func (m *AESKeyWrapManagement) WrapKey(cek []byte, key interface{}, header Header) ([]byte, error) {
	kek, err := sharedKey(key)
	if err != nil {
		return nil, err
	}
	return m.kw.Wrap(cek, kek, header)
}

// Unwrap unwraps encryptedCek with the []byte KEK in key.
func (m *AESKeyWrapManagement) Unwrap(encryptedCek []byte, key interface{}, cekSizeBits int, header Header) ([]byte, error) {
	kek, err := sharedKey(key)
	if err != nil {
		return nil, err
	}
	return m.kw.Unwrap(encryptedCek, kek, cekSizeBits, header)
}

func sharedKey(key interface{}) ([]byte, error) {
	kek, ok := key.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: AES key wrap management algorithm expects key to be []byte, got %T", ErrInvalidKeyType, key)
	}
	return kek, nil
}
