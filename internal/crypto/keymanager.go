package crypto

// KeyManagement is implemented by every JOSE key management strategy. A strategy
// protects the content encryption key (CEK) of a token for one recipient.
//
// The header passed to each method is the token's protected header. Strategies may
// read any parameter from it and, when wrapping, may add the parameters the recipient
// needs to reverse the operation. Callers must serialize the header only after the
// wrap call returns.
type KeyManagement interface {
	// WrapNewKey generates a random CEK of cekSizeBits bits and wraps it with key.
	// It returns the plaintext CEK and its wrapped form.
	WrapNewKey(cekSizeBits int, key interface{}, header Header) (cek, encryptedCek []byte, err error)

	// WrapKey wraps the provided CEK with key.
	WrapKey(cek []byte, key interface{}, header Header) ([]byte, error)

	// Unwrap recovers a CEK of cekSizeBits bits from encryptedCek.
	Unwrap(encryptedCek []byte, key interface{}, cekSizeBits int, header Header) ([]byte, error)
}

// KeyWrapCipher is a deterministic authenticated key wrap primitive keyed by a
// key encryption key (KEK) of a fixed size.
type KeyWrapCipher interface {
	// KeyLengthBits is the KEK size the cipher expects.
	KeyLengthBits() int

	// Wrap encrypts cek under kek.
	Wrap(cek, kek []byte, header Header) ([]byte, error)

	// Unwrap authenticates and decrypts wrapped under kek. It fails rather than
	// returning corrupted key material.
	Unwrap(wrapped, kek []byte, cekSizeBits int, header Header) ([]byte, error)
}

// zero overwrites b so key material does not outlive the operation that used it.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
