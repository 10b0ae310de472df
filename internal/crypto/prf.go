package crypto

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// PRF identifies the HMAC hash used as the PBKDF2 pseudorandom function.
type PRF int

const (
	// HS256 is HMAC with SHA-256.
	HS256 PRF = iota + 1
	// HS384 is HMAC with SHA-384.
	HS384
	// HS512 is HMAC with SHA-512.
	HS512
)

func (p PRF) String() string {
	switch p {
	case HS256:
		return "HS256"
	case HS384:
		return "HS384"
	case HS512:
		return "HS512"
	default:
		return fmt.Sprintf("PRF(%d)", int(p))
	}
}

// New returns a fresh instance of the underlying hash.
func (p PRF) New() hash.Hash {
	return p.hashFunc()()
}

func (p PRF) hashFunc() func() hash.Hash {
	switch p {
	case HS384:
		return sha512.New384
	case HS512:
		return sha512.New
	default:
		return sha256.New
	}
}

// prfForKeySize maps a KEK size to the PRF of the matching RFC 7518 variant:
// PBES2-HS256+A128KW, PBES2-HS384+A192KW and PBES2-HS512+A256KW.
func prfForKeySize(keyLengthBits int) (PRF, error) {
	switch keyLengthBits {
	case 128:
		return HS256, nil
	case 192:
		return HS384, nil
	case 256:
		return HS512, nil
	default:
		return 0, fmt.Errorf("%w: '%d'", ErrUnsupportedKeySize, keyLengthBits)
	}
}
