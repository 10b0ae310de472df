package crypto

// Key management algorithm identifiers ("alg" header values, RFC 7518 section 4.1).
const (
	AlgorithmPBES2HS256A128KW = "PBES2-HS256+A128KW"
	AlgorithmPBES2HS384A192KW = "PBES2-HS384+A192KW"
	AlgorithmPBES2HS512A256KW = "PBES2-HS512+A256KW"

	AlgorithmA128KW = "A128KW"
	AlgorithmA192KW = "A192KW"
	AlgorithmA256KW = "A256KW"
)

// IsPBES2 reports whether alg is one of the password based algorithms, whose key is
// a passphrase string rather than raw key bytes.
func IsPBES2(alg string) bool {
	switch alg {
	case AlgorithmPBES2HS256A128KW, AlgorithmPBES2HS384A192KW, AlgorithmPBES2HS512A256KW:
		return true
	default:
		return false
	}
}

// IsAESKeyWrap reports whether alg is a direct AES Key Wrap algorithm, whose key is
// the raw KEK.
func IsAESKeyWrap(alg string) bool {
	switch alg {
	case AlgorithmA128KW, AlgorithmA192KW, AlgorithmA256KW:
		return true
	default:
		return false
	}
}

// KEKSizeBits returns the key encryption key size for alg, or 0 for an unknown alg.
func KEKSizeBits(alg string) int {
	switch alg {
	case AlgorithmPBES2HS256A128KW, AlgorithmA128KW:
		return 128
	case AlgorithmPBES2HS384A192KW, AlgorithmA192KW:
		return 192
	case AlgorithmPBES2HS512A256KW, AlgorithmA256KW:
		return 256
	default:
		return 0
	}
}
