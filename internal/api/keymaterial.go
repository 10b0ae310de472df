package api

import (
	"github.com/kenneth/jose-keywrap/internal/crypto"
)

// keyMaterial is the caller's key as sent in a request body. PBES2 algorithms
// take a passphrase; the AES Key Wrap algorithms take a base64url encoded KEK.
type keyMaterial struct {
	Passphrase *string `json:"passphrase,omitempty"`
	Key        string  `json:"key,omitempty"`
}

// keyFor returns the key in the Go type the strategy for alg expects, and a
// function that clears any buffer created for it.
func (k *keyMaterial) keyFor(alg string) (interface{}, func(), error) {
	noop := func() {}

	if crypto.IsPBES2(alg) {
		if k.Key != "" {
			return nil, noop, ErrInvalidKey.WithMessage("%s takes a passphrase, not a key", alg)
		}
		if k.Passphrase == nil || *k.Passphrase == "" {
			return nil, noop, ErrInvalidKey.WithMessage("%s requires a non-empty passphrase", alg)
		}
		return *k.Passphrase, noop, nil
	}

	if k.Passphrase != nil {
		return nil, noop, ErrInvalidKey.WithMessage("%s takes a key, not a passphrase", alg)
	}
	if k.Key == "" {
		return nil, noop, ErrInvalidKey.WithMessage("%s requires a key", alg)
	}
	raw, err := decodeBinary("key", k.Key)
	if err != nil {
		return nil, noop, err
	}
	return raw, func() { clear(raw) }, nil
}
