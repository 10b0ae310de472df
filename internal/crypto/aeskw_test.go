package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

// Test vectors from RFC 3394 section 4.
func TestAESKeyWrap_RFC3394Vectors(t *testing.T) {
	tests := []struct {
		name    string
		kek     string
		key     string
		wrapped string
	}{
		{
			name:    "128 bit key with 128 bit KEK",
			kek:     "000102030405060708090A0B0C0D0E0F",
			key:     "00112233445566778899AABBCCDDEEFF",
			wrapped: "1FA68B0A8112B447AEF34BD8FB5A7B829D3E862371D2CFE5",
		},
		{
			name:    "256 bit key with 256 bit KEK",
			kek:     "000102030405060708090A0B0C0D0E0F101112131415161718191A1B1C1D1E1F",
			key:     "00112233445566778899AABBCCDDEEFF000102030405060708090A0B0C0D0E0F",
			wrapped: "28C9F404C4B810F4CBCCB35CFB87F8263F5786E2D80ED326CBC7F0E71A99F43BFB988B9B7A02DD21",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kek := mustHex(t, tt.kek)
			key := mustHex(t, tt.key)
			expected := mustHex(t, tt.wrapped)
			kw := NewAESKeyWrap(len(kek) * 8)

			wrapped, err := kw.Wrap(key, kek, nil)
			if err != nil {
				t.Fatalf("wrap failed: %v", err)
			}
			if !bytes.Equal(wrapped, expected) {
				t.Fatalf("expected %X, got %X", expected, wrapped)
			}

			unwrapped, err := kw.Unwrap(wrapped, kek, len(key)*8, nil)
			if err != nil {
				t.Fatalf("unwrap failed: %v", err)
			}
			if !bytes.Equal(unwrapped, key) {
				t.Fatalf("expected %X, got %X", key, unwrapped)
			}
		})
	}
}

func TestAESKeyWrap_InvalidInput(t *testing.T) {
	kw := NewAESKeyWrap(128)
	kek := make([]byte, 16)

	if _, err := kw.Wrap(make([]byte, 16), make([]byte, 24), nil); !errors.Is(err, ErrInvalidKeyLength) {
		t.Fatalf("expected ErrInvalidKeyLength, got %v", err)
	}
	if _, err := kw.Wrap(make([]byte, 8), kek, nil); !errors.Is(err, ErrInvalidCEKLength) {
		t.Fatalf("expected ErrInvalidCEKLength for short CEK, got %v", err)
	}
	if _, err := kw.Wrap(make([]byte, 20), kek, nil); !errors.Is(err, ErrInvalidCEKLength) {
		t.Fatalf("expected ErrInvalidCEKLength for unaligned CEK, got %v", err)
	}
	if _, err := kw.Unwrap(make([]byte, 16), kek, 0, nil); !errors.Is(err, ErrUnwrapAuthentication) {
		t.Fatalf("expected ErrUnwrapAuthentication for short input, got %v", err)
	}
	if _, err := kw.Unwrap(make([]byte, 25), kek, 0, nil); !errors.Is(err, ErrUnwrapAuthentication) {
		t.Fatalf("expected ErrUnwrapAuthentication for unaligned input, got %v", err)
	}
}

func TestAESKeyWrap_UnwrapSizeMismatch(t *testing.T) {
	kw := NewAESKeyWrap(128)
	kek := make([]byte, 16)

	wrapped, err := kw.Wrap(make([]byte, 32), kek, nil)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	if _, err := kw.Unwrap(wrapped, kek, 128, nil); !errors.Is(err, ErrUnwrapAuthentication) {
		t.Fatalf("expected ErrUnwrapAuthentication, got %v", err)
	}
}

func TestAESKeyWrapManagement(t *testing.T) {
	km := NewAESKeyWrapManagement(192)
	kek := randomKey(t, 192)

	cek, wrapped, err := km.WrapNewKey(256, kek, Header{HeaderAlgorithm: AlgorithmA192KW})
	if err != nil {
		t.Fatalf("wrap new key failed: %v", err)
	}
	got, err := km.Unwrap(wrapped, kek, 256, nil)
	if err != nil {
		t.Fatalf("unwrap failed: %v", err)
	}
	if !bytes.Equal(got, cek) {
		t.Fatal("recovered CEK mismatch")
	}

	if _, err := km.WrapKey(cek, "a passphrase", nil); !errors.Is(err, ErrInvalidKeyType) {
		t.Fatalf("expected ErrInvalidKeyType, got %v", err)
	}
	if _, err := km.Unwrap(wrapped, randomKey(t, 192), 256, nil); !errors.Is(err, ErrUnwrapAuthentication) {
		t.Fatalf("expected ErrUnwrapAuthentication with wrong key, got %v", err)
	}
}
