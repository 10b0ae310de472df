package crypto

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidKeyType is returned when the key supplied to a strategy has the wrong Go type.
	ErrInvalidKeyType = errors.New("invalid key type")

	// ErrMissingHeaderParam is returned when a required header parameter is absent.
	ErrMissingHeaderParam = errors.New("missing header parameter")

	// ErrInvalidHeaderParam is returned when a header parameter is present but malformed.
	ErrInvalidHeaderParam = errors.New("invalid header parameter")

	// ErrUnsupportedKeySize is returned when a strategy is configured with a KEK size it
	// has no pseudorandom function for.
	ErrUnsupportedKeySize = errors.New("unsupported key size")

	// ErrUnwrapAuthentication is returned when a wrapped key fails its integrity check,
	// either because it was tampered with or because the wrong key was used.
	ErrUnwrapAuthentication = errors.New("key unwrap authentication failed")

	// ErrInvalidKeyLength is returned when a raw key does not match the expected size.
	ErrInvalidKeyLength = errors.New("invalid key length")

	// ErrInvalidCEKLength is returned when a CEK cannot be key-wrapped.
	ErrInvalidCEKLength = errors.New("invalid content encryption key length")

	// ErrUnsupportedAlgorithm is returned by the registry for unknown algorithm identifiers.
	ErrUnsupportedAlgorithm = errors.New("unsupported key management algorithm")
)

// HeaderParamError reports the header parameters that were required but not found.
type HeaderParamError struct {
	Algorithm string
	Params    []string
}

func (e *HeaderParamError) Error() string {
	quoted := make([]string, len(e.Params))
	for i, p := range e.Params {
		quoted[i] = fmt.Sprintf("'%s'", p)
	}
	if e.Algorithm == "" {
		return fmt.Sprintf("%s: %s", ErrMissingHeaderParam, strings.Join(quoted, ", "))
	}
	return fmt.Sprintf("%s: %s expects %s in header", ErrMissingHeaderParam, e.Algorithm, strings.Join(quoted, ", "))
}

// Is makes HeaderParamError match ErrMissingHeaderParam.
func (e *HeaderParamError) Is(target error) bool {
	return target == ErrMissingHeaderParam
}

func missingParams(names ...string) error {
	return &HeaderParamError{Params: names}
}

func invalidParam(name string, format string, args ...interface{}) error {
	return fmt.Errorf("%w: '%s' %s", ErrInvalidHeaderParam, name, fmt.Sprintf(format, args...))
}
