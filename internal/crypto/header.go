package crypto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// Header parameter names (RFC 7518 section 4.8.1).
const (
	HeaderAlgorithm      = "alg"
	HeaderPBES2Count     = "p2c"
	HeaderPBES2SaltInput = "p2s"
)

// Header is a JOSE protected header. It is owned by the token processing flow and
// mutated in place by key management strategies; it is not safe for concurrent writes.
type Header map[string]interface{}

// Algorithm returns the "alg" parameter.
func (h Header) Algorithm() (string, error) {
	v, ok := h[HeaderAlgorithm]
	if !ok {
		return "", missingParams(HeaderAlgorithm)
	}
	alg, ok := v.(string)
	if !ok || alg == "" {
		return "", invalidParam(HeaderAlgorithm, "must be a non-empty string, got %T", v)
	}
	return alg, nil
}

// Missing returns the names that have no entry in the header, in the order given.
func (h Header) Missing(names ...string) []string {
	var missing []string
	for _, name := range names {
		if _, ok := h[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Clone returns a shallow copy of the header.
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// PBES2Params are the header parameters a PBES2 wrap produces and an unwrap consumes.
type PBES2Params struct {
	Count     int
	SaltInput []byte
}

// Apply writes the parameters into h as "p2c" (int) and "p2s" (base64url, unpadded).
func (p *PBES2Params) Apply(h Header) {
	h[HeaderPBES2Count] = p.Count
	h[HeaderPBES2SaltInput] = base64.RawURLEncoding.EncodeToString(p.SaltInput)
}

// ParsePBES2Params reads "p2c" and "p2s" from h. Both must be present. "p2c" is
// coerced to an integer the way a JSON decoder might have left it (number or
// numeric string).
func ParsePBES2Params(h Header) (*PBES2Params, error) {
	if missing := h.Missing(HeaderPBES2Count, HeaderPBES2SaltInput); len(missing) > 0 {
		return nil, missingParams(missing...)
	}

	count, err := iterationCount(h[HeaderPBES2Count], true)
	if err != nil {
		return nil, err
	}

	rawSalt, ok := h[HeaderPBES2SaltInput].(string)
	if !ok {
		return nil, invalidParam(HeaderPBES2SaltInput, "must be a base64url string, got %T", h[HeaderPBES2SaltInput])
	}
	salt, err := decodeBase64URL(rawSalt)
	if err != nil {
		return nil, invalidParam(HeaderPBES2SaltInput, "is not valid base64url: %v", err)
	}
	if len(salt) < minSaltInputBytes {
		return nil, invalidParam(HeaderPBES2SaltInput, "must decode to at least %d bytes, got %d", minSaltInputBytes, len(salt))
	}

	return &PBES2Params{Count: count, SaltInput: salt}, nil
}

// iterationCount reads a "p2c" value. Only integral values are accepted. Strings
// are read as base 10 integers when allowString is set and rejected otherwise.
func iterationCount(v interface{}, allowString bool) (int, error) {
	switch n := v.(type) {
	case nil, bool:
		return 0, invalidParam(HeaderPBES2Count, "must be an integer, got %T", v)
	case string:
		if !allowString {
			return 0, invalidParam(HeaderPBES2Count, "must be an integer, got %T", v)
		}
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 32)
		if err != nil {
			return 0, invalidParam(HeaderPBES2Count, "must be a decimal integer, got %q", n)
		}
		return int(i), nil
	case float32:
		return integralFloat(float64(n))
	case float64:
		return integralFloat(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, invalidParam(HeaderPBES2Count, "must be an integer: %v", err)
		}
		if i > math.MaxInt32 {
			return 0, invalidParam(HeaderPBES2Count, "is out of range: %d", i)
		}
		return int(i), nil
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		return 0, invalidParam(HeaderPBES2Count, "must be an integer, got %T", v)
	}
	return i, nil
}

func integralFloat(f float64) (int, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, invalidParam(HeaderPBES2Count, "must be an integer, got %v", f)
	}
	return int(f), nil
}

// decodeBase64URL accepts base64url with or without trailing padding.
func decodeBase64URL(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return b, nil
}
