package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/kenneth/jose-keywrap/internal/audit"
	"github.com/kenneth/jose-keywrap/internal/middleware"
)

// decodeJSON decodes a single JSON object from the request body. Numbers are
// kept as json.Number so header parameters such as "p2c" keep their exact value.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return ErrInvalidRequest.WithMessage("request body is empty")
		}
		return ErrInvalidRequest.WithMessage("malformed request body: %v", err)
	}
	if dec.More() {
		return ErrInvalidRequest.WithMessage("request body must contain a single JSON object")
	}
	return nil
}

// writeJSON writes v with status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// encodeBinary encodes b as unpadded base64url, the JOSE binary encoding.
func encodeBinary(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// decodeBinary decodes a base64url field, tolerating trailing padding.
func decodeBinary(field, s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, ErrInvalidRequest.WithMessage("%s is not valid base64url: %v", field, err)
	}
	return b, nil
}

// requestInfo collects the caller identity for audit events.
func requestInfo(r *http.Request) audit.RequestInfo {
	info := audit.RequestInfo{
		ClientIP:  middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
	if ri := middleware.RequestInfoFromContext(r.Context()); ri != nil {
		info.Client = ri.Client
		info.RequestID = ri.ID
	} else {
		info.Client = strings.TrimSpace(r.Header.Get(middleware.HeaderClientID))
		info.RequestID = r.Header.Get(middleware.HeaderRequestID)
	}
	return info
}
