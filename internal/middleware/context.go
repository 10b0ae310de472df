package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	// HeaderRequestID carries the request identifier in both directions.
	HeaderRequestID = "X-Request-ID"
	// HeaderClientID names the caller for policy selection and rate limiting.
	HeaderClientID = "X-Client-ID"

	maxRequestIDLen = 128
)

type contextKey int

const (
	requestInfoKey contextKey = iota
)

// RequestInfo is attached to every request by RequestIDMiddleware. Handlers
// annotate it with the JOSE algorithm and operation so access logs can report them.
type RequestInfo struct {
	ID     string
	Client string

	mu     sync.Mutex
	fields map[string]interface{}
}

// Annotate records a field for the access log entry of this request.
func (ri *RequestInfo) Annotate(key string, value interface{}) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.fields == nil {
		ri.fields = make(map[string]interface{})
	}
	ri.fields[key] = value
}

// Fields returns a copy of the annotations.
func (ri *RequestInfo) Fields() map[string]interface{} {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	out := make(map[string]interface{}, len(ri.fields))
	for k, v := range ri.fields {
		out[k] = v
	}
	return out
}

// RequestInfoFromContext returns the request info, or nil outside the middleware chain.
func RequestInfoFromContext(ctx context.Context) *RequestInfo {
	ri, _ := ctx.Value(requestInfoKey).(*RequestInfo)
	return ri
}

// Annotate records a field on the request in ctx. It is a no-op without RequestIDMiddleware.
func Annotate(ctx context.Context, key string, value interface{}) {
	if ri := RequestInfoFromContext(ctx); ri != nil {
		ri.Annotate(key, value)
	}
}

// RequestIDMiddleware assigns a request ID, honouring a well formed inbound one,
// and echoes it on the response.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderRequestID)
			if !validRequestID(id) {
				id = newRequestID()
			}
			ri := &RequestInfo{
				ID:     id,
				Client: strings.TrimSpace(r.Header.Get(HeaderClientID)),
			}
			w.Header().Set(HeaderRequestID, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestInfoKey, ri)))
		})
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

func newRequestID() string {
	return uuid.NewString()
}

// ClientIP extracts the real remote address, handling X-Forwarded-For and X-Real-IP.
func ClientIP(r *http.Request) string {
	// Check X-Real-IP first (single IP, more trusted than X-Forwarded-For)
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	// Check X-Forwarded-For (may contain multiple IPs)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
