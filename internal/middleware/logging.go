package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/jose-keywrap/internal/config"
)

// LoggingMiddleware wraps handlers with access logging. Request bodies are never
// logged since they carry passphrases and key material.
func LoggingMiddleware(logger *logrus.Logger, cfg *config.LoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			entry := createLogEntry(r, rw, time.Since(start), cfg)

			switch cfg.AccessLogFormat {
			case "json":
				logJSON(logger, entry)
			case "clf":
				logCLF(logger, entry)
			default:
				logDefault(logger, entry)
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// LogEntry represents a structured access log entry.
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	RequestID  string                 `json:"request_id,omitempty"`
	Client     string                 `json:"client,omitempty"`
	Method     string                 `json:"method"`
	Path       string                 `json:"path"`
	Route      string                 `json:"route,omitempty"`
	RemoteAddr string                 `json:"remote_addr"`
	UserAgent  string                 `json:"user_agent,omitempty"`
	Status     int                    `json:"status"`
	DurationMs int64                  `json:"duration_ms"`
	Bytes      int64                  `json:"bytes"`
	Headers    map[string]string      `json:"headers,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// createLogEntry creates a log entry with header redaction.
func createLogEntry(r *http.Request, rw *responseWriter, duration time.Duration, cfg *config.LoggingConfig) *LogEntry {
	entry := &LogEntry{
		Timestamp:  time.Now().Format(time.RFC3339),
		Method:     r.Method,
		Path:       r.URL.Path,
		Route:      routeTemplate(r),
		RemoteAddr: ClientIP(r),
		UserAgent:  r.UserAgent(),
		Status:     rw.statusCode,
		DurationMs: duration.Milliseconds(),
		Bytes:      rw.bytesWritten,
	}
	if ri := RequestInfoFromContext(r.Context()); ri != nil {
		entry.RequestID = ri.ID
		entry.Client = ri.Client
		if f := ri.Fields(); len(f) > 0 {
			entry.Fields = f
		}
	}

	// Add redacted headers for structured formats
	if cfg.AccessLogFormat == "json" {
		entry.Headers = make(map[string]string)
		for name, values := range r.Header {
			lowerName := strings.ToLower(name)
			if shouldRedactHeader(lowerName, cfg.RedactHeaders) {
				entry.Headers[lowerName] = "[REDACTED]"
			} else {
				entry.Headers[lowerName] = strings.Join(values, ",")
			}
		}
	}

	return entry
}

// routeTemplate returns the matched mux route, or "" outside a router.
func routeTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return ""
	}
	return tpl
}

// shouldRedactHeader checks if a header should be redacted.
func shouldRedactHeader(headerName string, redactHeaders []string) bool {
	for _, redact := range redactHeaders {
		if strings.EqualFold(redact, headerName) {
			return true
		}
	}
	return false
}

// logDefault logs in the default structured format.
func logDefault(logger *logrus.Logger, entry *LogEntry) {
	fields := logrus.Fields{
		"method":      entry.Method,
		"path":        entry.Path,
		"remote_addr": entry.RemoteAddr,
		"status":      entry.Status,
		"duration_ms": entry.DurationMs,
		"bytes":       entry.Bytes,
	}

	if entry.RequestID != "" {
		fields["request_id"] = entry.RequestID
	}
	if entry.Client != "" {
		fields["client"] = entry.Client
	}
	if entry.Route != "" {
		fields["route"] = entry.Route
	}
	if entry.UserAgent != "" {
		fields["user_agent"] = entry.UserAgent
	}
	for k, v := range entry.Fields {
		fields[k] = v
	}

	logger.WithFields(fields).Info("HTTP request")
}

// logJSON logs the whole entry as one JSON field.
func logJSON(logger *logrus.Logger, entry *LogEntry) {
	if jsonData, err := json.Marshal(entry); err == nil {
		logger.WithField("json", string(jsonData)).Info("HTTP request")
	} else {
		// Fallback to default logging on JSON marshal error
		logDefault(logger, entry)
	}
}

// logCLF logs in Common Log Format with the request ID as the ident field.
func logCLF(logger *logrus.Logger, entry *LogEntry) {
	ident := "-"
	if entry.RequestID != "" {
		ident = entry.RequestID
	}
	user := "-"
	if entry.Client != "" {
		user = entry.Client
	}
	clf := fmt.Sprintf(`%s %s %s [%s] "%s %s HTTP/1.1" %d %d`,
		entry.RemoteAddr,
		ident,
		user,
		entry.Timestamp,
		entry.Method,
		entry.Path,
		entry.Status,
		entry.Bytes,
	)

	logger.WithField("clf", clf).Info("HTTP request")
}
