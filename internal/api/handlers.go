package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/jose-keywrap/internal/audit"
	"github.com/kenneth/jose-keywrap/internal/crypto"
	"github.com/kenneth/jose-keywrap/internal/metrics"
	"github.com/kenneth/jose-keywrap/internal/middleware"
	"github.com/kenneth/jose-keywrap/internal/tracing"
)

// Operation names used in metrics, audit events and spans.
const (
	OperationGenerate = "generate"
	OperationWrap     = "wrap"
	OperationUnwrap   = "unwrap"
)

// Handler handles HTTP requests for key management operations.
type Handler struct {
	provider    *RegistryProvider
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	auditLogger audit.Logger
}

// NewHandler creates a new API handler.
func NewHandler(provider *RegistryProvider, logger *logrus.Logger, m *metrics.Metrics) *Handler {
	return NewHandlerWithFeatures(provider, logger, m, nil)
}

// NewHandlerWithFeatures creates a new API handler with audit logging.
func NewHandlerWithFeatures(provider *RegistryProvider, logger *logrus.Logger, m *metrics.Metrics, auditLogger audit.Logger) *Handler {
	return &Handler{
		provider:    provider,
		logger:      logger,
		metrics:     m,
		auditLogger: auditLogger,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleLive).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/algorithms", h.handleListAlgorithms).Methods("GET")
	v1.HandleFunc("/keys/generate", h.handleGenerate).Methods("POST")
	v1.HandleFunc("/keys/wrap", h.handleWrap).Methods("POST")
	v1.HandleFunc("/keys/unwrap", h.handleUnwrap).Methods("POST")
}

type generateRequest struct {
	keyMaterial
	Algorithm   string        `json:"alg,omitempty"`
	CEKSizeBits int           `json:"cek_size_bits"`
	Header      crypto.Header `json:"header,omitempty"`
}

type generateResponse struct {
	CEK          string        `json:"cek"`
	EncryptedKey string        `json:"encrypted_key"`
	Header       crypto.Header `json:"header"`
}

type wrapRequest struct {
	keyMaterial
	Algorithm string        `json:"alg,omitempty"`
	CEK       string        `json:"cek"`
	Header    crypto.Header `json:"header,omitempty"`
}

type wrapResponse struct {
	EncryptedKey string        `json:"encrypted_key"`
	Header       crypto.Header `json:"header"`
}

type unwrapRequest struct {
	keyMaterial
	EncryptedKey string        `json:"encrypted_key"`
	CEKSizeBits  int           `json:"cek_size_bits"`
	Header       crypto.Header `json:"header"`
}

type unwrapResponse struct {
	CEK string `json:"cek"`
}

// keyOperation carries the state shared by the generate, wrap and unwrap handlers.
type keyOperation struct {
	name        string
	alg         string
	cekSizeBits int
	header      crypto.Header
	start       time.Time
}

// handleGenerate generates a random CEK and returns it with its wrapped form.
func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	op := &keyOperation{name: OperationGenerate, start: time.Now()}

	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, op, err)
		return
	}
	op.cekSizeBits = req.CEKSizeBits

	policy := h.provider.Resolve(requestInfo(r).Client)
	km, key, cleanup, err := h.prepareWrap(op, policy, req.Algorithm, req.Header, &req.keyMaterial)
	defer cleanup()
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	if req.CEKSizeBits <= 0 || req.CEKSizeBits%8 != 0 {
		h.fail(w, r, op, ErrInvalidCEK.WithMessage("cek_size_bits must be a positive multiple of 8, got %d", req.CEKSizeBits))
		return
	}

	_, span := tracing.StartKeyOperation(r.Context(), op.name, op.alg, op.cekSizeBits)
	cek, encrypted, err := km.WrapNewKey(req.CEKSizeBits, key, op.header)
	tracing.EndKeyOperation(span, iterationsOf(op.header), err)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	defer clear(cek)

	h.succeed(r, op)
	writeJSON(w, http.StatusOK, &generateResponse{
		CEK:          encodeBinary(cek),
		EncryptedKey: encodeBinary(encrypted),
		Header:       op.header,
	})
}

// handleWrap wraps a caller supplied CEK.
func (h *Handler) handleWrap(w http.ResponseWriter, r *http.Request) {
	op := &keyOperation{name: OperationWrap, start: time.Now()}

	var req wrapRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, op, err)
		return
	}

	policy := h.provider.Resolve(requestInfo(r).Client)
	km, key, cleanup, err := h.prepareWrap(op, policy, req.Algorithm, req.Header, &req.keyMaterial)
	defer cleanup()
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	cek, err := decodeBinary("cek", req.CEK)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	defer clear(cek)
	op.cekSizeBits = len(cek) * 8

	_, span := tracing.StartKeyOperation(r.Context(), op.name, op.alg, op.cekSizeBits)
	encrypted, err := km.WrapKey(cek, key, op.header)
	tracing.EndKeyOperation(span, iterationsOf(op.header), err)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}

	h.succeed(r, op)
	writeJSON(w, http.StatusOK, &wrapResponse{
		EncryptedKey: encodeBinary(encrypted),
		Header:       op.header,
	})
}

// handleUnwrap recovers a CEK. The algorithm always comes from the header.
func (h *Handler) handleUnwrap(w http.ResponseWriter, r *http.Request) {
	op := &keyOperation{name: OperationUnwrap, start: time.Now()}

	var req unwrapRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, op, err)
		return
	}
	op.cekSizeBits = req.CEKSizeBits
	op.header = req.Header
	if op.header == nil {
		op.header = crypto.Header{}
	}

	alg, err := op.header.Algorithm()
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	op.alg = alg

	policy := h.provider.Resolve(requestInfo(r).Client)
	km, err := h.lookup(policy, alg)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	key, cleanup, err := req.keyFor(alg)
	defer cleanup()
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	if req.CEKSizeBits <= 0 || req.CEKSizeBits%8 != 0 {
		h.fail(w, r, op, ErrInvalidCEK.WithMessage("cek_size_bits must be a positive multiple of 8, got %d", req.CEKSizeBits))
		return
	}
	encrypted, err := decodeBinary("encrypted_key", req.EncryptedKey)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}

	_, span := tracing.StartKeyOperation(r.Context(), op.name, op.alg, op.cekSizeBits)
	cek, err := km.Unwrap(encrypted, key, req.CEKSizeBits, op.header)
	tracing.EndKeyOperation(span, iterationsOf(op.header), err)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	defer clear(cek)

	h.succeed(r, op)
	writeJSON(w, http.StatusOK, &unwrapResponse{CEK: encodeBinary(cek)})
}

// prepareWrap resolves the algorithm for a generate or wrap request and converts
// the key material. The header is copied so the request value is never aliased.
func (h *Handler) prepareWrap(op *keyOperation, policy *KeyPolicy, requested string, header crypto.Header, km *keyMaterial) (crypto.KeyManagement, interface{}, func(), error) {
	noop := func() {}

	op.header = header.Clone()
	alg, err := resolveAlgorithm(requested, op.header, policy.DefaultAlgorithm)
	if err != nil {
		return nil, nil, noop, err
	}
	op.alg = alg
	op.header[crypto.HeaderAlgorithm] = alg

	strategy, err := h.lookup(policy, alg)
	if err != nil {
		return nil, nil, noop, err
	}
	key, cleanup, err := km.keyFor(alg)
	if err != nil {
		return nil, nil, cleanup, err
	}
	return strategy, key, cleanup, nil
}

// resolveAlgorithm picks the request "alg", then the header "alg", then the default.
func resolveAlgorithm(requested string, header crypto.Header, defaultAlg string) (string, error) {
	if _, ok := header[crypto.HeaderAlgorithm]; ok {
		headerAlg, err := header.Algorithm()
		if err != nil {
			return "", err
		}
		if requested != "" && requested != headerAlg {
			return "", ErrInvalidRequest.WithMessage("alg %q does not match header alg %q", requested, headerAlg)
		}
		return headerAlg, nil
	}
	if requested != "" {
		return requested, nil
	}
	return defaultAlg, nil
}

func (h *Handler) lookup(policy *KeyPolicy, alg string) (crypto.KeyManagement, error) {
	km, err := policy.Registry.Lookup(alg)
	if err == nil {
		return km, nil
	}
	// Known to the service but excluded by configuration
	if crypto.KEKSizeBits(alg) > 0 {
		return nil, ErrAlgorithmNotAllowed.WithMessage("algorithm %s is not allowed", alg)
	}
	return nil, err
}

// iterationsOf returns "p2c" once a PBES2 operation has set or validated it.
func iterationsOf(header crypto.Header) int {
	if header == nil {
		return 0
	}
	switch v := header[crypto.HeaderPBES2Count].(type) {
	case int:
		return v
	default:
		params, err := crypto.ParsePBES2Params(header)
		if err != nil {
			return 0
		}
		return params.Count
	}
}

func (h *Handler) succeed(r *http.Request, op *keyOperation) {
	duration := time.Since(op.start)
	iterations := iterationsOf(op.header)

	middleware.Annotate(r.Context(), "operation", op.name)
	middleware.Annotate(r.Context(), "algorithm", op.alg)

	if h.metrics != nil {
		h.metrics.RecordHTTPRequest(r.Method, r.URL.Path, http.StatusOK, duration, r.ContentLength)
		h.metrics.RecordKeyOperation(op.name, op.alg, duration)
		if crypto.IsPBES2(op.alg) && iterations > 0 {
			h.metrics.RecordPBES2Iterations(op.name, iterations)
		}
	}
	if h.auditLogger != nil {
		h.auditLogger.LogKeyOperation(auditOperation(op, iterations), requestInfo(r), true, nil, duration)
	}

	h.logger.WithFields(logrus.Fields{
		"operation":   op.name,
		"algorithm":   op.alg,
		"iterations":  iterations,
		"duration_ms": duration.Milliseconds(),
	}).Debug("Key operation completed")
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op *keyOperation, err error) {
	apiErr := TranslateError(err)
	info := requestInfo(r)
	out := *apiErr
	out.RequestID = info.RequestID

	middleware.Annotate(r.Context(), "operation", op.name)
	middleware.Annotate(r.Context(), "error_code", apiErr.Code)
	if op.alg != "" {
		middleware.Annotate(r.Context(), "algorithm", op.alg)
	}

	alg := op.alg
	if alg == "" {
		alg = "unknown"
	}
	if h.metrics != nil {
		h.metrics.RecordHTTPRequest(r.Method, r.URL.Path, apiErr.HTTPStatus, time.Since(op.start), r.ContentLength)
		h.metrics.RecordKeyOperationError(op.name, alg, errorType(err))
	}
	if h.auditLogger != nil {
		h.auditLogger.LogKeyOperation(auditOperation(op, iterationsOf(op.header)), info, false, err, time.Since(op.start))
	}

	entry := h.logger.WithFields(logrus.Fields{
		"operation":  op.name,
		"algorithm":  alg,
		"error_code": apiErr.Code,
		"request_id": info.RequestID,
	}).WithError(err)
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		entry.Error("Key operation failed")
	} else {
		entry.Debug("Key operation rejected")
	}

	out.WriteJSON(w)
}

func auditOperation(op *keyOperation, iterations int) audit.KeyOperation {
	eventType := audit.EventTypeWrap
	switch op.name {
	case OperationGenerate:
		eventType = audit.EventTypeGenerate
	case OperationUnwrap:
		eventType = audit.EventTypeUnwrap
	}
	return audit.KeyOperation{
		Type:        eventType,
		Algorithm:   op.alg,
		Iterations:  iterations,
		CEKSizeBits: op.cekSizeBits,
	}
}

type algorithmInfo struct {
	Algorithm   string `json:"alg"`
	Family      string `json:"family"`
	KeyType     string `json:"key_type"`
	KEKSizeBits int    `json:"kek_size_bits"`
}

type algorithmsResponse struct {
	Algorithms        []algorithmInfo `json:"algorithms"`
	DefaultAlgorithm  string          `json:"default_alg"`
	DefaultIterations int             `json:"default_iterations"`
	MaxIterations     int             `json:"max_iterations"`
}

// handleListAlgorithms lists the algorithms available to the caller.
func (h *Handler) handleListAlgorithms(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	policy := h.provider.Resolve(requestInfo(r).Client)

	resp := algorithmsResponse{
		Algorithms:        []algorithmInfo{},
		DefaultAlgorithm:  policy.DefaultAlgorithm,
		DefaultIterations: policy.DefaultIterations,
		MaxIterations:     policy.MaxIterations,
	}
	for _, alg := range policy.Registry.Algorithms() {
		info := algorithmInfo{Algorithm: alg, KEKSizeBits: crypto.KEKSizeBits(alg)}
		if crypto.IsPBES2(alg) {
			info.Family, info.KeyType = "PBES2", "passphrase"
		} else {
			info.Family, info.KeyType = "AESKW", "octet"
		}
		resp.Algorithms = append(resp.Algorithms, info)
	}

	writeJSON(w, http.StatusOK, &resp)
	if h.metrics != nil {
		h.metrics.RecordHTTPRequest("GET", "/v1/algorithms", http.StatusOK, time.Since(start), 0)
	}
}

// handleHealth handles health check requests.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.serveProbe(w, r, "/health", metrics.HealthHandler())
}

// handleReady handles readiness check requests.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	h.serveProbe(w, r, "/ready", metrics.ReadinessHandler())
}

// handleLive handles liveness check requests.
func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	h.serveProbe(w, r, "/live", metrics.LivenessHandler())
}

// serveProbe runs a health endpoint and records the status it wrote.
func (h *Handler) serveProbe(w http.ResponseWriter, r *http.Request, path string, probe http.Handler) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	probe.ServeHTTP(sw, r)
	if h.metrics != nil {
		h.metrics.RecordHTTPRequest(r.Method, path, sw.status, time.Since(start), 0)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
