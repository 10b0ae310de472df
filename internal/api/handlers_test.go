package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/jose-keywrap/internal/audit"
	"github.com/kenneth/jose-keywrap/internal/config"
	"github.com/kenneth/jose-keywrap/internal/crypto"
	"github.com/kenneth/jose-keywrap/internal/metrics"
	"github.com/kenneth/jose-keywrap/internal/middleware"
)

const testPassphrase = "correct horse battery staple"

var (
	sharedTestMetrics *metrics.Metrics
	metricsOnce       sync.Once
)

func getTestMetrics() *metrics.Metrics {
	metricsOnce.Do(func() {
		sharedTestMetrics = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	})
	return sharedTestMetrics
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.PBES2.DefaultIterations = 1000
	cfg.PBES2.MaxIterations = 100000
	return cfg
}

func newTestRouter(t *testing.T, cfg *config.Config, auditLogger audit.Logger) *mux.Router {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	provider, err := NewRegistryProvider(cfg, logger)
	require.NoError(t, err)

	handler := NewHandlerWithFeatures(provider, logger, getTestMetrics(), auditLogger)
	router := mux.NewRouter()
	router.Use(middleware.RequestIDMiddleware())
	handler.RegisterRoutes(router)
	return router
}

func doJSON(t *testing.T, router http.Handler, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest("POST", path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) *APIError {
	t.Helper()
	var body struct {
		Error *APIError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	require.NotNil(t, body.Error)
	return body.Error
}

func TestHandler_HandleHealth(t *testing.T) {
	router := newTestRouter(t, testConfig(t), nil)

	for _, path := range []string{"/health", "/live"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestHandler_GenerateThenUnwrap(t *testing.T) {
	router := newTestRouter(t, testConfig(t), nil)

	w := doJSON(t, router, "/v1/keys/generate", map[string]interface{}{
		"passphrase":    testPassphrase,
		"cek_size_bits": 256,
		"header":        map[string]interface{}{"enc": "A128CBC-HS256"},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var gen generateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &gen))
	assert.Equal(t, crypto.AlgorithmPBES2HS256A128KW, gen.Header["alg"])
	assert.Equal(t, "A128CBC-HS256", gen.Header["enc"])
	assert.EqualValues(t, 1000, gen.Header["p2c"])
	assert.NotEmpty(t, gen.Header["p2s"])

	cek, err := base64.RawURLEncoding.DecodeString(gen.CEK)
	require.NoError(t, err)
	assert.Len(t, cek, 32)

	w = doJSON(t, router, "/v1/keys/unwrap", map[string]interface{}{
		"passphrase":    testPassphrase,
		"encrypted_key": gen.EncryptedKey,
		"cek_size_bits": 256,
		"header":        gen.Header,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var unwrapped unwrapResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &unwrapped))
	assert.Equal(t, gen.CEK, unwrapped.CEK)
}

func TestHandler_WrapThenUnwrap(t *testing.T) {
	router := newTestRouter(t, testConfig(t), nil)
	cek := encodeBinary(bytes.Repeat([]byte{0x42}, 32))

	algs := []string{
		crypto.AlgorithmPBES2HS256A128KW,
		crypto.AlgorithmPBES2HS384A192KW,
		crypto.AlgorithmPBES2HS512A256KW,
	}
	for _, alg := range algs {
		t.Run(alg, func(t *testing.T) {
			w := doJSON(t, router, "/v1/keys/wrap", map[string]interface{}{
				"alg":        alg,
				"passphrase": testPassphrase,
				"cek":        cek,
				"header":     map[string]interface{}{"p2c": 2048},
			}, nil)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			var wrapped wrapResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wrapped))
			assert.Equal(t, alg, wrapped.Header["alg"])
			assert.EqualValues(t, 2048, wrapped.Header["p2c"])

			w = doJSON(t, router, "/v1/keys/unwrap", map[string]interface{}{
				"passphrase":    testPassphrase,
				"encrypted_key": wrapped.EncryptedKey,
				"cek_size_bits": 256,
				"header":        wrapped.Header,
			}, nil)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), cek)
		})
	}
}

func TestHandler_AESKeyWrap(t *testing.T) {
	router := newTestRouter(t, testConfig(t), nil)
	kek := encodeBinary(bytes.Repeat([]byte{0x01}, 16))

	w := doJSON(t, router, "/v1/keys/generate", map[string]interface{}{
		"alg":           crypto.AlgorithmA128KW,
		"key":           kek,
		"cek_size_bits": 128,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var gen generateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &gen))
	assert.NotContains(t, gen.Header, "p2c")

	w = doJSON(t, router, "/v1/keys/unwrap", map[string]interface{}{
		"key":           kek,
		"encrypted_key": gen.EncryptedKey,
		"cek_size_bits": 128,
		"header":        gen.Header,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), gen.CEK)
}

// RFC 7517 appendix C: a PBES2-HS256+A128KW encrypted JWK.
func TestHandler_UnwrapKnownAnswer(t *testing.T) {
	router := newTestRouter(t, testConfig(t), nil)

	w := doJSON(t, router, "/v1/keys/unwrap", `{
		"passphrase": "Thus from my lips, by yours, my sin is purged.",
		"encrypted_key": "TrqXOwuNUfDV9VPTNbyGvEJ9JMjefAVn-TR1uIxR9p6hsRQh9Tk7BA",
		"cek_size_bits": 256,
		"header": {
			"alg": "PBES2-HS256+A128KW",
			"p2s": "2WCTcJZ1Rvd_CJuJripQ1w",
			"p2c": 4096,
			"enc": "A128CBC-HS256",
			"cty": "jwk+json"
		}
	}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	expected := []byte{
		111, 27, 25, 52, 66, 29, 20, 78, 92, 176, 56, 240, 65, 208, 82, 112,
		161, 131, 36, 55, 202, 236, 185, 172, 129, 23, 153, 194, 195, 48, 253, 182,
	}
	var resp unwrapResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, encodeBinary(expected), resp.CEK)
}

func TestHandler_Errors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.MaxBodyBytes = 1024
	router := newTestRouter(t, cfg, nil)

	wrapped := map[string]interface{}{
		"passphrase": testPassphrase,
		"cek":        encodeBinary(make([]byte, 16)),
	}
	w := doJSON(t, router, "/v1/keys/wrap", wrapped, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var good wrapResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &good))

	tests := []struct {
		name     string
		path     string
		body     interface{}
		wantCode int
		wantErr  string
	}{
		{
			name:     "malformed json",
			path:     "/v1/keys/wrap",
			body:     `{"passphrase":`,
			wantCode: http.StatusBadRequest,
			wantErr:  "InvalidRequest",
		},
		{
			name:     "unknown field",
			path:     "/v1/keys/wrap",
			body:     `{"passphrase":"x","cek":"AAAA","extra":true}`,
			wantCode: http.StatusBadRequest,
			wantErr:  "InvalidRequest",
		},
		{
			name:     "empty passphrase",
			path:     "/v1/keys/wrap",
			body:     map[string]interface{}{"passphrase": "", "cek": encodeBinary(make([]byte, 16))},
			wantCode: http.StatusBadRequest,
			wantErr:  "InvalidKey",
		},
		{
			name:     "key instead of passphrase",
			path:     "/v1/keys/wrap",
			body:     map[string]interface{}{"key": encodeBinary(make([]byte, 16)), "cek": encodeBinary(make([]byte, 16))},
			wantCode: http.StatusBadRequest,
			wantErr:  "InvalidKey",
		},
		{
			name:     "alg conflict",
			path:     "/v1/keys/wrap",
			body:     map[string]interface{}{"alg": crypto.AlgorithmPBES2HS512A256KW, "passphrase": testPassphrase, "cek": encodeBinary(make([]byte, 16)), "header": map[string]interface{}{"alg": crypto.AlgorithmPBES2HS256A128KW}},
			wantCode: http.StatusBadRequest,
			wantErr:  "InvalidRequest",
		},
		{
			name:     "unsupported algorithm",
			path:     "/v1/keys/wrap",
			body:     map[string]interface{}{"alg": "RSA-OAEP", "passphrase": testPassphrase, "cek": encodeBinary(make([]byte, 16))},
			wantCode: http.StatusBadRequest,
			wantErr:  "UnsupportedAlgorithm",
		},
		{
			name:     "excessive p2c on wrap",
			path:     "/v1/keys/wrap",
			body:     map[string]interface{}{"passphrase": testPassphrase, "cek": encodeBinary(make([]byte, 16)), "header": map[string]interface{}{"p2c": 100001}},
			wantCode: http.StatusBadRequest,
			wantErr:  "InvalidHeaderParameter",
		},
		{
			name:     "bad cek size",
			path:     "/v1/keys/generate",
			body:     map[string]interface{}{"passphrase": testPassphrase, "cek_size_bits": 12},
			wantCode: http.StatusBadRequest,
			wantErr:  "InvalidContentEncryptionKey",
		},
		{
			name:     "unwrap missing alg",
			path:     "/v1/keys/unwrap",
			body:     map[string]interface{}{"passphrase": testPassphrase, "encrypted_key": good.EncryptedKey, "cek_size_bits": 128, "header": map[string]interface{}{}},
			wantCode: http.StatusBadRequest,
			wantErr:  "MissingHeaderParameter",
		},
		{
			name:     "unwrap missing p2s",
			path:     "/v1/keys/unwrap",
			body:     map[string]interface{}{"passphrase": testPassphrase, "encrypted_key": good.EncryptedKey, "cek_size_bits": 128, "header": map[string]interface{}{"alg": good.Header["alg"], "p2c": good.Header["p2c"]}},
			wantCode: http.StatusBadRequest,
			wantErr:  "MissingHeaderParameter",
		},
		{
			name:     "unwrap wrong passphrase",
			path:     "/v1/keys/unwrap",
			body:     map[string]interface{}{"passphrase": "not the passphrase", "encrypted_key": good.EncryptedKey, "cek_size_bits": 128, "header": good.Header},
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  "UnwrapFailed",
		},
		{
			name:     "body too large",
			path:     "/v1/keys/wrap",
			body:     map[string]interface{}{"passphrase": strings.Repeat("a", 2048), "cek": encodeBinary(make([]byte, 16))},
			wantCode: http.StatusRequestEntityTooLarge,
			wantErr:  "RequestTooLarge",
		},
	}

	limited := middleware.BodyLimitMiddleware(cfg.Server.MaxBodyBytes)(router)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, limited, tt.path, tt.body, map[string]string{middleware.HeaderRequestID: "req-123"})
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			apiErr := decodeError(t, w)
			assert.Equal(t, tt.wantErr, apiErr.Code)
			assert.Equal(t, "req-123", apiErr.RequestID)
		})
	}
}

func TestHandler_UnwrapFailureHasNoDetail(t *testing.T) {
	router := newTestRouter(t, testConfig(t), nil)

	w := doJSON(t, router, "/v1/keys/wrap", map[string]interface{}{
		"passphrase": testPassphrase,
		"cek":        encodeBinary(make([]byte, 16)),
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var wrapped wrapResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wrapped))

	raw, err := base64.RawURLEncoding.DecodeString(wrapped.EncryptedKey)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01

	wrongPass := doJSON(t, router, "/v1/keys/unwrap", map[string]interface{}{
		"passphrase": "wrong", "encrypted_key": wrapped.EncryptedKey, "cek_size_bits": 128, "header": wrapped.Header,
	}, nil)
	tampered := doJSON(t, router, "/v1/keys/unwrap", map[string]interface{}{
		"passphrase": testPassphrase, "encrypted_key": encodeBinary(raw), "cek_size_bits": 128, "header": wrapped.Header,
	}, nil)

	assert.Equal(t, http.StatusUnprocessableEntity, wrongPass.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, tampered.Code)
	assert.Equal(t, decodeError(t, wrongPass).Message, decodeError(t, tampered).Message)
}

func TestHandler_AlgorithmNotAllowed(t *testing.T) {
	cfg := testConfig(t)
	cfg.PBES2.AllowedAlgorithms = []string{crypto.AlgorithmPBES2HS256A128KW, crypto.AlgorithmPBES2HS512A256KW}
	router := newTestRouter(t, cfg, nil)

	w := doJSON(t, router, "/v1/keys/wrap", map[string]interface{}{
		"alg":        crypto.AlgorithmPBES2HS384A192KW,
		"passphrase": testPassphrase,
		"cek":        encodeBinary(make([]byte, 16)),
	}, nil)
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	assert.Equal(t, "AlgorithmNotAllowed", decodeError(t, w).Code)

	w = doJSON(t, router, "/v1/keys/generate", map[string]interface{}{
		"alg":           crypto.AlgorithmA128KW,
		"key":           encodeBinary(make([]byte, 16)),
		"cek_size_bits": 128,
	}, nil)
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
}

func TestHandler_ClientPolicy(t *testing.T) {
	dir := t.TempDir()
	policy := `
id: strict
clients:
  - "batch-*"
pbes2:
  default_algorithm: "PBES2-HS512+A256KW"
  default_iterations: 4000
  max_iterations: 5000
  allowed_algorithms:
    - "PBES2-HS512+A256KW"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "strict.yaml"), []byte(policy), 0644))

	cfg := testConfig(t)
	cfg.Policies = []string{filepath.Join(dir, "*.yaml")}
	router := newTestRouter(t, cfg, nil)

	body := map[string]interface{}{
		"passphrase": testPassphrase,
		"cek":        encodeBinary(make([]byte, 32)),
	}

	w := doJSON(t, router, "/v1/keys/wrap", body, map[string]string{middleware.HeaderClientID: "batch-nightly"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var wrapped wrapResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wrapped))
	assert.Equal(t, crypto.AlgorithmPBES2HS512A256KW, wrapped.Header["alg"])
	assert.EqualValues(t, 4000, wrapped.Header["p2c"])

	// Other clients keep the base configuration
	w = doJSON(t, router, "/v1/keys/wrap", body, map[string]string{middleware.HeaderClientID: "web"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wrapped))
	assert.Equal(t, crypto.AlgorithmPBES2HS256A128KW, wrapped.Header["alg"])
	assert.EqualValues(t, 1000, wrapped.Header["p2c"])

	// The policy maximum applies to unwrap as well
	w = doJSON(t, router, "/v1/keys/unwrap", map[string]interface{}{
		"passphrase":    testPassphrase,
		"encrypted_key": wrapped.EncryptedKey,
		"cek_size_bits": 256,
		"header":        map[string]interface{}{"alg": crypto.AlgorithmPBES2HS512A256KW, "p2c": 6000, "p2s": wrapped.Header["p2s"]},
	}, map[string]string{middleware.HeaderClientID: "batch-nightly"})
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Equal(t, "InvalidHeaderParameter", decodeError(t, w).Code)
}

func TestHandler_ListAlgorithms(t *testing.T) {
	cfg := testConfig(t)
	router := newTestRouter(t, cfg, nil)

	req := httptest.NewRequest("GET", "/v1/algorithms", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp algorithmsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, crypto.AlgorithmPBES2HS256A128KW, resp.DefaultAlgorithm)
	assert.Equal(t, 1000, resp.DefaultIterations)
	assert.Equal(t, 100000, resp.MaxIterations)

	byAlg := make(map[string]algorithmInfo)
	for _, a := range resp.Algorithms {
		byAlg[a.Algorithm] = a
	}
	require.Contains(t, byAlg, crypto.AlgorithmPBES2HS384A192KW)
	assert.Equal(t, "PBES2", byAlg[crypto.AlgorithmPBES2HS384A192KW].Family)
	assert.Equal(t, "passphrase", byAlg[crypto.AlgorithmPBES2HS384A192KW].KeyType)
	assert.Equal(t, 192, byAlg[crypto.AlgorithmPBES2HS384A192KW].KEKSizeBits)
	require.Contains(t, byAlg, crypto.AlgorithmA256KW)
	assert.Equal(t, "octet", byAlg[crypto.AlgorithmA256KW].KeyType)
}

func TestHandler_AuditEvents(t *testing.T) {
	auditLogger := audit.NewLogger(100, audit.NewJSONWriter(&bytes.Buffer{}))
	router := newTestRouter(t, testConfig(t), auditLogger)

	w := doJSON(t, router, "/v1/keys/generate", map[string]interface{}{
		"passphrase":    testPassphrase,
		"cek_size_bits": 128,
	}, map[string]string{middleware.HeaderClientID: "svc-a"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, "/v1/keys/unwrap", map[string]interface{}{
		"passphrase":    testPassphrase,
		"encrypted_key": "AAAA",
		"cek_size_bits": 128,
		"header":        map[string]interface{}{"alg": crypto.AlgorithmPBES2HS256A128KW, "p2c": 1000, "p2s": "AAAAAAAAAAAAAAAA"},
	}, map[string]string{middleware.HeaderClientID: "svc-a"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	events := auditLogger.GetEvents()
	require.Len(t, events, 2)

	assert.Equal(t, audit.EventTypeGenerate, events[0].EventType)
	assert.True(t, events[0].Success)
	assert.Equal(t, "svc-a", events[0].Client)
	assert.Equal(t, 1000, events[0].Iterations)
	assert.Equal(t, 128, events[0].CEKSizeBits)

	assert.Equal(t, audit.EventTypeUnwrap, events[1].EventType)
	assert.False(t, events[1].Success)
	assert.NotEmpty(t, events[1].Error)

	// Key material never reaches the audit log
	raw, err := json.Marshal(events)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), testPassphrase)
}

func TestHandler_ReadyRecordsWrittenStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	provider, err := NewRegistryProvider(testConfig(t), logger)
	require.NoError(t, err)

	router := mux.NewRouter()
	NewHandler(provider, logger, metrics.NewMetricsWithRegistry(reg)).RegisterRoutes(router)

	metrics.SetReady(false)
	t.Cleanup(func() { metrics.SetReady(false) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	metrics.SetReady(true)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/ready", nil))
	require.Equal(t, http.StatusOK, w.Code)

	families, err := reg.Gather()
	require.NoError(t, err)
	statuses := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["path"] == "/ready" {
				statuses[labels["status"]] += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, map[string]float64{
		http.StatusText(http.StatusServiceUnavailable): 1,
		http.StatusText(http.StatusOK):                 1,
	}, statuses)
}
