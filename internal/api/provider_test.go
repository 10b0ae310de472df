package api

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/jose-keywrap/internal/crypto"
)

func writePolicy(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestRegistryProvider_Resolve(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "a.yaml", `
id: tenant-a
clients: ["tenant-a-*"]
pbes2:
  default_algorithm: "PBES2-HS384+A192KW"
rate_limit:
  enabled: true
  limit: 7
  window: 10s
`)

	cfg := testConfig(t)
	cfg.Policies = []string{filepath.Join(dir, "*.yaml")}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	p, err := NewRegistryProvider(cfg, logger)
	require.NoError(t, err)

	base := p.Resolve("")
	assert.Equal(t, "", base.PolicyID)
	assert.Equal(t, crypto.AlgorithmPBES2HS256A128KW, base.DefaultAlgorithm)
	assert.Nil(t, base.RateLimit)

	pol := p.Resolve("tenant-a-web")
	assert.Equal(t, "tenant-a", pol.PolicyID)
	assert.Equal(t, crypto.AlgorithmPBES2HS384A192KW, pol.DefaultAlgorithm)
	assert.Equal(t, 1000, pol.DefaultIterations)
	assert.True(t, pol.Allowed(crypto.AlgorithmA256KW))

	limit, window, ok := p.RateLimitFor("tenant-a-web")
	assert.True(t, ok)
	assert.Equal(t, 7, limit)
	assert.Equal(t, 10*time.Second, window)

	_, _, ok = p.RateLimitFor("tenant-b")
	assert.False(t, ok)
}

func TestRegistryProvider_UpdateKeepsPreviousOnError(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg := testConfig(t)

	p, err := NewRegistryProvider(cfg, logger)
	require.NoError(t, err)

	dir := t.TempDir()
	writePolicy(t, dir, "bad.yaml", "clients: [\"x\"]\n")
	next := cfg.Clone()
	next.PBES2.DefaultIterations = 2000
	next.Policies = []string{filepath.Join(dir, "*.yaml")}

	require.Error(t, p.Update(next))
	assert.Equal(t, 1000, p.Resolve("x").DefaultIterations)

	next.Policies = nil
	require.NoError(t, p.Update(next))
	assert.Equal(t, 2000, p.Resolve("x").DefaultIterations)
}

func TestKeyPolicy_Allowed(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg := testConfig(t)
	cfg.PBES2.AllowedAlgorithms = []string{crypto.AlgorithmPBES2HS256A128KW}

	p, err := NewRegistryProvider(cfg, logger)
	require.NoError(t, err)

	kp := p.Resolve("")
	assert.True(t, kp.Allowed(crypto.AlgorithmPBES2HS256A128KW))
	assert.False(t, kp.Allowed(crypto.AlgorithmPBES2HS512A256KW))
	assert.False(t, kp.Allowed(crypto.AlgorithmA128KW))
	assert.Equal(t, []string{crypto.AlgorithmPBES2HS256A128KW}, kp.Registry.Algorithms())
}
