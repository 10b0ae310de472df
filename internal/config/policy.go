package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ryanuber/go-glob"
	"gopkg.in/yaml.v3"

	"github.com/kenneth/jose-keywrap/internal/crypto"
)

// PolicyConfig holds the structure for a policy file
type PolicyConfig struct {
	ID        string           `yaml:"id"`
	Clients   []string         `yaml:"clients"` // Glob patterns for client identifiers
	PBES2     *PBES2Config     `yaml:"pbes2,omitempty"`
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// PolicyManager manages loading and matching policies
type PolicyManager struct {
	policies []*PolicyConfig
	mu       sync.RWMutex
}

// NewPolicyManager creates a new policy manager
func NewPolicyManager() *PolicyManager {
	return &PolicyManager{
		policies: make([]*PolicyConfig, 0),
	}
}

// LoadPolicies loads policies from the specified file patterns
func (pm *PolicyManager) LoadPolicies(patterns []string) error {
	policies := make([]*PolicyConfig, 0)
	seen := make(map[string]string)

	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
		}

		for _, match := range matches {
			data, err := os.ReadFile(match)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", match, err)
			}

			var policy PolicyConfig
			if err := yaml.Unmarshal(data, &policy); err != nil {
				return fmt.Errorf("failed to parse policy file %s: %w", match, err)
			}

			// Validate policy
			if policy.ID == "" {
				return fmt.Errorf("policy in file %s must have an ID", match)
			}
			if len(policy.Clients) == 0 {
				return fmt.Errorf("policy %s must specify at least one client pattern", policy.ID)
			}
			if prev, ok := seen[policy.ID]; ok {
				return fmt.Errorf("policy %s defined in both %s and %s", policy.ID, prev, match)
			}
			seen[policy.ID] = match
			if err := policy.validate(); err != nil {
				return fmt.Errorf("policy %s: %w", policy.ID, err)
			}

			policies = append(policies, &policy)
		}
	}

	pm.mu.Lock()
	pm.policies = policies
	pm.mu.Unlock()
	return nil
}

func (p *PolicyConfig) validate() error {
	if p.PBES2 == nil {
		return nil
	}
	if alg := p.PBES2.DefaultAlgorithm; alg != "" && !crypto.IsPBES2(alg) {
		return fmt.Errorf("invalid pbes2.default_algorithm: %s", alg)
	}
	if p.PBES2.DefaultIterations < 0 || p.PBES2.MaxIterations < 0 {
		return fmt.Errorf("pbes2 iteration counts must not be negative")
	}
	for _, alg := range p.PBES2.AllowedAlgorithms {
		if !crypto.IsPBES2(alg) && !crypto.IsAESKeyWrap(alg) {
			return fmt.Errorf("invalid entry in pbes2.allowed_algorithms: %s", alg)
		}
	}
	return nil
}

// GetPolicyForClient returns the first matching policy for the given client
func (pm *PolicyManager) GetPolicyForClient(client string) *PolicyConfig {
	if client == "" {
		return nil
	}

	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, policy := range pm.policies {
		for _, pattern := range policy.Clients {
			if glob.Glob(pattern, client) {
				return policy
			}
		}
	}
	return nil
}

// Policies returns the loaded policies in file order.
func (pm *PolicyManager) Policies() []*PolicyConfig {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return append([]*PolicyConfig(nil), pm.policies...)
}

// ApplyToConfig applies policy overrides to a copy of the base configuration.
// Zero valued policy fields keep the base value.
func (p *PolicyConfig) ApplyToConfig(base *Config) (*Config, error) {
	newConfig := base.Clone()

	if p.PBES2 != nil {
		pbes2 := newConfig.PBES2
		if p.PBES2.DefaultAlgorithm != "" {
			pbes2.DefaultAlgorithm = p.PBES2.DefaultAlgorithm
		}
		if p.PBES2.DefaultIterations > 0 {
			pbes2.DefaultIterations = p.PBES2.DefaultIterations
		}
		if p.PBES2.MaxIterations > 0 {
			pbes2.MaxIterations = p.PBES2.MaxIterations
		}
		if len(p.PBES2.AllowedAlgorithms) > 0 {
			pbes2.AllowedAlgorithms = append([]string(nil), p.PBES2.AllowedAlgorithms...)
		}
		newConfig.PBES2 = pbes2
	}

	if p.RateLimit != nil {
		newConfig.RateLimit = *p.RateLimit
	}

	// A policy must not lift max_iterations below its own default
	if err := newConfig.Validate(); err != nil {
		return nil, fmt.Errorf("policy %s produces an invalid configuration: %w", p.ID, err)
	}
	return newConfig, nil
}
