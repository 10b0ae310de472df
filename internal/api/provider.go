package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/jose-keywrap/internal/config"
	"github.com/kenneth/jose-keywrap/internal/crypto"
)

// KeyPolicy is the key management setup applied to one request.
type KeyPolicy struct {
	PolicyID          string
	Registry          *crypto.Registry
	DefaultAlgorithm  string
	DefaultIterations int
	MaxIterations     int
	RateLimit         *config.RateLimitConfig // set only when a policy overrides it
}

// Allowed reports whether alg may be used under this policy.
func (p *KeyPolicy) Allowed(alg string) bool {
	_, err := p.Registry.Lookup(alg)
	return err == nil
}

// RegistryProvider builds key management registries from configuration, one for
// the base configuration and one per client policy, and swaps them on reload.
type RegistryProvider struct {
	mu       sync.RWMutex
	base     *KeyPolicy
	byPolicy map[string]*KeyPolicy
	policies *config.PolicyManager
	logger   *logrus.Logger
}

// NewRegistryProvider builds the registries for cfg and loads its policy files.
func NewRegistryProvider(cfg *config.Config, logger *logrus.Logger) (*RegistryProvider, error) {
	p := &RegistryProvider{
		policies: config.NewPolicyManager(),
		logger:   logger,
	}
	if err := p.Update(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// Update rebuilds every registry from cfg. On error the previous registries stay active.
func (p *RegistryProvider) Update(cfg *config.Config) error {
	policies := config.NewPolicyManager()
	if len(cfg.Policies) > 0 {
		if err := policies.LoadPolicies(cfg.Policies); err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
	}

	base := buildKeyPolicy("", cfg)
	byPolicy := make(map[string]*KeyPolicy)
	for _, pol := range policies.Policies() {
		effective, err := pol.ApplyToConfig(cfg)
		if err != nil {
			return err
		}
		kp := buildKeyPolicy(pol.ID, effective)
		if pol.RateLimit != nil {
			rl := effective.RateLimit
			kp.RateLimit = &rl
		}
		byPolicy[pol.ID] = kp
	}

	p.mu.Lock()
	p.base = base
	p.byPolicy = byPolicy
	p.policies = policies
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"default_algorithm":  base.DefaultAlgorithm,
		"default_iterations": base.DefaultIterations,
		"max_iterations":     base.MaxIterations,
		"algorithms":         base.Registry.Algorithms(),
		"policies":           len(byPolicy),
	}).Info("Key management registry configured")
	return nil
}

// Resolve returns the policy for client, falling back to the base configuration.
func (p *RegistryProvider) Resolve(client string) *KeyPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if pol := p.policies.GetPolicyForClient(client); pol != nil {
		if kp, ok := p.byPolicy[pol.ID]; ok {
			return kp
		}
	}
	return p.base
}

// RateLimitFor returns the rate limit of the policy matching client. It has the
// middleware.LimitResolver signature.
func (p *RegistryProvider) RateLimitFor(client string) (int, time.Duration, bool) {
	kp := p.Resolve(client)
	if kp.RateLimit == nil || !kp.RateLimit.Enabled {
		return 0, 0, false
	}
	return kp.RateLimit.Limit, kp.RateLimit.Window, true
}

func buildKeyPolicy(id string, cfg *config.Config) *KeyPolicy {
	registry := crypto.DefaultRegistry(cfg.PBES2.KeyManagementOptions()...)
	return &KeyPolicy{
		PolicyID:          id,
		Registry:          registry.Restrict(cfg.PBES2.AllowedAlgorithms),
		DefaultAlgorithm:  cfg.PBES2.DefaultAlgorithm,
		DefaultIterations: cfg.PBES2.DefaultIterations,
		MaxIterations:     cfg.PBES2.MaxIterations,
	}
}
