package crypto

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps "alg" identifiers to key management strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]KeyManagement
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]KeyManagement)}
}

// DefaultRegistry returns a registry with the PBES2 and AES Key Wrap strategies.
// The options apply to every registered strategy.
func DefaultRegistry(opts ...Option) *Registry {
	r := NewRegistry()
	for _, v := range []struct {
		pbes2, kw string
		bits      int
	}{
		{AlgorithmPBES2HS256A128KW, AlgorithmA128KW, 128},
		{AlgorithmPBES2HS384A192KW, AlgorithmA192KW, 192},
		{AlgorithmPBES2HS512A256KW, AlgorithmA256KW, 256},
	} {
		kw := NewAESKeyWrapManagement(v.bits, opts...)
		r.Register(v.kw, kw)
		r.Register(v.pbes2, NewPBES2KeyManagement(v.bits, kw.Cipher(), opts...))
	}
	return r
}

// Register adds or replaces the strategy for alg.
func (r *Registry) Register(alg string, km KeyManagement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[alg] = km
}

// Lookup returns the strategy registered for alg.
func (r *Registry) Lookup(alg string) (KeyManagement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	km, ok := r.strategies[alg]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	return km, nil
}

// Algorithms returns the registered identifiers in sorted order.
func (r *Registry) Algorithms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	algs := make([]string, 0, len(r.strategies))
	for alg := range r.strategies {
		algs = append(algs, alg)
	}
	sort.Strings(algs)
	return algs
}

// Restrict returns a registry holding only the strategies for algs. Identifiers
// that are not registered are ignored. An empty list returns a copy of r.
func (r *Registry) Restrict(algs []string) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := NewRegistry()
	if len(algs) == 0 {
		for alg, km := range r.strategies {
			out.strategies[alg] = km
		}
		return out
	}
	for _, alg := range algs {
		if km, ok := r.strategies[alg]; ok {
			out.strategies[alg] = km
		}
	}
	return out
}
