package crypto

import "io"

const (
	// DefaultPBES2Iterations is the "p2c" used when the header does not carry one.
	DefaultPBES2Iterations = 8192

	// DefaultMaxPBES2Iterations bounds the "p2c" accepted from a header. Tokens are
	// attacker controlled on the unwrap path and every iteration costs CPU.
	DefaultMaxPBES2Iterations = 1000000

	pbes2SaltInputBits = 96
	minSaltInputBytes  = 8
)

// Option configures a key management strategy.
type Option func(*options)

type options struct {
	defaultIterations int
	maxIterations     int
	random            io.Reader
	kdf               KeyDerivationFunc
}

func newOptions(opts []Option) options {
	o := options{
		defaultIterations: DefaultPBES2Iterations,
		maxIterations:     DefaultMaxPBES2Iterations,
		kdf:               PBKDF2,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithDefaultIterations sets the iteration count used when "p2c" is absent on wrap.
func WithDefaultIterations(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.defaultIterations = n
		}
	}
}

// WithMaxIterations sets the largest "p2c" accepted on wrap and unwrap.
func WithMaxIterations(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxIterations = n
		}
	}
}

// WithRandomSource replaces crypto/rand as the source of salts and generated keys.
// Only tests and known-answer checks should need this.
func WithRandomSource(r io.Reader) Option {
	return func(o *options) {
		o.random = r
	}
}

// WithKeyDerivation replaces PBKDF2 as the key derivation function.
func WithKeyDerivation(kdf KeyDerivationFunc) Option {
	return func(o *options) {
		if kdf != nil {
			o.kdf = kdf
		}
	}
}
