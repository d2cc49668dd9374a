package memolock

import (
	"time"

	"github.com/stumble/memolock/internal/coordinator"
)

// TTL is either a fixed duration or a function of the fetched value. In Get, a
// resolved TTL of 0 means "re-fetch every time": the value is published to
// waiters but not stored, so consecutive Gets re-fetch, but concurrent Gets
// still collapse onto a single fetch per burst.
type TTL = coordinator.TTL

// FixedTTL returns a constant TTL.
func FixedTTL(d time.Duration) TTL {
	return TTL{Fixed: d}
}

// PerValueTTL returns a TTL computed from the fetched value.
func PerValueTTL(f func(v any) time.Duration) TTL {
	return TTL{PerVal: f}
}

// ErrorHandler is the sink for best-effort cleanup failures and errors raised
// inside user-supplied callbacks. Defaults to a zerolog-backed logger.
type ErrorHandler func(err error)

// GetOptions configures one Get call. Any zero-valued field takes the documented
// default.
type GetOptions struct {
	// TTL is how long a fetched value stays cached. A resolved TTL of 0 or less
	// skips the SET in Get, the same as CacheIf returning false. Set passes the
	// TTL to Redis unchanged, where 0 stores the value with no expiry.
	TTL TTL

	// LockTimeout is both the lock sentinel's Redis TTL and a waiter's
	// subscription timeout. Defaults to 1 second.
	LockTimeout time.Duration

	// MaxAttempts is the total number of attempts a waiter makes, the first
	// included, before Get gives up. Defaults to 3.
	MaxAttempts int

	// ForceRefresh skips the initial cache read but still participates in the
	// lock protocol.
	ForceRefresh bool

	// Codec overrides the default JSON encode/decode for this call.
	Codec Codec

	// CacheIf, if non-nil, decides whether a successful fetch is stored. When it
	// returns false, the value is still published to waiters, just not SET.
	CacheIf func(v any) bool
}

func (o GetOptions) toInternal(defaultCodec Codec) coordinator.Options {
	codec := o.Codec
	if codec == nil {
		codec = defaultCodec
	}
	return coordinator.Options{
		TTL:          o.TTL,
		LockTimeout:  o.LockTimeout,
		MaxAttempts:  o.MaxAttempts,
		ForceRefresh: o.ForceRefresh,
		Codec:        codecAdapter{codec},
		CacheIf:      o.CacheIf,
	}
}

// codecAdapter lets the public Codec interface satisfy internal/coordinator.Codec
// without the internal package importing the root package (avoiding a cycle).
type codecAdapter struct{ Codec }

// Config is package-level configuration for a Client/CacheService instance.
type Config struct {
	// DefaultCodec is used whenever GetOptions.Codec is unset. Defaults to
	// JSONCodec{}.
	DefaultCodec Codec

	// DefaultLockTimeout/DefaultMaxAttempts seed GetOptions when unset by the
	// caller, before coordinator-level defaults (1s / 3) apply.
	DefaultLockTimeout time.Duration
	DefaultMaxAttempts int

	// ErrorHandler receives best-effort cleanup failures. Defaults to a
	// zerolog-backed logger.
	ErrorHandler ErrorHandler

	// EnableMetrics registers the package's prometheus MetricSet.
	EnableMetrics bool

	// MetricsNamespace prefixes registered metric names (e.g.
	// "<namespace>_outcome_total").
	MetricsNamespace string
}

func (c Config) withDefaults() Config {
	if c.DefaultCodec == nil {
		c.DefaultCodec = JSONCodec{}
	}
	if c.ErrorHandler == nil {
		c.ErrorHandler = func(err error) { defaultErrorHandler(err) }
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = "memolock"
	}
	return c
}

func (c Config) applyDefaults(o GetOptions) GetOptions {
	if o.LockTimeout <= 0 {
		o.LockTimeout = c.DefaultLockTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = c.DefaultMaxAttempts
	}
	return o
}

// Option configures a Config via the functional-options pattern.
type Option func(*Config)

// WithCodec sets the default codec.
func WithCodec(c Codec) Option {
	return func(cfg *Config) { cfg.DefaultCodec = c }
}

// WithLockTimeout sets the default lock timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(cfg *Config) { cfg.DefaultLockTimeout = d }
}

// WithMaxAttempts sets the default max attempts.
func WithMaxAttempts(n int) Option {
	return func(cfg *Config) { cfg.DefaultMaxAttempts = n }
}

// WithErrorHandler sets the error handler.
func WithErrorHandler(h ErrorHandler) Option {
	return func(cfg *Config) { cfg.ErrorHandler = h }
}

// WithMetrics enables prometheus metrics registration under namespace.
func WithMetrics(namespace string) Option {
	return func(cfg *Config) {
		cfg.EnableMetrics = true
		cfg.MetricsNamespace = namespace
	}
}

// NewConfig builds a Config from functional options.
func NewConfig(opts ...Option) Config {
	var c Config
	for _, opt := range opts {
		opt(&c)
	}
	return c.withDefaults()
}
