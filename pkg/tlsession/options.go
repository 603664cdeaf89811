package tlsession

import (
	"log/slog"

	"golang.org/x/time/rate"
)

type options struct {
	logger       *slog.Logger
	sharedConfig *Config
	maxRetries   int
	limiter      *rate.Limiter
}

// Option configures a Config, Client or Server.
type Option func(*options)

func resolveOptions(opts ...Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithSharedConfig attaches an already built Config instead of building one
// from the settings passed to NewClient or NewServer. The context does not
// release a shared Config; its owner must.
func WithSharedConfig(cfg *Config) Option {
	return func(o *options) {
		o.sharedConfig = cfg
	}
}

// WithMaxRetries bounds the number of retry signals a single operation may
// absorb before failing with ErrRetryLimitExceeded. Zero means unbounded.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

// WithRetryLimiter paces retries through limiter. By default retries are
// issued immediately.
func WithRetryLimiter(limiter *rate.Limiter) Option {
	return func(o *options) {
		o.limiter = limiter
	}
}
