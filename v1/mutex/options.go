package mutex

import (
	"log/slog"

	"github.com/mirkobrombin/go-mutex/v1/retry"
)

// DefaultPrefix namespaces lock keys when no prefix is configured.
const DefaultPrefix = "lock"

type config struct {
	logger  *slog.Logger
	tracing bool
	prefix  string
	retry   []retry.Option
}

// Option configures mutexes and spinlocks.
type Option func(*config)

// WithLogger sets the logger used for lock lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracing enables OpenTelemetry spans around critical sections.
func WithTracing() Option {
	return func(c *config) {
		c.tracing = true
	}
}

// WithPrefix sets the namespace prepended to lock names.
func WithPrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = prefix
	}
}

// WithRetry tunes the backoff of spinning locks.
func WithRetry(opts ...retry.Option) Option {
	return func(c *config) {
		c.retry = append(c.retry, opts...)
	}
}

func newConfig(opts []Option) config {
	c := config{logger: slog.Default(), prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
