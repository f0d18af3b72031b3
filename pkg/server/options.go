package server

import (
	"log/slog"
	"time"

	"github.com/tinycloudlabs/tinycloud-node/pkg/dispatch"
	"github.com/tinycloudlabs/tinycloud-node/pkg/eventlog"
	"github.com/tinycloudlabs/tinycloud-node/pkg/hostkey"
)

// Config holds server configuration.
type Config struct {
	EventLog   *eventlog.Log
	Dispatcher *dispatch.Dispatcher
	HostKeys   *hostkey.Deriver
	Logger     *slog.Logger
	// MaxInflight bounds concurrent requests; excess is rejected with a
	// transient error rather than buffered unbounded.
	MaxInflight int64
	// RequestTimeout is the per-invocation deadline.
	RequestTimeout time.Duration
	// MaxBodyBytes caps uploaded invocation bodies.
	MaxBodyBytes int64
}

// Option configures the server.
type Option func(*Config)

// WithEventLog sets the event log.
func WithEventLog(l *eventlog.Log) Option {
	return func(c *Config) {
		c.EventLog = l
	}
}

// WithDispatcher sets the invocation dispatcher.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(c *Config) {
		c.Dispatcher = d
	}
}

// WithHostKeys sets the space host-key deriver.
func WithHostKeys(hk *hostkey.Deriver) Option {
	return func(c *Config) {
		c.HostKeys = hk
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMaxInflight bounds concurrent requests.
func WithMaxInflight(n int64) Option {
	return func(c *Config) {
		c.MaxInflight = n
	}
}

// WithRequestTimeout sets the per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

func applyOptions(opts ...Option) *Config {
	cfg := &Config{
		MaxInflight:    256,
		RequestTimeout: 10 * time.Second,
		MaxBodyBytes:   64 << 20,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
