// Package stream implements the bounded-concurrency streaming engine:
// a single-threaded cooperative driver that pulls a lazy input
// sequence, fans items out to supervised workers up to a concurrency
// cap, and feeds a reducer strictly in input order regardless of
// completion order.
package stream

import (
	"fmt"
	"runtime"
	"time"

	"github.com/lguimbarda/taskflow/task/supervise"
)

// DefaultTimeout is the default session await bound: the maximum time
// the driver waits for the next relay notification.
const DefaultTimeout = 5 * time.Second

// Config is the resolved configuration of one streaming session.
type Config struct {
	// MaxConcurrency caps how many workers run simultaneously.
	// Defaults to runtime.NumCPU(). Must be positive.
	MaxConcurrency int

	// Timeout bounds each wait for a relay notification. A timeout is
	// fatal to the whole operation, not a per-item skip. Must be
	// positive unless Unbounded is set.
	Timeout time.Duration

	// Unbounded disables the session timeout.
	Unbounded bool

	// Mode is the supervision relationship between the driver and its
	// workers. Defaults to Monitor, where worker failures surface to
	// the reducer as data. Link makes worker crashes fate-shared with
	// the driver.
	Mode supervise.Mode

	// Spawner is the worker-spawning strategy. Defaults to
	// supervise.GoSpawner.
	Spawner supervise.Spawner

	// Reporter receives diagnostic records for worker crashes.
	Reporter supervise.Reporter
}

// Option configures a streaming session.
type Option func(*Config)

// WithMaxConcurrency caps the number of simultaneously running
// workers.
func WithMaxConcurrency(n int) Option {
	return func(c *Config) {
		c.MaxConcurrency = n
	}
}

// WithTimeout sets the session await bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
		c.Unbounded = false
	}
}

// WithUnboundedTimeout disables the session await bound.
func WithUnboundedTimeout() Option {
	return func(c *Config) {
		c.Unbounded = true
	}
}

// WithMode sets the supervision relationship for spawned workers.
func WithMode(m supervise.Mode) Option {
	return func(c *Config) {
		c.Mode = m
	}
}

// WithSpawner substitutes the worker-spawning strategy.
func WithSpawner(sp supervise.Spawner) Option {
	return func(c *Config) {
		if sp != nil {
			c.Spawner = sp
		}
	}
}

// WithReporter routes worker crash diagnostics to rep.
func WithReporter(rep supervise.Reporter) Option {
	return func(c *Config) {
		c.Reporter = rep
	}
}

// applyOptions resolves and validates a session configuration.
// Invalid configuration is rejected here, before any worker spawns.
func applyOptions(opts []Option) (Config, error) {
	cfg := Config{
		MaxConcurrency: runtime.NumCPU(),
		Timeout:        DefaultTimeout,
		Mode:           supervise.Monitor,
		Spawner:        supervise.GoSpawner{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxConcurrency < 1 {
		return cfg, fmt.Errorf("stream: max concurrency must be positive, got %d", cfg.MaxConcurrency)
	}
	if !cfg.Unbounded && cfg.Timeout <= 0 {
		return cfg, fmt.Errorf("stream: timeout must be positive, got %v", cfg.Timeout)
	}
	return cfg, nil
}
