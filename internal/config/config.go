// Package config holds the library's tunables: worker pool size, the
// allocation-triggered collection policy, and the ambient logging level.
// Layered the way a well-behaved command-line tool layers configuration —
// hard defaults, functional options for programmatic overrides, then
// environment variables as the final, highest-priority layer so a
// deployment can retune a running binary without a recompile.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the fully resolved configuration a Heap is built from.
type Config struct {
	// WorkerCount is how many goroutines a mark phase runs concurrently.
	WorkerCount int

	// LogLevel is a zapcore level name: "debug", "info", "warn", "error".
	LogLevel string

	// YoungThresholdBytes/OldThresholdBytes/MinorsPerMajor mirror
	// coord.Policy; kept as plain fields here so this package does not
	// need to import internal/coord, which would invert the dependency
	// direction the root package relies on.
	YoungThresholdBytes int64
	OldThresholdBytes   int64
	MinorsPerMajor      int

	// PromotionThreshold is how many consecutive minor cycles a young page
	// must survive before being promoted to the old generation.
	PromotionThreshold int

	// SATBLocalCap/SATBGlobalCap size the SATB pre-write barrier's
	// thread-local and global overflow buffers.
	SATBLocalCap  int
	SATBGlobalCap int

	// FinalizerQueueCapacity bounds the background finalizer runner's
	// buffered channel before finalization falls back to running
	// synchronously on the sweeping goroutine.
	FinalizerQueueCapacity int
}

// Default returns the library's out-of-the-box configuration.
func Default() Config {
	return Config{
		WorkerCount:            4,
		LogLevel:               "info",
		YoungThresholdBytes:    4 << 20,
		OldThresholdBytes:      32 << 20,
		MinorsPerMajor:         8,
		PromotionThreshold:     2,
		SATBLocalCap:           64,
		SATBGlobalCap:          4096,
		FinalizerQueueCapacity: 1024,
	}
}

// Option customizes a Config built by New.
type Option func(*Config)

func WithWorkerCount(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.WorkerCount = n
		}
	}
}

func WithLogLevel(level string) Option {
	return func(c *Config) { c.LogLevel = level }
}

func WithYoungThresholdBytes(n int64) Option {
	return func(c *Config) {
		if n > 0 {
			c.YoungThresholdBytes = n
		}
	}
}

func WithOldThresholdBytes(n int64) Option {
	return func(c *Config) {
		if n > 0 {
			c.OldThresholdBytes = n
		}
	}
}

func WithMinorsPerMajor(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MinorsPerMajor = n
		}
	}
}

func WithPromotionThreshold(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.PromotionThreshold = n
		}
	}
}

// New builds a Config from the library defaults, applies opts in order,
// then applies any PINHEAP_* environment variables found: code defaults <
// explicit options < environment.
func New(opts ...Option) (Config, error) {
	c := Default()
	for _, opt := range opts {
		opt(&c)
	}
	if err := applyEnv(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// envInt and envInt64 parse an environment variable if present, leaving
// dst untouched (and returning a wrapped error naming the variable) if the
// value fails to parse.
func envInt(name string, dst *int) error {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("config: parsing %s=%q: %w", name, raw, err)
	}
	*dst = n
	return nil
}

func envInt64(name string, dst *int64) error {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("config: parsing %s=%q: %w", name, raw, err)
	}
	*dst = n
	return nil
}

func applyEnv(c *Config) error {
	if raw, ok := os.LookupEnv("PINHEAP_LOG_LEVEL"); ok && raw != "" {
		c.LogLevel = raw
	}
	for _, step := range []func() error{
		func() error { return envInt("PINHEAP_WORKERS", &c.WorkerCount) },
		func() error { return envInt64("PINHEAP_YOUNG_THRESHOLD_BYTES", &c.YoungThresholdBytes) },
		func() error { return envInt64("PINHEAP_OLD_THRESHOLD_BYTES", &c.OldThresholdBytes) },
		func() error { return envInt("PINHEAP_MINORS_PER_MAJOR", &c.MinorsPerMajor) },
		func() error { return envInt("PINHEAP_PROMOTION_THRESHOLD", &c.PromotionThreshold) },
		func() error { return envInt("PINHEAP_SATB_LOCAL_CAP", &c.SATBLocalCap) },
		func() error { return envInt("PINHEAP_SATB_GLOBAL_CAP", &c.SATBGlobalCap) },
		func() error { return envInt("PINHEAP_FINALIZER_QUEUE_CAPACITY", &c.FinalizerQueueCapacity) },
	} {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
