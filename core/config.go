package core

import (
	"os"
	"strconv"
	"time"
)

// Config holds every engine-wide tunable. Defaults are applied first,
// then REACTOR_-prefixed environment variables, then functional options
// passed to NewConfig, in that priority order.
type Config struct {
	MaxIterationLimit int
	MaxParallelism    int
	AgentTimeout      time.Duration
	RedisURL          string
	RedisEnabled      bool
	TraceEventType    string
	LogLevel          string
}

// DefaultConfig returns the baseline configuration before environment
// or option overrides are applied.
func DefaultConfig() *Config {
	return &Config{
		MaxIterationLimit: 10,
		MaxParallelism:    4,
		AgentTimeout:      30 * time.Second,
		RedisURL:          "",
		RedisEnabled:      false,
		TraceEventType:    "planning",
		LogLevel:          "info",
	}
}

// Option mutates a Config during construction.
type Option func(*Config)

func WithMaxIterationLimit(n int) Option {
	return func(c *Config) { c.MaxIterationLimit = n }
}

func WithMaxParallelism(n int) Option {
	return func(c *Config) { c.MaxParallelism = n }
}

func WithAgentTimeout(d time.Duration) Option {
	return func(c *Config) { c.AgentTimeout = d }
}

func WithRedisURL(url string) Option {
	return func(c *Config) {
		c.RedisURL = url
		c.RedisEnabled = url != ""
	}
}

func WithTraceEventType(eventType string) Option {
	return func(c *Config) { c.TraceEventType = eventType }
}

// NewConfig builds a Config from defaults, then REACTOR_* environment
// variables, then the supplied options, in that priority order.
func NewConfig(opts ...Option) *Config {
	c := DefaultConfig()
	applyEnv(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func applyEnv(c *Config) {
	if v, ok := lookupInt("REACTOR_MAX_ITERATION_LIMIT"); ok {
		c.MaxIterationLimit = v
	}
	if v, ok := lookupInt("REACTOR_MAX_PARALLELISM"); ok {
		c.MaxParallelism = v
	}
	if v, ok := lookupDuration("REACTOR_AGENT_TIMEOUT"); ok {
		c.AgentTimeout = v
	}
	if v, ok := os.LookupEnv("REACTOR_REDIS_URL"); ok && v != "" {
		c.RedisURL = v
		c.RedisEnabled = true
	}
	if v, ok := os.LookupEnv("REACTOR_TRACE_EVENT_TYPE"); ok && v != "" {
		c.TraceEventType = v
	}
	if v, ok := os.LookupEnv("REACTOR_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
}

func lookupInt(key string) (int, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupDuration(key string) (time.Duration, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return d, true
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.MaxIterationLimit < 0 {
		return NewFrameworkError("Config.Validate", "config", ErrInvalidConfig).WithID("MaxIterationLimit")
	}
	if c.MaxParallelism <= 0 {
		return NewFrameworkError("Config.Validate", "config", ErrInvalidConfig).WithID("MaxParallelism")
	}
	if c.RedisEnabled && c.RedisURL == "" {
		return NewFrameworkError("Config.Validate", "config", ErrMissingConfig).WithID("RedisURL")
	}
	return nil
}
