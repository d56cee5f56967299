// Package storage provides Redis-backed persistence for trace
// replication and replan snapshots, built on the same client config
// pattern the rest of the engine's Redis components use.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/relaymesh/reactor/core"
	"github.com/relaymesh/reactor/internal/trace"
)

const (
	defaultTraceKeyPrefix = "reactor:trace"
	defaultTraceTTL       = 24 * time.Hour
)

// TraceStoreConfig configures the Redis trace store.
type TraceStoreConfig struct {
	KeyPrefix string
	TTL       time.Duration
	Logger    core.Logger
	Breaker   core.CircuitBreaker
}

// DefaultTraceStoreConfig returns the zero-configuration defaults.
func DefaultTraceStoreConfig() TraceStoreConfig {
	return TraceStoreConfig{
		KeyPrefix: defaultTraceKeyPrefix,
		TTL:       defaultTraceTTL,
		Logger:    core.NoopLogger{},
	}
}

// RedisTraceStore persists a run's trace entries under one key, keyed
// by request id, so a debugging UI can replay a past run's planning
// commentary. It is wired as a trace.SinkFunc: every Add/AddText call
// pushes the new entry onto a Redis list in addition to the in-memory
// collector, so a crash mid-run still leaves a partial trace behind.
type RedisTraceStore struct {
	client *redis.Client
	cfg    TraceStoreConfig
}

// NewRedisTraceStore opens client (expected already connected) under
// cfg.
func NewRedisTraceStore(client *redis.Client, cfg TraceStoreConfig) *RedisTraceStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultTraceKeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTraceTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NoopLogger{}
	}
	return &RedisTraceStore{client: client, cfg: cfg}
}

// Sink returns a trace.SinkFunc that appends every collector entry to
// the run's Redis list under requestID. Failures are logged and
// swallowed: trace replication is best-effort and must never abort the
// run it is observing.
func (s *RedisTraceStore) Sink(ctx context.Context, requestID string) trace.SinkFunc {
	key := s.entriesKey(requestID)
	return func(entry trace.Entry) {
		s.push(ctx, key, entry)
	}
}

func (s *RedisTraceStore) push(ctx context.Context, key string, entry trace.Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		s.cfg.Logger.Warn("trace entry marshal failed", map[string]interface{}{"error": err.Error()})
		return
	}

	op := func() error {
		pipe := s.client.TxPipeline()
		pipe.RPush(ctx, key, data)
		pipe.Expire(ctx, key, s.cfg.TTL)
		_, err := pipe.Exec(ctx)
		return err
	}

	if s.cfg.Breaker != nil {
		if err := s.cfg.Breaker.Execute(ctx, op); err != nil {
			s.cfg.Logger.Warn("trace replication skipped, circuit open", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	if err := op(); err != nil {
		s.cfg.Logger.Warn("trace replication failed", map[string]interface{}{"key": key, "error": err.Error()})
	}
}

// Load returns every replicated entry for requestID in insertion order.
func (s *RedisTraceStore) Load(ctx context.Context, requestID string) ([]trace.Entry, error) {
	key := s.entriesKey(requestID)
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: load trace %s: %w", requestID, err)
	}

	entries := make([]trace.Entry, 0, len(raw))
	for _, item := range raw {
		var e trace.Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisTraceStore) entriesKey(requestID string) string {
	return fmt.Sprintf("%s:%s", s.cfg.KeyPrefix, requestID)
}
