package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/relaymesh/reactor/core"
	"github.com/relaymesh/reactor/internal/plan"
)

const (
	defaultReplanKeyPrefix = "reactor:replan"
	defaultReplanTTL       = 24 * time.Hour
)

// ReplanSnapshot is the durable shape the replan store persists: enough
// to reconstruct why a run replanned, without the full execution state.
type ReplanSnapshot struct {
	RequestID   string          `json:"request_id"`
	Count       int             `json:"count"`
	LastFailure string          `json:"last_failure"`
	LastPlan    string          `json:"last_plan"`
	LastResults json.RawMessage `json:"last_results,omitempty"`
	SavedAt     time.Time       `json:"saved_at"`
}

// ReplanStoreConfig configures the Redis replan store.
type ReplanStoreConfig struct {
	KeyPrefix string
	TTL       time.Duration
	Logger    core.Logger
	Breaker   core.CircuitBreaker
}

// DefaultReplanStoreConfig returns the zero-configuration defaults.
func DefaultReplanStoreConfig() ReplanStoreConfig {
	return ReplanStoreConfig{
		KeyPrefix: defaultReplanKeyPrefix,
		TTL:       defaultReplanTTL,
		Logger:    core.NoopLogger{},
	}
}

// RedisReplanStore keeps the most recent replan snapshot for a request
// id, letting an operator inspect why a run needed a replan cycle (or
// exhausted its ceiling) after the fact. Every Save overwrites the
// previous snapshot for the same request id; only the latest attempt
// matters for debugging a stuck run.
type RedisReplanStore struct {
	client *redis.Client
	cfg    ReplanStoreConfig
}

// NewRedisReplanStore opens client (expected already connected) under
// cfg.
func NewRedisReplanStore(client *redis.Client, cfg ReplanStoreConfig) *RedisReplanStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultReplanKeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultReplanTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NoopLogger{}
	}
	return &RedisReplanStore{client: client, cfg: cfg}
}

// Save persists state as the latest replan snapshot for requestID.
// Persistence is best-effort: a Redis failure is logged, never
// propagated, since a stuck debugging write must not abort the run it
// is observing.
func (s *RedisReplanStore) Save(ctx context.Context, requestID string, state plan.ReplanState, savedAt time.Time) {
	if requestID == "" {
		return
	}

	snapshot := ReplanSnapshot{
		RequestID:   requestID,
		Count:       state.Count,
		LastFailure: state.LastFailure,
		LastPlan:    state.LastPlan,
		LastResults: state.LastResults,
		SavedAt:     savedAt,
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		s.cfg.Logger.ErrorWithContext(ctx, "replan snapshot marshal failed", map[string]interface{}{"request_id": requestID, "error": err.Error()})
		return
	}

	key := s.key(requestID)
	op := func() error {
		return s.client.Set(ctx, key, data, s.cfg.TTL).Err()
	}

	if s.cfg.Breaker != nil {
		if err := s.cfg.Breaker.Execute(ctx, op); err != nil {
			s.cfg.Logger.WarnWithContext(ctx, "replan snapshot not saved, circuit open", map[string]interface{}{"request_id": requestID, "error": err.Error()})
		}
		return
	}
	if err := op(); err != nil {
		s.cfg.Logger.ErrorWithContext(ctx, "replan snapshot save failed", map[string]interface{}{"request_id": requestID, "error": err.Error()})
	}
}

// Load returns the latest replan snapshot for requestID, or ok=false if
// none was ever saved.
func (s *RedisReplanStore) Load(ctx context.Context, requestID string) (ReplanSnapshot, bool, error) {
	key := s.key(requestID)
	data, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return ReplanSnapshot{}, false, nil
		}
		return ReplanSnapshot{}, false, fmt.Errorf("storage: load replan snapshot %s: %w", requestID, err)
	}

	var snapshot ReplanSnapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return ReplanSnapshot{}, false, fmt.Errorf("storage: unmarshal replan snapshot %s: %w", requestID, err)
	}
	return snapshot, true, nil
}

func (s *RedisReplanStore) key(requestID string) string {
	return fmt.Sprintf("%s:%s", s.cfg.KeyPrefix, requestID)
}
