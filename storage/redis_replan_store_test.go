package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/reactor/internal/plan"
)

func TestRedisReplanStoreSaveAndLoad(t *testing.T) {
	client := requireRedis(t)
	defer client.Close()

	store := NewRedisReplanStore(client, DefaultReplanStoreConfig())
	ctx := context.Background()
	requestID := "replan-test-request"
	defer client.Del(ctx, "reactor:replan:"+requestID)

	state := plan.ReplanState{Count: 1, LastFailure: "timeout", LastPlan: "Plan: foo"}
	store.Save(ctx, requestID, state, time.Unix(1700000000, 0))

	snapshot, ok, err := store.Load(ctx, requestID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, requestID, snapshot.RequestID)
	assert.Equal(t, 1, snapshot.Count)
	assert.Equal(t, "timeout", snapshot.LastFailure)
	assert.Equal(t, "Plan: foo", snapshot.LastPlan)
}

func TestRedisReplanStoreLoadMissing(t *testing.T) {
	client := requireRedis(t)
	defer client.Close()

	store := NewRedisReplanStore(client, DefaultReplanStoreConfig())
	_, ok, err := store.Load(context.Background(), "never-saved")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisReplanStoreSaveIgnoresEmptyRequestID(t *testing.T) {
	client := requireRedis(t)
	defer client.Close()

	store := NewRedisReplanStore(client, DefaultReplanStoreConfig())
	store.Save(context.Background(), "", plan.ReplanState{Count: 1}, time.Now())
}
