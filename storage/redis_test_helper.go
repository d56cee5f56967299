package storage

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// requireRedis skips the test unless a Redis instance answers on
// localhost:6379. Both store constructors accept an already-connected
// client rather than dialing themselves, so tests exercise the exact
// client a production caller would hand in.
func requireRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis test in short mode")
	}
	conn, err := net.DialTimeout("tcp", "localhost:6379", 500*time.Millisecond)
	if err != nil {
		t.Skip("redis not available at localhost:6379")
	}
	conn.Close()

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not responsive: %v", err)
	}
	return client
}
