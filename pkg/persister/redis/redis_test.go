package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/adammck/testrig/pkg/persister/persistertest"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestPersister(t *testing.T) {
	addr := os.Getenv("TESTRIG_REDIS_ADDR")
	if addr == "" {
		t.Skip("TESTRIG_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	key := fmt.Sprintf("testrig-test:%d:ranges", time.Now().UnixNano())
	t.Cleanup(func() {
		client.Del(context.Background(), key)
	})

	persistertest.Run(t, New(client, key))
}
