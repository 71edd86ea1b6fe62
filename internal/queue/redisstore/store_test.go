package redisstore

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/cuongbtq/jobq/internal/domain"
	"github.com/cuongbtq/jobq/internal/queue"
	"github.com/cuongbtq/jobq/internal/queue/queuetest"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests need a disposable Redis, e.g. JOBQ_TEST_REDIS_ADDR=localhost:6379
func redisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("JOBQ_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("JOBQ_TEST_REDIS_ADDR not set")
	}
	return addr
}

func newRedisStore(t *testing.T, clock queue.Clock) queue.Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: redisAddr(t)})
	prefix := "jobqtest:" + uuid.NewString()

	t.Cleanup(func() {
		cleanup := redis.NewClient(&redis.Options{Addr: redisAddr(t)})
		defer cleanup.Close()
		ctx := context.Background()
		iter := cleanup.Scan(ctx, 0, "{"+prefix+"}:*", 100).Iterator()
		for iter.Next(ctx) {
			cleanup.Del(ctx, iter.Val())
		}
	})

	return New(client, WithPrefix(prefix), WithClock(clock))
}

func TestStore_RedisConformance(t *testing.T) {
	redisAddr(t)
	queuetest.Run(t, newRedisStore)
}

func TestKeys(t *testing.T) {
	k := keys{prefix: DefaultPrefix}
	assert.Equal(t, "{jobq}:job:abc", k.job("abc"))
	assert.Equal(t, "{jobq}:queue:default:pending", k.pending("default"))
	assert.Equal(t, "{jobq}:queue:default:leased", k.leased("default"))
	assert.Equal(t, "{jobq}:queue:default:finished", k.finished("default"))
	assert.Equal(t, "{jobq}:queues", k.queues())
}

// hashTag returns the part of key Redis Cluster hashes
func hashTag(key string) string {
	open := strings.IndexByte(key, '{')
	if open < 0 {
		return key
	}
	end := strings.IndexByte(key[open+1:], '}')
	if end <= 0 {
		return key
	}
	return key[open+1 : open+1+end]
}

func TestKeys_ShareOneClusterSlot(t *testing.T) {
	k := keys{prefix: "tenant-a"}
	all := []string{
		k.job("0b9c"),
		k.jobPrefix() + "id-from-script",
		k.pending("emails"),
		k.leased("emails"),
		k.finished("reports"),
		k.queues(),
	}
	for _, key := range all {
		assert.Equal(t, "tenant-a", hashTag(key), key)
	}
}

func TestParseJob(t *testing.T) {
	job, err := parseJob(map[string]string{
		"id":               "a",
		"queue":            "default",
		"callable":         "say",
		"payload":          "x\x9c",
		"status":           "Leased",
		"attempts":         "1",
		"max_attempts":     "3",
		"lease_owner":      "w1",
		"lease_expires_at": "1709294400000000000",
		"cancel_requested": "1",
		"created_at":       "1709294390000000000",
	})
	require.NoError(t, err)
	assert.Equal(t, "a", job.ID)
	assert.Equal(t, []byte("x\x9c"), job.Payload)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.True(t, job.CancelRequested)
	assert.Equal(t, int64(1709294400000000000), job.LeaseExpiresAt.UnixNano())
	assert.True(t, job.FinishedAt.IsZero())
	assert.Nil(t, job.Result)

	_, err = parseJob(map[string]string{"id": "b", "status": "RUNNING"})
	assert.Error(t, err)
}

func TestLeaseResult(t *testing.T) {
	assert.NoError(t, leaseResult("OK"))
	assert.ErrorIs(t, leaseResult("NOT_FOUND"), domain.ErrJobNotFound)
	assert.ErrorIs(t, leaseResult("NOT_LEASED"), domain.ErrNotLeased)
	assert.ErrorIs(t, leaseResult("PENDING"), domain.ErrLeaseExpired)
	assert.ErrorIs(t, leaseResult("EXPIRED"), domain.ErrLeaseExpired)
}
