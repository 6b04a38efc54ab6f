package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLockerWithClient(client, "custodian"), mr
}

func TestRedisLocker_TryLock(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLocker(t)

	unlock, ok, err := l.TryLock(ctx, "rotate", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("custodian:lock:rotate"))

	_, ok, err = l.TryLock(ctx, "rotate", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lock must not be acquired twice")

	_, ok, err = l.TryLock(ctx, "purge", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "different names are independent")

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("custodian:lock:rotate"))

	_, ok, err = l.TryLock(ctx, "rotate", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_ExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLocker(t)

	staleUnlock, ok, err := l.TryLock(ctx, "rotate", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = l.TryLock(ctx, "rotate", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, staleUnlock(ctx))
	assert.True(t, mr.Exists("custodian:lock:rotate"), "new holder keeps the lock")
}

func TestRedisLocker_InvalidTTL(t *testing.T) {
	l, _ := newTestLocker(t)

	_, ok, err := l.TryLock(context.Background(), "rotate", 0)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestRedisLocker_ServerDown(t *testing.T) {
	l, mr := newTestLocker(t)
	mr.Close()

	_, ok, err := l.TryLock(context.Background(), "rotate", time.Minute)
	assert.ErrorContains(t, err, "failed to acquire lock rotate")
	assert.False(t, ok)
}

func TestRedisLocker_Key(t *testing.T) {
	assert.Equal(t, "lock:x", (&RedisLocker{}).key("x"))
	assert.Equal(t, "p:lock:x", (&RedisLocker{keyPrefix: "p"}).key("x"))
}

func TestNewRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)

	l, err := NewRedisLocker(context.Background(), mr.Addr(), "", 0, "custodian")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	_, ok, err := l.TryLock(context.Background(), "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
