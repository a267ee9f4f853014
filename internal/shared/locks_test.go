package shared

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, ttl), mr
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	locker, mr := newTestLocker(t, 150*time.Millisecond)
	key := SaleReturnsLockKey(1, 42)
	require.Equal(t, "pos:store:1:sale:42:returns:lock", key)

	release, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	require.True(t, mr.Exists(key))

	_, err = locker.Acquire(context.Background(), key)
	require.ErrorIs(t, err, ErrLockHeld)

	release()
	require.False(t, mr.Exists(key))

	release, err = locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	release()
}

func TestRedisLockerReleaseKeepsForeignLock(t *testing.T) {
	locker, mr := newTestLocker(t, time.Second)
	key := SaleReturnsLockKey(1, 7)

	release, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)

	// the lock expired and someone else took it
	require.NoError(t, mr.Set(key, "other-holder"))
	release()

	got, err := mr.Get(key)
	require.NoError(t, err)
	require.Equal(t, "other-holder", got)
}

func TestRedisLockerHonoursContext(t *testing.T) {
	locker, _ := newTestLocker(t, 5*time.Second)
	key := SaleReturnsLockKey(2, 1)
	release, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, key)
	require.Error(t, err)
}

func TestNilRedisLockerIsNoop(t *testing.T) {
	var locker *RedisLocker
	release, err := locker.Acquire(context.Background(), "k")
	require.NoError(t, err)
	release()
}

func TestLocalLockerSerializesKey(t *testing.T) {
	locker := NewLocalLocker(50 * time.Millisecond)
	key := SaleReturnsLockKey(1, 7)

	release, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)

	_, err = locker.Acquire(context.Background(), key)
	require.ErrorIs(t, err, ErrLockHeld)

	other, err := locker.Acquire(context.Background(), SaleReturnsLockKey(1, 8))
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	again()
}

func TestLocalLockerWaitsForRelease(t *testing.T) {
	locker := NewLocalLocker(time.Second)
	key := SaleReturnsLockKey(1, 7)
	release, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		next, err := locker.Acquire(context.Background(), key)
		if err == nil {
			next()
		}
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	release()
	require.NoError(t, <-errs)

	hold, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	defer hold()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = locker.Acquire(ctx, key)
	require.ErrorIs(t, err, context.Canceled)
}
