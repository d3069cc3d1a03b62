package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chatflow/pkg/schema"
)

func newRedisProvider(t *testing.T) (*RedisProvider, *miniredis.Miniredis) {
	return newRedisProviderTTL(t, 3*time.Second)
}

func newRedisProviderTTL(t *testing.T, ttl time.Duration) (*RedisProvider, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisProvider(client, RedisOptions{LeaseTTL: ttl, RetryInterval: 5 * time.Millisecond}), mr
}

func providers(t *testing.T) map[string]Provider {
	redisProvider, _ := newRedisProvider(t)
	return map[string]Provider{
		"local": NewLocalProvider(),
		"redis": redisProvider,
	}
}

func TestProvider_SerialisesSameExecution(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			var inside, maxInside int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := p.WithExecutionLock(context.Background(), "exec-1", func(context.Context) error {
						n := atomic.AddInt32(&inside, 1)
						for {
							m := atomic.LoadInt32(&maxInside)
							if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
								break
							}
						}
						time.Sleep(2 * time.Millisecond)
						atomic.AddInt32(&inside, -1)
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
		})
	}
}

func TestProvider_DifferentExecutionsDoNotBlock(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			release := make(chan struct{})
			held := make(chan struct{})
			go func() {
				_ = p.WithExecutionLock(context.Background(), "a", func(context.Context) error {
					close(held)
					<-release
					return nil
				})
			}()
			<-held

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			ran := false
			err := p.WithExecutionLock(ctx, "b", func(context.Context) error {
				ran = true
				return nil
			})
			close(release)
			require.NoError(t, err)
			assert.True(t, ran)
		})
	}
}

func TestProvider_ContextCancelWhileWaiting(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			release := make(chan struct{})
			held := make(chan struct{})
			go func() {
				_ = p.WithExecutionLock(context.Background(), "exec-1", func(context.Context) error {
					close(held)
					<-release
					return nil
				})
			}()
			<-held
			defer close(release)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()
			ran := false
			err := p.WithExecutionLock(ctx, "exec-1", func(context.Context) error {
				ran = true
				return nil
			})
			require.Error(t, err)
			assert.False(t, ran)
			assert.True(t, schema.IsCode(err, schema.ErrCodeLock))
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

func TestProvider_ReturnsFnError(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			boom := errors.New("boom")
			err := p.WithExecutionLock(context.Background(), "exec-1", func(context.Context) error { return boom })
			assert.ErrorIs(t, err, boom)

			// the lock is released after an error
			err = p.WithExecutionLock(context.Background(), "exec-1", func(context.Context) error { return nil })
			assert.NoError(t, err)
		})
	}
}

func TestLocalProvider_RemovesIdleEntries(t *testing.T) {
	p := NewLocalProvider()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.WithExecutionLock(context.Background(), "exec-1", func(context.Context) error {
			assert.Equal(t, 1, p.size())
			return nil
		}))
	}
	assert.Equal(t, 0, p.size())
}

func TestRedisProvider_ReleaseKeepsForeignLease(t *testing.T) {
	p, mr := newRedisProvider(t)
	key := keyPrefix + "exec-1"

	err := p.WithExecutionLock(context.Background(), "exec-1", func(context.Context) error {
		require.True(t, mr.Exists(key))
		// simulate the lease expiring and another holder taking over
		mr.Del(key)
		require.NoError(t, mr.Set(key, "someone-else"))
		return nil
	})
	require.NoError(t, err)

	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisProvider_ReleasesKey(t *testing.T) {
	p, mr := newRedisProvider(t)
	require.NoError(t, p.WithExecutionLock(context.Background(), "exec-1", func(context.Context) error { return nil }))
	assert.False(t, mr.Exists(keyPrefix+"exec-1"))
}

func TestRedisProvider_LostLeaseCancelsWork(t *testing.T) {
	p, mr := newRedisProviderTTL(t, 150*time.Millisecond)
	key := keyPrefix + "exec-1"

	err := p.WithExecutionLock(context.Background(), "exec-1", func(ctx context.Context) error {
		mr.Del(key)
		require.NoError(t, mr.Set(key, "someone-else"))
		select {
		case <-ctx.Done():
			assert.ErrorIs(t, context.Cause(ctx), ErrLeaseLost)
			return ctx.Err()
		case <-time.After(2 * time.Second):
			t.Error("work kept running after the lease was taken over")
			return nil
		}
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeLock), err.Error())
	assert.ErrorIs(t, err, ErrLeaseLost)

	got, getErr := mr.Get(key)
	require.NoError(t, getErr)
	assert.Equal(t, "someone-else", got)
}

func TestRedisProvider_HeldLeaseKeepsWorkRunning(t *testing.T) {
	p, mr := newRedisProviderTTL(t, 150*time.Millisecond)

	err := p.WithExecutionLock(context.Background(), "exec-1", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(400 * time.Millisecond):
		}
		assert.True(t, mr.Exists(keyPrefix+"exec-1"))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists(keyPrefix+"exec-1"))
}
