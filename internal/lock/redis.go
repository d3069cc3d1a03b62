package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/chatflow/pkg/schema"
)

const (
	defaultLeaseTTL      = 30 * time.Second
	defaultRetryInterval = 50 * time.Millisecond
	keyPrefix            = "chatflow:lock:execution:"
)

// ErrLeaseLost is the cancellation cause of fn's context when the lease
// expired or was taken over while fn was running.
var ErrLeaseLost = errors.New("execution lock lease lost")

// releaseScript deletes the key only if it still holds our token.
const releaseScript = `if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`

// extendScript refreshes the lease only if it still holds our token.
const extendScript = `if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`

// RedisClient is the subset of go-redis the provider needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// RedisOptions tunes the lease.
type RedisOptions struct {
	// LeaseTTL bounds how long a crashed holder blocks others. The lease is
	// refreshed every LeaseTTL/3 while fn runs.
	LeaseTTL time.Duration
	// RetryInterval is the pause between acquisition attempts.
	RetryInterval time.Duration
	Logger        *slog.Logger
}

// RedisProvider is a lease lock shared by every process using the same
// Redis, for multi-process deployments.
type RedisProvider struct {
	client RedisClient
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// NewRedisProvider creates a RedisProvider.
func NewRedisProvider(client RedisClient, opts RedisOptions) *RedisProvider {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RedisProvider{client: client, ttl: opts.LeaseTTL, retry: opts.RetryInterval, logger: opts.Logger}
}

func (p *RedisProvider) WithExecutionLock(ctx context.Context, executionID string, fn func(ctx context.Context) error) error {
	key := keyPrefix + executionID
	token := uuid.NewString()

	if err := p.acquire(ctx, key, token); err != nil {
		return lockError(executionID, err)
	}

	fnCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stop := make(chan struct{})
	done := make(chan struct{})
	go p.keepAlive(key, token, cancel, stop, done)

	defer func() {
		close(stop)
		<-done
		// Release with a fresh context: ctx may already be cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), p.ttl)
		defer cancel()
		if err := p.client.Eval(rctx, releaseScript, []string{key}, token).Err(); err != nil {
			p.logger.Warn("release execution lock failed", "execution_id", executionID, "error", err)
		}
	}()

	err := fn(fnCtx)
	if cause := context.Cause(fnCtx); errors.Is(cause, ErrLeaseLost) {
		return schema.NewErrorf(schema.ErrCodeLock, "lock for execution %s lost while running: %s", executionID, cause.Error()).WithCause(cause)
	}
	return err
}

func (p *RedisProvider) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(p.retry)
	defer ticker.Stop()
	for {
		ok, err := p.client.SetNX(ctx, key, token, p.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("setnx %s: %w", key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// keepAlive refreshes the lease until stop is closed. When the key no longer
// holds token, or no refresh succeeded for a whole TTL, the lease is gone and
// lost is called so fn stops working on the execution.
func (p *RedisProvider) keepAlive(key, token string, lost context.CancelCauseFunc, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.ttl / 3)
	defer ticker.Stop()
	extended := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.ttl/3)
			held, err := p.client.Eval(ctx, extendScript, []string{key}, token, p.ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err == nil && held == 1:
				extended = time.Now()
			case err == nil:
				p.logger.Error("execution lock lease lost", "key", key)
				lost(ErrLeaseLost)
				return
			case time.Since(extended) >= p.ttl:
				p.logger.Error("execution lock lease expired", "key", key, "error", err)
				lost(fmt.Errorf("%w: %w", ErrLeaseLost, err))
				return
			default:
				p.logger.Warn("extend execution lock failed", "key", key, "error", err)
			}
		}
	}
}
