package ratelimit

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/thaasbai/coordinator/internal/logging"
	"github.com/thaasbai/coordinator/internal/metrics"
)

// breakerStore wraps a Redis-backed limiter.Store in a circuit breaker. Admission
// counters are ephemeral connect-rate state, not game state, so a Redis outage
// degrades to a local memory store rather than blocking new connections.
type breakerStore struct {
	name     string
	breaker  *gobreaker.CircuitBreaker
	redis    limiter.Store
	fallback limiter.Store
}

func newBreakerStore(client *redis.Client, name string) *breakerStore {
	redisStore, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix: "dhiha:ratelimit:",
	})
	if err != nil {
		logging.Error(context.Background(), "failed to build redis limiter store, using memory store", zap.Error(err))
		redisStore = nil
	}

	settings := gobreaker.Settings{
		Name: name,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	}

	return &breakerStore{
		name:     name,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		redis:    redisStore,
		fallback: memory.NewStore(),
	}
}

func (s *breakerStore) Get(ctx context.Context, key string, rate limiter.Rate) (limiter.Context, error) {
	return s.call(ctx, key, rate, func(st limiter.Store) (limiter.Context, error) {
		return st.Get(ctx, key, rate)
	})
}

func (s *breakerStore) Peek(ctx context.Context, key string, rate limiter.Rate) (limiter.Context, error) {
	return s.call(ctx, key, rate, func(st limiter.Store) (limiter.Context, error) {
		return st.Peek(ctx, key, rate)
	})
}

func (s *breakerStore) Reset(ctx context.Context, key string, rate limiter.Rate) (limiter.Context, error) {
	return s.call(ctx, key, rate, func(st limiter.Store) (limiter.Context, error) {
		return st.Reset(ctx, key, rate)
	})
}

func (s *breakerStore) Increment(ctx context.Context, key string, count int64, rate limiter.Rate) (limiter.Context, error) {
	return s.call(ctx, key, rate, func(st limiter.Store) (limiter.Context, error) {
		return st.Increment(ctx, key, count, rate)
	})
}

func (s *breakerStore) call(ctx context.Context, key string, rate limiter.Rate, fn func(limiter.Store) (limiter.Context, error)) (limiter.Context, error) {
	if s.redis == nil {
		return fn(s.fallback)
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		lctx, err := fn(s.redis)
		if err != nil {
			return limiter.Context{}, err
		}
		return lctx, nil
	})

	if err != nil {
		metrics.RedisOperationsTotal.WithLabelValues("limiter", "error").Inc()
		logging.Warn(ctx, "redis rate limit store unavailable, falling back to memory store", zap.String("store", s.name))
		return fn(s.fallback)
	}

	metrics.RedisOperationsTotal.WithLabelValues("limiter", "ok").Inc()
	return result.(limiter.Context), nil
}
