// Package ratelimit implements the admission layer: per-IP connection caps
// and connect-rate limiting in front of the WebSocket upgrade.
package ratelimit

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/thaasbai/coordinator/internal/config"
	"github.com/thaasbai/coordinator/internal/logging"
	"github.com/thaasbai/coordinator/internal/metrics"
)

// Admission enforces the per-IP connection cap and connect-rate limit
// described for the WebSocket admission layer.
type Admission struct {
	maxPerIP int

	mu      sync.Mutex
	perIP   map[string]*int64
	connect *limiter.Limiter
}

// New builds an Admission layer. When cfg.RedisAddr is set, the connect-rate
// limiter's state is shared through Redis (behind a circuit breaker that
// fails open to a local memory store); otherwise it uses the memory store
// directly.
func New(cfg *config.Config, redisClient *redis.Client) (*Admission, error) {
	rate := limiter.Rate{
		Period: time.Second,
		Limit:  int64(cfg.ConnectionRateLimit),
	}

	var store limiter.Store
	if redisClient != nil {
		store = newBreakerStore(redisClient, "admission-connect")
		logging.Info(context.Background(), "admission connect-rate limiter using Redis-backed store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "admission connect-rate limiter using in-memory store (REDIS_ADDR unset)")
	}

	return &Admission{
		maxPerIP: cfg.MaxConnectionsPerIP,
		perIP:    make(map[string]*int64),
		connect:  limiter.New(store, rate),
	}, nil
}

// CheckConnect evaluates both the per-IP connection cap and the connect-rate
// limit for a new transport connection from remoteAddr. It returns the wire
// error code to refuse with, or "" if the connection is admitted.
func (a *Admission) CheckConnect(ctx context.Context, remoteAddr string) string {
	ip := hostOf(remoteAddr)
	if isLoopback(ip) {
		return ""
	}

	metrics.RateLimitRequests.WithLabelValues("ws_connect").Inc()

	if a.liveCount(ip) >= int64(a.maxPerIP) {
		metrics.RateLimitExceeded.WithLabelValues("too_many_connections").Inc()
		return "too_many_connections"
	}

	lctx, err := a.connect.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "connect-rate limiter store failed, failing open", zap.Error(err))
		return ""
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("rate_limited").Inc()
		return "rate_limited"
	}

	return ""
}

// Acquire registers a live connection for ip, to be released with Release.
func (a *Admission) Acquire(remoteAddr string) {
	ip := hostOf(remoteAddr)
	a.mu.Lock()
	counter, ok := a.perIP[ip]
	if !ok {
		var zero int64
		counter = &zero
		a.perIP[ip] = counter
	}
	a.mu.Unlock()
	atomic.AddInt64(counter, 1)
}

// Release drops a live connection previously registered with Acquire.
func (a *Admission) Release(remoteAddr string) {
	ip := hostOf(remoteAddr)
	a.mu.Lock()
	counter, ok := a.perIP[ip]
	a.mu.Unlock()
	if ok {
		atomic.AddInt64(counter, -1)
	}
}

func (a *Admission) liveCount(ip string) int64 {
	a.mu.Lock()
	counter, ok := a.perIP[ip]
	a.mu.Unlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(counter)
}

func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return host == "localhost"
	}
	return ip.IsLoopback()
}
