// Command server runs the Dhiha Ei / Digu realtime coordinator: the
// WebSocket event dispatcher, room registry, matchmaking queues, admission
// layer, and admin/health surfaces described in SPEC_FULL.md.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/thaasbai/coordinator/internal/config"
	"github.com/thaasbai/coordinator/internal/coordinator"
	"github.com/thaasbai/coordinator/internal/health"
	"github.com/thaasbai/coordinator/internal/logging"
	"github.com/thaasbai/coordinator/internal/middleware"
	"github.com/thaasbai/coordinator/internal/ratelimit"
	"github.com/thaasbai/coordinator/internal/reattach"
)

func main() {
	_ = godotenv.Load() // no .env file is a normal deployment shape

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		panic(err)
	}
	logger := logging.GetLogger()
	defer logger.Sync()

	if cfg.AdminPasswordIsDefault {
		logger.Warn("ADMIN_PASSWORD is still the compiled-in default; override it before exposing the admin surface",
			zap.String("redacted", config.RedactSecret(cfg.AdminPassword)))
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("could not reach REDIS_ADDR at startup; admission state stays process-local until it recovers", zap.Error(err))
		}
		cancel()
	}

	admission, err := ratelimit.New(cfg, redisClient)
	if err != nil {
		logger.Fatal("failed to build admission layer", zap.Error(err))
	}

	reattachIssuer := reattach.NewIssuer(cfg.ReattachSecret)
	hub := coordinator.NewHub(reattachIssuer, admission, cfg.AllowedOrigins)

	startedAt := time.Now()
	healthHandler := health.NewHandler(redisClient, cfg.AdminPassword, hub, hub, hub, startedAt)

	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = cfg.AllowedOrigins
	corsCfg.AllowCredentials = true
	router.Use(cors.New(corsCfg))

	router.GET("/ws/:gameType", hub.ServeWs)
	router.GET("/health", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/admin/snapshot", healthHandler.Snapshot)
	router.DELETE("/admin/rooms/:gameType/:code", healthHandler.CloseRoom)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("coordinator listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	if redisClient != nil {
		redisClient.Close()
	}
	logger.Info("exited")
}
