// Command fabricd boots one cluster fabric node: it loads Config, starts
// the Cluster (peer discovery, gossip, inbound WireServer), serves its
// HTTP surface, and shuts down gracefully on SIGINT/SIGTERM — following
// the reference API server's cmd/main.go startup/shutdown shape, pared
// down to what this node actually owns.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quty-io/fabric/internal/cache"
	"github.com/quty-io/fabric/internal/cluster"
	"github.com/quty-io/fabric/internal/config"
	"github.com/quty-io/fabric/internal/logger"
)

func main() {
	configPath := os.Getenv("CLUSTER_CONFIG_FILE")

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	level := logger.ParseLevel(getEnv("LOG_LEVEL", "info"))
	logger.Initialize(level, cfg.Debug)

	log := logger.Tagged("fabricd")
	log.Info().Str("namespace", cfg.Namespace).Int("port", cfg.Port).Msg("starting cluster fabric node")

	redisCache, err := cache.New(cache.Config{
		Host:     getEnv("REDIS_HOST", "localhost"),
		Port:     getEnv("REDIS_PORT", "6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		Enabled:  getEnv("CACHE_ENABLED", "false") == "true",
	})
	if err != nil {
		log.Warn().Err(err).Msg("discovery cache unavailable, continuing without it")
		redisCache, _ = cache.New(cache.Config{Enabled: false})
	}
	defer redisCache.Close()

	cl, err := cluster.New(cfg, nil, redisCache)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct cluster")
	}

	startCtx, cancelStart := context.WithCancel(context.Background())
	defer cancelStart()
	cl.Start(startCtx)

	srv := &http.Server{
		Addr:    fmtAddr(cfg.Port),
		Handler: cl.Handler(),

		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("self", cl.SelfId()).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	shutdownTimeout := 10 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server did not shut down cleanly")
	}
	cl.Shutdown()
	log.Info().Msg("shutdown complete")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fmtAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
