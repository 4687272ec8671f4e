package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"voicecard/internal/artifacts"
	"voicecard/internal/config"
	"voicecard/internal/gateway"
	"voicecard/internal/ledger"
	"voicecard/internal/logging"
	"voicecard/internal/ratelimit"
	"voicecard/internal/router"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	l, err := ledger.Open(ctx, cfg)
	if err != nil {
		logger.Fatal("open ledger", zap.Error(err))
	}
	defer l.Close()

	store, err := artifacts.Open(ctx, cfg)
	if err != nil {
		logger.Fatal("open artifact store", zap.Error(err))
	}

	rdb := router.NewClient(cfg)
	defer rdb.Close()
	r := router.New(rdb, router.OptionsFromConfig(cfg), logger)

	svc := gateway.New(cfg, l, store, r, r, rdb, logger)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           gateway.NewServer(svc, limiter).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("gateway listening", zap.String("addr", httpServer.Addr), zap.String("ledger", cfg.LedgerDriver), zap.String("artifacts", cfg.ArtifactBackend))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
