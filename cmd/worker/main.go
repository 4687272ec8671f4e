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
	"golang.org/x/sync/errgroup"

	"voicecard/internal/artifacts"
	"voicecard/internal/config"
	"voicecard/internal/ledger"
	"voicecard/internal/logging"
	"voicecard/internal/pipeline"
	"voicecard/internal/recovery"
	"voicecard/internal/router"
	"voicecard/internal/telemetry"
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

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("worker stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	l, err := ledger.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer l.Close()

	store, err := artifacts.Open(ctx, cfg)
	if err != nil {
		return err
	}

	collab, closeCollab, err := pipeline.NewCollaborators(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeCollab() }()

	rdb := router.NewClient(cfg)
	defer rdb.Close()
	r := router.New(rdb, router.OptionsFromConfig(cfg), logger)
	if _, err := pipeline.Register(cfg, r, l, store, collab, logger); err != nil {
		return err
	}
	sweeper := recovery.New(l, store, r, recovery.OptionsFromConfig(cfg), logger)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})

	logger.Info("worker started",
		zap.Int("concurrency", cfg.StageConcurrency),
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.String("transcribe", cfg.TranscribeBackend),
		zap.String("render", cfg.RenderBackend))
	return g.Wait()
}
