package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"channel-publisher/internal/config"
	"channel-publisher/internal/notify"
	"channel-publisher/internal/publish"
	"channel-publisher/internal/ratelimit"
	"channel-publisher/internal/reauth"
	"channel-publisher/internal/store"
	"channel-publisher/internal/telemetry"
	workerproc "channel-publisher/internal/worker"
)

func main() {
	cfg := config.Load()

	zapCfg := zap.NewProductionConfig()
	logger, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	quota := ratelimit.NewUploadQuota(redisClient, cfg.UploadQuotaCapacity, cfg.UploadQuotaRefill, 24*time.Hour)

	notifier := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, logger)
	dispatcher := reauth.NewDispatcher(st, notifier, logger, cfg.ReauthCommand, cfg.ReauthGracePeriod, cfg.ReauthKillGrace)

	fetcher, err := publish.NewMediaFetcher(ctx, cfg)
	if err != nil {
		logger.Fatal("init media fetcher", zap.Error(err))
	}

	processor := workerproc.NewProcessor(cfg, st, quota, dispatcher, logger)
	yt := publish.NewYouTube(cfg, fetcher)
	processor.RegisterPublisher("video", yt)
	processor.RegisterPublisher("youtube_video", yt)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.Duration("poll_interval", cfg.WorkerPollInterval),
		zap.Int("max_retries", cfg.MaxRetries))
	if err := processor.Run(ctx); err != nil {
		logger.Info("worker stopped", zap.Error(err))
	}
}
