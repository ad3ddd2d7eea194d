// Command publisher-reauth re-authenticates a single account. It is spawned
// by the worker's reauth dispatcher with the account name as its only
// argument and reports the outcome through its exit code: 0 on success,
// non-zero on any failure.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"channel-publisher/internal/config"
	"channel-publisher/internal/notify"
	"channel-publisher/internal/reauth"
	"channel-publisher/internal/store"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <account>\n", os.Args[0])
		os.Exit(2)
	}
	account := os.Args[1]

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

	notifier := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, logger)

	if err := reauth.Run(ctx, cfg, st, notifier, logger, account); err != nil {
		logger.Error("re-authentication failed", zap.String("account", account), zap.Error(err))
		os.Exit(1)
	}
}
