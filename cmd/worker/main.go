// Package main runs the promotion notice worker: it drains the Redis job queue
// filled by bot instances running with NOTIFY_MODE=queue.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kinovino/rosterbot/config"
	"github.com/kinovino/rosterbot/internal/telegram"
	"github.com/kinovino/rosterbot/internal/worker"
	"github.com/kinovino/rosterbot/pkg/queue"
	"github.com/kinovino/rosterbot/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Bot.Token == "" {
		logger.Fatal("BOT_TOKEN is not set")
	}

	ctx := context.Background()
	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	botAPI, err := tgbotapi.NewBotAPIWithClient(cfg.Bot.Token, tgbotapi.APIEndpoint, &http.Client{Timeout: cfg.Roster.NotifyTimeout})
	if err != nil {
		logger.Fatal("telegram", zap.Error(err))
	}
	client := telegram.NewClient(botAPI, cfg.Bot.Channel, logger)

	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewPromotionProcessor(jobQueue, client, cfg.Roster.NotifyTimeout, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		processor.Run(workerCtx)
		close(done)
	}()
	logger.Info("worker started", zap.String("bot", botAPI.Self.UserName))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	<-done
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
