// Package main runs the roster bot: Telegram long polling plus the operator HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kinovino/rosterbot/config"
	"github.com/kinovino/rosterbot/internal/api"
	"github.com/kinovino/rosterbot/internal/auth"
	"github.com/kinovino/rosterbot/internal/export"
	"github.com/kinovino/rosterbot/internal/lock"
	"github.com/kinovino/rosterbot/internal/notify"
	"github.com/kinovino/rosterbot/internal/roster"
	"github.com/kinovino/rosterbot/internal/store"
	"github.com/kinovino/rosterbot/internal/store/filestore"
	"github.com/kinovino/rosterbot/internal/store/postgres"
	"github.com/kinovino/rosterbot/internal/telegram"
	"github.com/kinovino/rosterbot/pkg/database"
	"github.com/kinovino/rosterbot/pkg/queue"
	"github.com/kinovino/rosterbot/pkg/redis"
	"github.com/kinovino/rosterbot/pkg/storage"
)

// pollTimeout is the long-polling window of getUpdates, in seconds.
const pollTimeout = 60

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

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store", zap.Error(err))
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb, err = redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Roster.LockMode == "redis" {
		locker = lock.NewRedis(rdb.Client, cfg.Roster.LockTTL, logger)
	}

	// Outbound calls get a bounded client; the poller needs one that outlives the long poll.
	botAPI, err := tgbotapi.NewBotAPIWithClient(cfg.Bot.Token, tgbotapi.APIEndpoint, &http.Client{Timeout: cfg.Roster.TransportTimeout})
	if err != nil {
		logger.Fatal("telegram", zap.Error(err))
	}
	botAPI.Debug = cfg.Bot.Debug
	poller, err := tgbotapi.NewBotAPIWithClient(cfg.Bot.Token, tgbotapi.APIEndpoint, &http.Client{Timeout: (pollTimeout + 15) * time.Second})
	if err != nil {
		logger.Fatal("telegram poller", zap.Error(err))
	}
	logger.Info("telegram authorized", zap.String("bot", botAPI.Self.UserName), zap.String("channel", cfg.Bot.Channel))

	client := telegram.NewClient(botAPI, cfg.Bot.Channel, logger)

	var (
		notifier   notify.Notifier
		dispatcher *notify.Dispatcher
	)
	switch cfg.Roster.NotifyMode {
	case "queue":
		notifier = notify.NewQueueNotifier(queue.NewQueue(rdb.Client, logger), cfg.Roster.NotifyTimeout, logger)
		logger.Info("promotion notices go through the job queue; run cmd/worker to deliver them")
	default:
		dispatcher = notify.NewDispatcher(client, cfg.Roster.NotifyWorkers, 256, cfg.Roster.NotifyTimeout, logger)
		notifier = dispatcher
	}

	policy := auth.NewPolicy(cfg.Bot.AdminIDs, auth.CreatePolicy(cfg.Roster.CreatePolicy))
	svc := roster.NewService(roster.Deps{
		Store:            st,
		Locker:           locker,
		Resolver:         client,
		Publisher:        client,
		Notifier:         notifier,
		Policy:           policy,
		TransportTimeout: cfg.Roster.TransportTimeout,
	}, logger)

	var srv *http.Server
	if cfg.Server.Port != "" && cfg.JWT.Secret != "" {
		var archiver api.Archiver
		if cfg.AWS.ExportsBucket != "" {
			s3Client, err := storage.NewS3(ctx, storage.S3Config{
				Region:               cfg.AWS.Region,
				AccessKeyID:          cfg.AWS.AccessKeyID,
				SecretAccessKey:      cfg.AWS.SecretAccessKey,
				ExportsBucket:        cfg.AWS.ExportsBucket,
				PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
			}, logger)
			if err != nil {
				logger.Fatal("s3", zap.Error(err))
			}
			archiver = export.NewArchiver(s3Client)
		}
		jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
		router := api.NewRouter(api.NewHandler(svc, archiver, logger), jwtService, policy, logger)
		srv = &http.Server{
			Addr:         ":" + cfg.Server.Port,
			Handler:      router,
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		}
		go func() {
			logger.Info("server listening", zap.String("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("server", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("operator API disabled (set PORT and JWT_SECRET to enable)")
	}

	botCtx, botCancel := context.WithCancel(context.Background())
	defer botCancel()
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	u.AllowedUpdates = []string{"message", "callback_query"}
	updates := poller.GetUpdatesChan(u)

	bot := telegram.NewBot(client, svc, cfg.Roster.BotWorkers, logger)
	botDone := make(chan struct{})
	go func() {
		bot.Run(botCtx, updates)
		close(botDone)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	poller.StopReceivingUpdates()
	botCancel()
	<-botDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", zap.Error(err))
		}
	}
	if dispatcher != nil {
		dispatcher.Close()
	}
	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.Store.Driver != "postgres" {
		return filestore.Open(cfg.Store.Path, filestore.Options{CreateIfMissing: cfg.Store.CreateIfMissing}, logger)
	}
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}
	st, err := postgres.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
