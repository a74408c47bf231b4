package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/newcircuit/modmail/internal/bot"
	"github.com/newcircuit/modmail/internal/command"
	"github.com/newcircuit/modmail/internal/config"
	"github.com/newcircuit/modmail/internal/database"
	"github.com/newcircuit/modmail/internal/handler"
	"github.com/newcircuit/modmail/internal/idgen"
	"github.com/newcircuit/modmail/internal/middleware"
	"github.com/newcircuit/modmail/internal/observability"
	"github.com/newcircuit/modmail/internal/platform"
	"github.com/newcircuit/modmail/internal/repository"
	"github.com/newcircuit/modmail/internal/router"
	"github.com/newcircuit/modmail/internal/service"
	cloud "github.com/newcircuit/modmail/pkg/cloudinary"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	level := zerolog.InfoLevel
	if cfg.AppEnv == "development" {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", cfg.AppName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observability.RegisterMetrics()

	ids, err := idgen.NewSnowflake(cfg.SnowflakeNode)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create id generator")
	}

	db, err := database.ConnectPostgres(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, database.RetryPolicy{
		MaxAttempts: cfg.DatabaseMaxAttempts,
		Delay:       cfg.DatabaseRetryDelay,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.Bootstrap(ctx, db, cfg.DatabaseSchema, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to bootstrap database")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
	}

	natsConn, err := nats.Connect(cfg.NATSURL,
		nats.Name(cfg.AppName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info().Str("url", conn.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer natsConn.Close()

	var storage service.FileStorage
	if cfg.CloudinaryEnabled() {
		store, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create cloudinary client")
		}
		storage = store
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	gateway := platform.NewNATSPlatform(natsConn, cfg.NATSSubjectPrefix, cfg.NATSRequestTimeout, logger)

	var locker service.ThreadLocker = service.NewMemoryThreadLocker()
	if redisClient != nil {
		locker = service.NewRedisThreadLocker(redisClient, cfg.NATSSubjectPrefix, cfg.ThreadLockTTL, logger)
	}
	events := service.NewEventPublisher(redisClient, natsConn, cfg.NATSSubjectPrefix, logger)

	categoryRepo := repository.NewCategoryRepository(db, ids)
	muteRepo := repository.NewMuteRepository(db, ids)
	threadRepo := repository.NewThreadRepository(db, ids)
	messageRepo := repository.NewMessageRepository(db, ids)
	editRepo := repository.NewEditRepository(db, ids)
	attachmentRepo := repository.NewAttachmentRepository(db, ids)
	userRepo := repository.NewUserRepository(db)

	categories := service.NewCategoryService(categoryRepo, muteRepo, validate, logger)
	threads := service.NewThreadService(threadRepo, userRepo, categories, gateway, locker, events, service.ThreadConfig{
		CloseDelay: cfg.ThreadCloseDelay,
	}, logger)
	relay := service.NewRelayService(service.RelayStores{
		Threads:     threadRepo,
		Messages:    messageRepo,
		Edits:       editRepo,
		Attachments: attachmentRepo,
		Users:       userRepo,
	}, gateway, storage, locker, events, logger)
	forward := service.NewForwardService(threads, categories, service.ForwardStores{
		Messages:    messageRepo,
		Edits:       editRepo,
		Attachments: attachmentRepo,
	}, gateway, locker, events, logger)
	query := service.NewQueryService(service.QueryStores{
		Categories:  categoryRepo,
		Threads:     threadRepo,
		Messages:    messageRepo,
		Edits:       editRepo,
		Attachments: attachmentRepo,
	}, validate, logger)

	replies := service.NewStandardReplyService(repository.NewStandardReplyRepository(db, ids), validate, logger)

	registry := command.NewRegistry(cfg.BotPrefix, validate, logger)
	if err := registry.Register(command.NewHandlers(categories, threads, relay, forward, replies, gateway, logger).Descriptors()...); err != nil {
		logger.Fatal().Err(err).Msg("failed to register commands")
	}

	decoder, err := bot.NewDecoder()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to compile gateway schema")
	}
	eventHandler := bot.NewHandler(categories, threads, relay, registry, gateway, cfg.BotOwners, logger)
	dispatcher := bot.NewDispatcher(eventHandler.Handle, 2*time.Minute, logger)
	subscriber := bot.NewSubscriber(natsConn, cfg.NATSSubjectPrefix, decoder, dispatcher, logger)
	if err := subscriber.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe to gateway events")
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})
	middleware.Register(app, middleware.Config{Logger: logger})
	router.Register(app, cfg, router.Dependencies{
		ModmailHandler:     handler.NewModmailHandler(query, logger),
		EventStreamHandler: handler.NewEventStreamHandler(service.NewEventFeed(redisClient, natsConn, cfg.NATSSubjectPrefix, logger), logger),
		JWTMiddleware:      middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
			stop()
		}
	}()

	logger.Info().Str("addr", cfg.HTTPAddress()).Str("prefix", cfg.BotPrefix).Msg("modmail relay started")
	<-ctx.Done()

	waitForShutdown(logger, app, subscriber, dispatcher, threads)
}

func waitForShutdown(logger zerolog.Logger, app *fiber.App, subscriber *bot.Subscriber, dispatcher *bot.Dispatcher, threads service.ThreadService) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	// Events still buffered in the subscription must reach the dispatcher
	// before it stops accepting work.
	if err := subscriber.Stop(ctx); err != nil {
		logger.Warn().Err(err).Msg("gateway subscription not drained")
	}
	if err := dispatcher.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Int("pending", dispatcher.Pending()).Msg("gateway events abandoned")
	}
	if err := threads.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("thread teardown incomplete")
	}

	logger.Info().Msg("modmail relay stopped")
}
