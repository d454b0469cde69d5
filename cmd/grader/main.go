package main

import (
	"context"
	"errors"
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

	"github.com/noah-isme/gema-grader/internal/cache"
	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/questionbank"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/router"
	"github.com/noah-isme/gema-grader/internal/sandbox"
	"github.com/noah-isme/gema-grader/internal/service"
	dockerexec "github.com/noah-isme/gema-grader/pkg/docker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	executor, err := dockerexec.NewDockerExecutor(dockerexec.Config{
		Host:          cfg.DockerHost,
		Timeout:       cfg.Execution.Timeout,
		MemoryLimitMB: cfg.Execution.MemoryMB,
		CPUShares:     cfg.Execution.CPUShares,
		PidsLimit:     cfg.Execution.PidsLimit,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create docker executor")
	}
	defer executor.Close()

	dockerEnv := sandbox.NewDockerEnvironment(executor, nil, logger, sandbox.Config{
		WorkspaceRoot: cfg.WorkspaceRoot,
		PidsLimit:     cfg.Execution.PidsLimit,
	})
	env := sandbox.NewResilientEnvironment(dockerEnv, sandbox.ResilienceConfig{
		MaxConcurrent: cfg.Resilience.MaxConcurrent,
		MaxQueue:      cfg.Resilience.MaxQueue,
		QueueTimeout:  cfg.Resilience.QueueTimeout,
		FailureTrip:   cfg.Resilience.FailureTrip,
		OpenTimeout:   cfg.Resilience.OpenTimeout,
		RetryAttempts: cfg.Resilience.RetryAttempts,
	}, logger)

	probes := map[string]handler.HealthProbe{"docker": executor.Ping}

	var store grading.ExpectedStore
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()

		store = cache.NewRedisExpectedStore(redisClient, cfg.ChannelPrefix+":expected:", cfg.ExpectedTTL)
		probes["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	} else {
		logger.Warn().Msg("redis not configured, expected outputs are cached in memory only")
	}

	pipeline := grading.NewPipeline(env, grading.NewExpectedCache(store), logger, grading.Config{
		Concurrency:    cfg.Grading.Concurrency,
		MaxSourceBytes: cfg.Grading.MaxSourceBytes,
	})

	validate := validator.New(validator.WithRequiredStructEnabled())

	bank := questionbank.NewBank(validate, pipeline.AnswerKeys(), logger).WithDefaultLimits(grading.Limits{
		Timeout:        cfg.Execution.Timeout,
		MemoryMB:       cfg.Execution.MemoryMB,
		CPUShares:      cfg.Execution.CPUShares,
		MaxOutputBytes: cfg.Execution.MaxOutputBytes,
	})
	loaded, err := bank.LoadDir(cfg.QuestionDir)
	if err != nil {
		// A broken question must not take the others down with it.
		logger.Error().Err(err).Str("dir", cfg.QuestionDir).Msg("some questions failed to load")
	}
	logger.Info().Int("questions", loaded).Str("dir", cfg.QuestionDir).Msg("question bank loaded")

	var incidents repository.IncidentRepository
	if cfg.DatabaseURL != "" {
		db, err := database.ConnectPostgres(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		if err := database.Migrate(db); err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate database")
		}
		incidents = repository.NewIncidentRepository(db)
		probes["postgres"] = func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	} else {
		logger.Warn().Msg("database not configured, grading incidents are only logged")
	}

	gradingService := service.NewGradingService(bank, pipeline, incidents, validate, logger)

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer natsConn.Close()

		consumer := service.NewGradingConsumer(natsConn, gradingService, logger, service.GradingConsumerConfig{
			SubjectPrefix:  cfg.ChannelPrefix,
			MaxInFlight:    cfg.Grading.MaxInFlight,
			RequestTimeout: cfg.RequestTimeout,
		})
		if err := consumer.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to start grading consumer")
		}
		probes["nats"] = func(context.Context) error {
			if !natsConn.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		}
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    cfg.Grading.MaxSourceBytes * 4,
		ReadTimeout:  30 * time.Second,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.AllowOrigins})
	router.Register(app, cfg, router.Dependencies{
		GradingHandler: handler.NewGradingHandler(gradingService, logger),
		Health: handler.HealthInfo{
			Questions: bank.Len,
			Languages: dockerEnv.Languages(),
			Probes:    probes,
		},
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(ctx, app, logger)
}

func waitForShutdown(ctx context.Context, app *fiber.App, logger zerolog.Logger) {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
