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
	zlog "github.com/rs/zerolog/log"

	"github.com/noah-isme/gema-grading-engine/internal/config"
	"github.com/noah-isme/gema-grading-engine/internal/cron"
	"github.com/noah-isme/gema-grading-engine/internal/database"
	"github.com/noah-isme/gema-grading-engine/internal/handler"
	"github.com/noah-isme/gema-grading-engine/internal/jobs"
	"github.com/noah-isme/gema-grading-engine/internal/middleware"
	"github.com/noah-isme/gema-grading-engine/internal/repository"
	"github.com/noah-isme/gema-grading-engine/internal/router"
	"github.com/noah-isme/gema-grading-engine/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	zlog.Logger = logger

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if cfg.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			log.Fatalf("failed to migrate database: %v", err)
		}
	}

	// Redis and NATS are optional. Without redis, grade rates fall back to
	// the database and every node runs the cron tasks.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(context.Background(), cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	assessmentRepo := repository.NewAssessmentRepository(db)
	instanceRepo := repository.NewAssessmentInstanceRepository(db)
	questionRepo := repository.NewInstanceQuestionRepository(db)
	variantRepo := repository.NewVariantRepository(db)
	stateLogRepo := repository.NewAssessmentStateLogRepository(db)
	jobRepo := repository.NewJobSequenceRepository(db)

	var reporter service.OutcomeReporter
	if redisClient != nil || natsConn != nil {
		reporter = service.NewBrokerOutcomeReporter(instanceRepo, redisClient, cfg.OutcomeChannel, natsConn, cfg.OutcomeSubject, logger)
	} else {
		reporter = service.NewLogOutcomeReporter(logger)
	}

	runner := jobs.NewRunner(jobRepo, jobs.NewBroker(), cfg.Engine.JobHeartbeatInterval, logger)

	stateLogService := service.NewStateLogService(stateLogRepo, validate, logger)
	scoreService := service.NewScoreService(db, assessmentRepo, instanceRepo, questionRepo, stateLogService, reporter, logger)
	lifecycleService := service.NewLifecycleService(db, assessmentRepo, instanceRepo, questionRepo, scoreService, stateLogService, reporter, logger)
	variantGrader := service.NewVariantGrader(db, assessmentRepo, instanceRepo, questionRepo, variantRepo, scoreService, service.PayloadScorer(), redisClient, cfg.Engine.OverrideGradeRate, logger)
	gradingService := service.NewGradingService(db, assessmentRepo, instanceRepo, variantRepo, variantGrader, stateLogService, reporter, runner, cfg.Engine, logger)
	regradeService := service.NewRegradeService(db, assessmentRepo, instanceRepo, questionRepo, variantRepo, scoreService, reporter, runner, cfg.Engine, logger)
	recoveryService := service.NewRecoveryService(instanceRepo, jobRepo, gradingService, cfg.Engine, logger)

	scheduler := cron.NewScheduler(redisClient, logger)
	scheduler.Add(cron.Task{
		Name:     "autoFinishExams",
		Interval: cfg.AutoFinishEvery,
		Run: func(ctx context.Context) error {
			_, err := recoveryService.RunPeriodic(ctx)
			return err
		},
	})
	scheduler.Add(cron.Task{
		Name:     "errorAbandonedJobs",
		Interval: cfg.AbandonedEvery,
		Run: func(ctx context.Context) error {
			_, err := recoveryService.ErrorAbandonedJobs(ctx)
			return err
		},
	})

	probes := map[string]handler.HealthProbe{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if redisClient != nil {
		probes["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSOrigins})
	router.Register(app, cfg, router.Dependencies{
		InstanceHandler:    handler.NewInstanceHandler(lifecycleService, gradingService, stateLogService, validate, cfg.RateLimitPerMin, logger),
		AssessmentHandler:  handler.NewAssessmentHandler(lifecycleService, gradingService, regradeService, scoreService, validate, logger),
		JobSequenceHandler: handler.NewJobSequenceHandler(jobRepo, runner.Broker(), logger),
		HealthProbes:       probes,
		JWTMiddleware:      middleware.JWTProtected(cfg.JWTSecret),
	})

	ctx, cancel := context.WithCancel(context.Background())
	scheduler.Start(ctx)

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, logger, func(shutdownCtx context.Context) {
		cancel()
		scheduler.Wait()
		if err := runner.Wait(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("background jobs still running at shutdown")
		}
	})
}

func waitForShutdown(app *fiber.App, logger zerolog.Logger, drain func(ctx context.Context)) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	drain(ctx)

	logger.Info().Msg("server stopped")
}
