package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/opdesk/conveyor/internal/api/handler"
	"github.com/opdesk/conveyor/internal/api/router"
	"github.com/opdesk/conveyor/internal/config"
	"github.com/opdesk/conveyor/internal/deadletter"
	"github.com/opdesk/conveyor/internal/queue"
	"github.com/opdesk/conveyor/internal/storage/postgres"
	"github.com/opdesk/conveyor/internal/webhook"
	"github.com/opdesk/conveyor/internal/workflow"
	"github.com/opdesk/conveyor/shared/logger"
	"github.com/opdesk/conveyor/shared/postgresql"
	"github.com/opdesk/conveyor/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	deps := buildDependencies(cfg, appLogger.Logger, dbClient, rabbitClient)
	r := initRouter(cfg.App.Environment, deps)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		appLogger.Info("http server listening", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("shutting down API service")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("server forced to shut down", slog.String("error", err.Error()))
		return err
	}

	appLogger.Info("API service stopped")
	return nil
}

// buildDependencies wires the storage, queue and domain services the
// handlers run on. Both services build the same queue core; the API side
// only produces and inspects, the worker side consumes.
func buildDependencies(cfg *config.Config, log *slog.Logger, db *postgresql.Client, rabbit *rabbitmq.Client) *handler.Dependencies {
	jobStore := postgres.NewJobStore(db.DB())
	deadLetterStore := postgres.NewDeadLetterStore(db.DB())
	webhookStore := postgres.NewWebhookStore(db.DB())
	workflowStore := postgres.NewWorkflowStore(db.DB())

	deadLetters := deadletter.NewService(deadLetterStore, jobStore, rabbit, log)
	q := queue.New(&queue.Options{
		Store:              jobStore,
		DeadLetters:        deadLetters,
		Hints:              rabbit,
		Policy:             queue.NewRetryPolicy(cfg.Jobs.BackoffBase, cfg.Jobs.BackoffCap),
		KnownTypes:         cfg.Jobs.KnownTypes,
		DefaultMaxAttempts: cfg.Jobs.DefaultMaxAttempts,
		Logger:             log,
	})

	webhooks := webhook.NewService(webhookStore, q, cfg.Webhook.DeliveryMaxAttempts, log)

	executor := workflow.NewExecutor(workflow.ExecutorOptions{
		Store:          workflowStore,
		Queue:          q,
		MaxStepsPerRun: cfg.Workflow.MaxStepsPerRun,
		Logger:         log,
	})
	workflows := workflow.NewService(workflow.ServiceOptions{
		Store:    workflowStore,
		Executor: executor,
		Queue:    q,
		Logger:   log,
	})

	return &handler.Dependencies{
		Logger:      log,
		Queue:       q,
		DeadLetters: deadLetters,
		Webhooks:    webhooks,
		Workflows:   workflows,
		Executor:    executor,
		Health: []handler.HealthCheck{
			{Name: "postgresql", Check: db.HealthCheck},
			{Name: "rabbitmq", Check: func(context.Context) error {
				if !rabbit.IsConnected() {
					return errors.New("connection lost")
				}
				return nil
			}},
		},
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
