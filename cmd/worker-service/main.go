package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opdesk/conveyor/internal/config"
	"github.com/opdesk/conveyor/internal/deadletter"
	"github.com/opdesk/conveyor/internal/job"
	"github.com/opdesk/conveyor/internal/queue"
	"github.com/opdesk/conveyor/internal/storage/postgres"
	"github.com/opdesk/conveyor/internal/webhook"
	"github.com/opdesk/conveyor/internal/worker"
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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("starting worker service",
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

	w, scheduler, sweeper, err := buildRuntime(cfg, appLogger.Logger, dbClient, rabbitClient)
	if err != nil {
		return fmt.Errorf("failed to build worker runtime: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go scheduler.Run(ctx)
	go sweeper.Run(ctx)

	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Run(ctx)
	}()

	select {
	case err := <-errChan:
		// The worker quit before any signal arrived.
		if err != nil {
			return fmt.Errorf("worker stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	appLogger.Info("shutting down worker service")

	// Run keeps draining in-flight jobs after its context is canceled;
	// bound that wait so a stuck consumer cannot hold the process open.
	timer := time.NewTimer(cfg.Worker.ShutdownTimeout)
	defer timer.Stop()

	select {
	case err := <-errChan:
		if err != nil {
			appLogger.Error("worker exited with error", slog.String("error", err.Error()))
			return err
		}
	case <-timer.C:
		appLogger.Warn("worker shutdown timed out",
			slog.Duration("timeout", cfg.Worker.ShutdownTimeout),
		)
	}

	appLogger.Info("worker service stopped")
	return nil
}

// buildRuntime wires the queue core, the two consumers and the background
// loops. The retry policy instance is shared between the queue and the
// webhook deliverer so delivery rows mirror the schedule the job rows run.
func buildRuntime(cfg *config.Config, log *slog.Logger, db *postgresql.Client, rabbit *rabbitmq.Client) (*worker.Worker, *queue.Scheduler, *workflow.Sweeper, error) {
	jobStore := postgres.NewJobStore(db.DB())
	deadLetterStore := postgres.NewDeadLetterStore(db.DB())
	webhookStore := postgres.NewWebhookStore(db.DB())
	workflowStore := postgres.NewWorkflowStore(db.DB())

	deadLetters := deadletter.NewService(deadLetterStore, jobStore, rabbit, log)
	policy := queue.NewRetryPolicy(cfg.Jobs.BackoffBase, cfg.Jobs.BackoffCap)
	q := queue.New(&queue.Options{
		Store:              jobStore,
		DeadLetters:        deadLetters,
		Hints:              rabbit,
		Policy:             policy,
		KnownTypes:         cfg.Jobs.KnownTypes,
		DefaultMaxAttempts: cfg.Jobs.DefaultMaxAttempts,
		Logger:             log,
	})

	executor := workflow.NewExecutor(workflow.ExecutorOptions{
		Store:          workflowStore,
		Queue:          q,
		MaxStepsPerRun: cfg.Workflow.MaxStepsPerRun,
		Logger:         log,
	})

	deliverer := webhook.NewDeliverer(&webhook.DelivererOptions{
		Store:          webhookStore,
		Policy:         policy,
		RequestTimeout: cfg.Webhook.RequestTimeout,
		Logger:         log,
	})

	w, err := worker.New(&worker.Options{
		Queue:             q,
		Consumers:         []worker.Consumer{deliverer, executor},
		Hints:             rabbit,
		TerminalHooks:     []func(context.Context, *job.Job){executor.OnJobTerminal},
		Concurrency:       cfg.Worker.Concurrency,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
		PollInterval:      cfg.Worker.PollInterval,
		LeaseDuration:     cfg.Worker.LeaseDuration,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		JobTimeout:        cfg.Worker.JobTimeout,
		Logger:            log,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	scheduler := queue.NewScheduler(jobStore, rabbit, cfg.Jobs.SchedulerInterval, cfg.Jobs.SchedulerBatch, log)
	sweeper := workflow.NewSweeper(workflowStore, executor, cfg.Workflow.SweepInterval, log)

	return w, scheduler, sweeper, nil
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
