package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/datashuttle/internal/app/pipeline"
	"github.com/ahrav/datashuttle/internal/config"
	domain "github.com/ahrav/datashuttle/internal/domain/pipeline"
	"github.com/ahrav/datashuttle/internal/infra/eventbus/kafka"
	"github.com/ahrav/datashuttle/internal/infra/storage/pipeline/postgres"
	"github.com/ahrav/datashuttle/internal/infra/task/loopback"
	"github.com/ahrav/datashuttle/pkg/common/logger"
	"github.com/ahrav/datashuttle/pkg/common/otel"
)

const serviceType = "runner"

func main() {
	_, _ = maxprocs.Set()

	configPath := flag.String("config", "", "path to the runner config file")
	flag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		stdlog.Fatalf("failed to load config: %v", err)
	}

	var log *logger.Logger

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("%s-%s", cfg.ServiceName, hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	log = logger.NewWithMetadata(os.Stdout, parseLogLevel(cfg.LogLevel), svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.ServiceName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Probability:      cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(cfg.ServiceName)

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = cfg.Database.MinConns
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}

	log.Info(ctx, "Migrations applied successfully. Starting runner...")

	metrics, err := pipeline.NewRunnerMetrics()
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	eventBus, err := kafka.ConnectWithRetry(&kafka.Config{
		Brokers:           cfg.Kafka.Brokers,
		JobLifecycleTopic: cfg.Kafka.JobLifecycleTopic,
		JobControlTopic:   cfg.Kafka.JobControlTopic,
		GroupID:           cfg.Kafka.GroupID,
		ClientID:          svcName,
		ServiceType:       serviceType,
	}, log, metrics, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect to kafka", "error", err)
		os.Exit(1)
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			log.Error(ctx, "failed to close event bus", "error", err)
		}
	}()

	publisher := kafka.NewDomainEventPublisher(eventBus)
	store := postgres.NewJobItemStore(pool, tracer)

	registry := pipeline.NewJobControlRegistry()
	for _, jobType := range []domain.JobType{domain.JobTypeMigration, domain.JobTypeStreaming} {
		registry.Register(jobType, pipeline.NewJobControlService(
			jobType, store, publisher, cfg.Runner.ProgressPersistInterval, log, tracer, metrics,
		))
	}

	factory := loopback.NewTaskFactory(loopback.DefaultConfig(), store, log)

	controllerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String())
	supervisor := pipeline.NewSupervisor(controllerID, registry, factory, store, eventBus, log, tracer, metrics)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- supervisor.Run(ctx) }()

	if cfg.Runner.JobID != "" {
		if err := supervisor.LaunchJobItems(ctx, cfg.Runner.JobID, cfg.Runner.ShardingItems); err != nil {
			log.Error(ctx, "failed to launch job items", "error", err)
			cancel()
			<-runErrCh
			os.Exit(1)
		}
	}

	select {
	case sig := <-sigCh:
		log.Info(ctx, "Received shutdown signal", "signal", sig.String())
		cancel()
		if err := <-runErrCh; err != nil && !errors.Is(err, context.Canceled) {
			log.Error(ctx, "supervisor exited with error", "error", err)
		}
	case err := <-runErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error(ctx, "supervisor exited with error", "error", err)
			os.Exit(1)
		}
	}

	log.Info(ctx, "Runner shut down cleanly")
}

func parseLogLevel(level string) logger.Level {
	switch level {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	const migrationsPath = "file://db/migrations"
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
