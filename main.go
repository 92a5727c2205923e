package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	awsscheduler "github.com/aws/aws-sdk-go-v2/service/scheduler"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ms-reminders/internal/auth"
	"ms-reminders/internal/clock"
	"ms-reminders/internal/config"
	"ms-reminders/internal/correlation"
	"ms-reminders/internal/delay"
	"ms-reminders/internal/email"
	"ms-reminders/internal/email/templates"
	"ms-reminders/internal/eventbridge"
	"ms-reminders/internal/events"
	"ms-reminders/internal/handlers"
	"ms-reminders/internal/kafka"
	"ms-reminders/internal/logging"
	"ms-reminders/internal/maintenance"
	"ms-reminders/internal/migrations"
	"ms-reminders/internal/notify"
	"ms-reminders/internal/queue"
	"ms-reminders/internal/registry"
	"ms-reminders/internal/reminder"
	"ms-reminders/internal/scheduler"
	"ms-reminders/internal/telemetry"
)

func main() {
	checkConfig := flag.Bool("check-config", false, "Validate configuration and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *checkConfig {
		fmt.Println("configuration ok")
		return
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("reminder service stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("reminder service stopped")
}

// closer is something released on shutdown, in reverse order of creation
type closer func()

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	calc, err := delay.NewCalculator(cfg.Reminder.Timezone)
	if err != nil {
		return err
	}
	clk := clock.Real()

	var db *sql.DB
	if cfg.NeedsPostgres() {
		db, err = openDatabase(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		closers = append(closers, func() { db.Close() })
	}

	var awsCfg aws.Config
	if needsAWS(cfg) {
		awsCfg, err = loadAWSConfig(ctx, cfg.AWS, logger)
		if err != nil {
			return err
		}
	}

	signals := buildTelemetry(cfg, awsCfg, logger)

	q, closeQueue, err := buildQueue(cfg, db, awsCfg, clk, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeQueue)

	index := correlation.NewIndex()
	guard := scheduler.NewGuard(
		scheduler.RetryPolicy{
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			MaxRetries:      cfg.Retry.MaxRetries,
		},
		scheduler.BreakerPolicy{
			ConsecutiveFailures: cfg.Retry.BreakerFailures,
			OpenTimeout:         cfg.Retry.BreakerOpenDuration,
		},
		logger.Named("queue-guard"),
	)
	coordinator := scheduler.NewCoordinator(calc, q, index, clk, guard, signals, logger.Named("coordinator"))
	if err := coordinator.RebuildIndex(ctx); err != nil {
		// The index refills as events arrive and on the next sweep
		logger.Warn("initial index rebuild failed", zap.Error(err))
	}

	httpClient := &http.Client{Timeout: cfg.Registry.Timeout}
	var tokens auth.TokenSource = auth.Static("")
	if cfg.Keycloak.URL != "" {
		tokens = auth.NewClientCredentials(cfg.Keycloak.RealmURL(), cfg.Keycloak.ClientID, cfg.Keycloak.ClientSecret, httpClient, logger.Named("auth"))
	}
	reg := registry.NewHTTPRegistry(cfg.Registry.BaseURL, httpClient, tokens, logger.Named("registry"))

	emailCtx, cancelEmail := context.WithCancel(context.Background())
	defer cancelEmail()
	var emailer notify.Emailer
	if manager := buildEmailManager(cfg, awsCfg, logger); manager != nil {
		manager.Start(emailCtx)
		emailer = manager
		closers = append(closers, func() {
			// queued emails get the shutdown timeout to drain
			t := time.AfterFunc(cfg.Server.ShutdownTimeout, cancelEmail)
			defer t.Stop()
			manager.Close()
		})
	}

	var sink notify.Sink = notify.LogSink{Logger: logger.Named("sink")}
	if db != nil {
		sink = notify.NewPostgresSink(db, cfg.Reminder.SinkTimeout)
	}
	fanout := notify.NewFanout(sink, emailer, signals, logger.Named("fanout"), cfg.Reminder.FanoutParallel)

	opts := reminder.ProcessorOptions{
		Workers:       cfg.Reminder.Workers,
		LookupTimeout: cfg.Reminder.LookupTimeout,
	}
	var deliveryGuard *reminder.PostgresDeliveryGuard
	if cfg.Reminder.DedupeDeliveries {
		deliveryGuard = reminder.NewPostgresDeliveryGuard(db)
		opts.Guard = deliveryGuard
	}
	processor := reminder.NewProcessor(q, reg, fanout, calc, signals, logger.Named("processor"), opts)

	dispatcher := events.NewDispatcher(coordinator, logger.Named("dispatcher"))

	sweeper := maintenance.NewSweeper(logger.Named("maintenance"))
	if err := sweeper.Add(maintenance.Task{
		Name:     "index-rebuild",
		Schedule: cfg.Sweeper.IndexRebuildSchedule,
		Timeout:  time.Minute,
		Run:      coordinator.RebuildIndex,
	}); err != nil {
		return err
	}
	if deliveryGuard != nil {
		if err := sweeper.Add(maintenance.Task{
			Name:     "delivered-purge",
			Schedule: cfg.Sweeper.MarkerPurgeSchedule,
			Timeout:  5 * time.Minute,
			Run: func(ctx context.Context) error {
				n, err := deliveryGuard.Purge(ctx, cfg.Sweeper.MarkerRetention)
				if err == nil && n > 0 {
					logger.Info("purged delivered markers", zap.Int64("rows", n))
				}
				return err
			},
		}); err != nil {
			return err
		}
	}
	sweeper.Start()
	closers = append(closers, sweeper.Stop)

	health := handlers.NewHealthHandler(logger.Named("health"))
	health.AddLivenessCheck("process", func(context.Context) error { return nil })
	health.AddReadinessCheck("queue", func(context.Context) error {
		if guard.State() == gobreaker.StateOpen {
			return errors.New("queue circuit breaker open")
		}
		return nil
	})
	if db != nil {
		health.AddReadinessCheck("database", db.PingContext)
	}
	server := newHTTPServer(cfg, health, handlers.NewReminderHandler(dispatcher, coordinator, logger.Named("api")))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return processor.Run(gctx)
	})
	if cfg.Kafka.Enabled {
		consumer := kafka.NewEntityConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, kafka.Topics{
			Created:     cfg.Kafka.TopicCreated,
			Rescheduled: cfg.Kafka.TopicRescheduled,
			Cancelled:   cfg.Kafka.TopicCancelled,
		}, dispatcher, logger.Named("kafka"))
		g.Go(func() error {
			defer consumer.Close()
			return consumer.StartConsuming(gctx)
		})
	} else {
		logger.Info("kafka disabled, accepting events over HTTP only")
	}
	g.Go(func() error {
		logger.Info("starting HTTP server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("reminder service started",
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("email_provider", cfg.Email.Provider),
		zap.String("timezone", cfg.Reminder.Timezone),
		zap.Int("workers", cfg.Reminder.Workers))

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("connected to database")

	if cfg.RunMigrations {
		migrator := migrations.NewMigrator(db, migrations.Files(), logger.Named("migrations"))
		if err := migrator.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func needsAWS(cfg config.Config) bool {
	return cfg.Queue.Backend == config.BackendEventBridge ||
		cfg.Email.Provider == config.EmailProviderSES ||
		cfg.Telemetry.CloudWatchEnabled
}

func loadAWSConfig(ctx context.Context, cfg config.AWSConfig, logger *zap.Logger) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}
	if cfg.Endpoint != "" {
		logger.Info("using local endpoint for AWS services", zap.String("endpoint", cfg.Endpoint))
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return awsCfg, nil
}

func buildTelemetry(cfg config.Config, awsCfg aws.Config, logger *zap.Logger) telemetry.Reporter {
	if !cfg.Telemetry.CloudWatchEnabled {
		return telemetry.LogReporter{Logger: logger.Named("telemetry")}
	}
	return telemetry.NewCloudWatchReporter(cloudwatch.NewFromConfig(awsCfg), cfg.Telemetry.Namespace, logger.Named("telemetry"))
}

// buildQueue returns the configured delayed queue and its shutdown hook
func buildQueue(cfg config.Config, db *sql.DB, awsCfg aws.Config, clk clock.Clock, logger *zap.Logger) (queue.Queue, closer, error) {
	qlog := logger.Named("queue")
	switch cfg.Queue.Backend {
	case config.BackendPostgres:
		return queue.NewPostgres(db, clk, queue.PostgresOptions{
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			PollInterval:      cfg.Queue.PollInterval,
		}, qlog), func() {}, nil

	case config.BackendRedis:
		q, err := queue.NewAsynq(cfg.Redis.URL, queue.AsynqOptions{
			Queue:       cfg.Redis.Queue,
			Concurrency: cfg.Redis.Concurrency,
			MaxRetry:    cfg.Redis.MaxRetry,
			RetryDelay:  cfg.Redis.RetryDelay,
		}, qlog)
		if err != nil {
			return nil, nil, err
		}
		if err := q.Start(); err != nil {
			return nil, nil, fmt.Errorf("failed to start asynq server: %w", err)
		}
		return q, func() {
			if err := q.Close(); err != nil {
				qlog.Warn("failed to close asynq queue", zap.Error(err))
			}
		}, nil

	case config.BackendEventBridge:
		svc := eventbridge.NewService(
			awsscheduler.NewFromConfig(awsCfg),
			sqs.NewFromConfig(awsCfg),
			eventbridge.Settings{
				GroupName:         cfg.AWS.SchedulerGroupName,
				RoleARN:           cfg.AWS.SchedulerRoleARN,
				QueueARN:          cfg.AWS.ReminderQueueARN,
				QueueURL:          cfg.AWS.ReminderQueueURL,
				WaitSeconds:       cfg.AWS.WaitSeconds,
				VisibilitySeconds: int32(cfg.Queue.VisibilityTimeout / time.Second),
			},
			qlog,
		)
		return svc, func() {}, nil

	default:
		qlog.Warn("using in-memory queue, pending reminders are lost on restart")
		q := queue.NewMemory(clk, queue.MemoryOptions{
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			PollInterval:      cfg.Queue.PollInterval,
		})
		return q, func() { q.Close() }, nil
	}
}

// buildEmailManager returns nil when email is disabled
func buildEmailManager(cfg config.Config, awsCfg aws.Config, logger *zap.Logger) *email.EmailManager {
	var sender email.EmailSender
	switch cfg.Email.Provider {
	case config.EmailProviderSMTP:
		sender = email.NewSMTPSender(cfg.Email.SMTPHost, cfg.Email.SMTPPort, cfg.Email.SMTPUsername, cfg.Email.SMTPPassword, cfg.Email.From, cfg.Email.FromName)
	case config.EmailProviderSES:
		sender = email.NewSESSender(sesv2.NewFromConfig(awsCfg), cfg.Email.From, cfg.Email.FromName, cfg.Email.SESConfigSet)
	default:
		logger.Info("email provider disabled, reminders go to the in-app sink only")
		return nil
	}

	generator := templates.NewStandardTemplateGenerator(cfg.Email.FromName, cfg.Email.BrandColor)
	return email.NewEmailManager(sender, generator, email.ManagerOptions{
		Workers:         cfg.Email.Workers,
		Buffer:          cfg.Email.Buffer,
		InitialInterval: cfg.Email.InitialInterval,
		MaxInterval:     cfg.Email.MaxInterval,
		MaxRetries:      cfg.Email.MaxRetries,
		RatePerSecond:   cfg.Email.RatePerSecond,
	}, logger.Named("email"))
}

// newHTTPServer mounts health probes and the reminder API
func newHTTPServer(cfg config.Config, health *handlers.HealthHandler, reminders *handlers.ReminderHandler) *http.Server {
	router := mux.NewRouter()
	router.Use(auth.CORSMiddleware(auth.CORSSettings{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: cfg.CORS.AllowedMethods,
		AllowedHeaders: cfg.CORS.AllowedHeaders,
		MaxAge:         cfg.CORS.MaxAge,
	}))

	router.HandleFunc("/api/reminders/health", health.HandleHealth).Methods(http.MethodGet)
	router.HandleFunc("/healthz", health.HandleHealth).Methods(http.MethodGet)
	router.HandleFunc("/readyz", health.HandleReadiness).Methods(http.MethodGet)
	router.HandleFunc("/livez", health.HandleLiveness).Methods(http.MethodGet)

	reminders.RegisterRoutes(router)

	return &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}
