package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"

	"github.com/lalithlochan/relay/internal/api"
	"github.com/lalithlochan/relay/internal/circuitbreaker"
	"github.com/lalithlochan/relay/internal/config"
	"github.com/lalithlochan/relay/internal/db"
	"github.com/lalithlochan/relay/internal/deadletter"
	"github.com/lalithlochan/relay/internal/dispatch"
	"github.com/lalithlochan/relay/internal/idempotency"
	"github.com/lalithlochan/relay/internal/ingest"
	"github.com/lalithlochan/relay/internal/kafka"
	"github.com/lalithlochan/relay/internal/observ"
	"github.com/lalithlochan/relay/internal/redis"
	"github.com/lalithlochan/relay/internal/sns"
	"github.com/lalithlochan/relay/internal/sqs"
	"github.com/lalithlochan/relay/internal/whatsapp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type consumer interface {
	Run(ctx context.Context) error
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting relay",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("broker", cfg.Broker),
	)

	ctx := context.Background()

	// Database
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	// Redis for request idempotency, API rate limiting and the shared unit guard
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	}, logger)
	if err != nil {
		if cfg.IdempotencyBackend == config.IdempotencyRedis {
			return fmt.Errorf("redis required for IDEMPOTENCY_BACKEND=redis: %w", err)
		}
		logger.Warn("redis unavailable, request idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Delivery client
	var (
		client     whatsapp.Client
		mockClient *whatsapp.MockClient
		httpClient *whatsapp.HTTPClient
		protected  *circuitbreaker.ProtectedClient
	)
	if cfg.WhatsAppMock {
		mockClient = whatsapp.NewMockClient(whatsapp.DefaultMockConfig(), logger)
		client = mockClient
		logger.Warn("using mock whatsapp client, no messages leave this process")
	} else {
		httpClient = whatsapp.NewHTTPClient(whatsapp.HTTPConfig{
			BaseURL:         cfg.WhatsAppBaseURL,
			APIVersion:      cfg.WhatsAppAPIVersion,
			Timeout:         cfg.WhatsAppTimeout,
			OutgoingEnabled: cfg.WhatsAppOutgoingEnabled,
			RatePerSecond:   cfg.DeliveryRatePerSec,
		}, logger)
		client = httpClient
	}
	if cfg.CircuitBreakerEnabled {
		cbCfg := circuitbreaker.DefaultConfig()
		cbCfg.MaxFailures = cfg.CircuitMaxFailures
		cbCfg.RecoveryTimeout = cfg.CircuitRecoveryTimeout
		protected = circuitbreaker.NewProtectedClient(client, cbCfg, logger)
		client = protected
	}

	kafkaCfg := kafka.Config{
		Brokers:        cfg.KafkaBrokers,
		Topic:          cfg.KafkaTopic,
		GroupID:        cfg.KafkaGroupID,
		DLQTopic:       cfg.KafkaDLQTopic,
		ClientID:       cfg.KafkaClientID,
		CommitInterval: cfg.KafkaCommitInterval,
	}

	// Dead-letter sinks
	var targets []deadletter.Target
	if cfg.Broker == config.BrokerKafka && cfg.KafkaDLQTopic != "" {
		dlqProducer, err := kafka.NewProducer(kafkaCfg, cfg.KafkaDLQTopic, logger)
		if err != nil {
			return fmt.Errorf("failed to create dead letter producer: %w", err)
		}
		defer dlqProducer.Close()
		targets = append(targets, deadletter.Target{Name: "kafka", Sink: dlqProducer})
	}

	var sqsClient sqs.API
	if cfg.Broker == config.BrokerSQS || cfg.SQSDLQURL != "" {
		sqsClient, err = sqs.NewClient(ctx, sqs.Config{Region: cfg.SQSRegion, Endpoint: cfg.SQSEndpoint})
		if err != nil {
			return fmt.Errorf("failed to create sqs client: %w", err)
		}
	}
	if cfg.SQSDLQURL != "" {
		targets = append(targets, deadletter.Target{Name: "sqs", Sink: sqs.NewProducer(sqsClient, cfg.SQSDLQURL, logger)})
	}

	if cfg.SNSDLQTopicARN != "" {
		var alerts *sns.Publisher
		if cfg.SNSEndpoint != "" {
			alerts, err = sns.NewPublisherWithEndpoint(ctx, cfg.SNSDLQTopicARN, cfg.SNSEndpoint, cfg.SNSRegion)
		} else {
			alerts, err = sns.NewPublisher(ctx, cfg.SNSDLQTopicARN, awsconfig.WithRegion(cfg.SNSRegion))
		}
		if err != nil {
			logger.Warn("sns publisher unavailable, dead letter alerts disabled", zap.Error(err))
		} else {
			targets = append(targets, deadletter.Target{Name: "sns", Sink: alerts})
		}
	}

	// Unit idempotency guard
	var guard dispatch.Guard
	if cfg.IdempotencyBackend == config.IdempotencyRedis {
		guard = redis.NewUnitGuard(redisClient, logger, redis.GuardConfig{Window: cfg.IdempotencyWindow})
	} else {
		guard = idempotency.New(cfg.IdempotencyWindow, cfg.IdempotencyMaxEntries, logger)
	}

	engine, err := dispatch.NewEngine(dispatch.Config{
		MaxBatchSize:          cfg.MaxBatchSize,
		BatchTimeout:          cfg.BatchTimeout,
		PermitsPerDestination: cfg.PermitsPerDestination,
		DeliveryTimeout:       cfg.DeliveryTimeout,
		PoolIdleTTL:           cfg.PoolIdleTTL,
		SweepInterval:         cfg.SweepInterval,
		QueueIdleTTL:          cfg.QueueIdleTTL,
		Workers:               cfg.Workers,
		WorkerQueueSize:       cfg.WorkerQueueSize,
	}, dispatch.Dependencies{
		Client:     client,
		Batcher:    db.NewReportBatcher(database, logger),
		DeadLetter: deadletter.NewRouter(logger, targets...),
		Guard:      guard,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create dispatch engine: %w", err)
	}
	engine.Start()

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	// Inbound broker: consumer feeds the engine, publisher serves the dispatch API
	var (
		inbound   consumer
		publisher api.Publisher
		closeIn   func() error
		stopFetch func()
	)
	switch cfg.Broker {
	case config.BrokerKafka:
		group, err := kafka.NewConsumerGroup(kafkaCfg)
		if err != nil {
			return fmt.Errorf("failed to join consumer group: %w", err)
		}
		kc := ingest.NewKafkaConsumer(group, engine, ingest.KafkaConfig{
			Topic:          cfg.KafkaTopic,
			CommitInterval: cfg.KafkaCommitInterval,
			MaxInFlight:    int64(cfg.MaxInFlight),
		}, logger)
		inbound, closeIn, stopFetch = kc, kc.Close, kc.StopFetching

		producer, err := kafka.NewProducer(kafkaCfg, cfg.KafkaTopic, logger)
		if err != nil {
			return fmt.Errorf("failed to create event producer: %w", err)
		}
		defer producer.Close()
		publisher = producer
	case config.BrokerSQS:
		sqsCfg := sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSQueueURL, DLQURL: cfg.SQSDLQURL}
		inbound = ingest.NewSQSConsumer(sqs.NewConsumer(sqsClient, sqsCfg, logger), engine, int64(cfg.MaxInFlight), logger)
		publisher = sqs.NewProducer(sqsClient, cfg.SQSQueueURL, logger)
		// deletes use the engine's context, so ending the poll loop is enough
		stopFetch = consumerCancel
	}

	consumerDone := make(chan error, 1)
	go func() { consumerDone <- inbound.Run(consumerCtx) }()

	if protected != nil {
		go protected.Run(consumerCtx, cfg.SweepInterval, cfg.PoolIdleTTL)
	}
	if httpClient != nil {
		go httpClient.Run(consumerCtx, cfg.SweepInterval, cfg.PoolIdleTTL)
	}

	// HTTP API
	opts := []api.Option{api.WithEngineStats(engine)}
	if protected != nil {
		opts = append(opts, api.WithCircuitStats(protected))
	}
	if mockClient != nil {
		opts = append(opts, api.WithMockStats(mockClient))
	}
	var limiter api.RateLimiter
	if redisClient != nil {
		opts = append(opts, api.WithIdempotency(redis.NewIdempotencyService(redisClient, logger)))
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
	}

	checks := map[string]api.HealthCheck{"postgres": database.Health}
	if redisClient != nil {
		checks["redis"] = redisClient.Ping
	}
	handler := api.NewHandler(logger, publisher, opts...)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, limiter, logger, checks),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case err := <-consumerDone:
		if err != nil {
			runErr = fmt.Errorf("consumer error: %w", err)
		}
		consumerDone <- nil
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(stopCtx); err != nil {
		_ = srv.Close()
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	// Stop intake but keep broker sessions open while the engine drains, so
	// drained units still commit their offsets. Sessions end afterwards.
	stopFetch()
	if err := engine.Stop(stopCtx); err != nil {
		logger.Error("dispatch engine did not drain in time", zap.Error(err))
	}
	consumerCancel()
	<-consumerDone

	if closeIn != nil {
		if err := closeIn(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("failed to close consumer", zap.Error(err))
		}
	}

	logger.Info("relay stopped")
	return runErr
}
