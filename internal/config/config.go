package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BrokerKafka = "kafka"
	BrokerSQS   = "sqs"

	IdempotencyMemory = "memory"
	IdempotencyRedis  = "redis"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	// Inbound broker: kafka or sqs
	Broker string

	// Kafka config
	KafkaBrokers        []string
	KafkaTopic          string
	KafkaGroupID        string
	KafkaDLQTopic       string
	KafkaClientID       string
	KafkaCommitInterval time.Duration

	// AWS Services
	AWSRegion      string
	SQSRegion      string
	SQSQueueURL    string
	SQSDLQURL      string
	SQSEndpoint    string
	SNSRegion      string
	SNSDLQTopicARN string
	SNSEndpoint    string

	// Dispatch engine
	MaxBatchSize          int
	BatchTimeout          time.Duration
	PermitsPerDestination int
	DeliveryTimeout       time.Duration
	PoolIdleTTL           time.Duration
	SweepInterval         time.Duration
	QueueIdleTTL          time.Duration
	Workers               int
	WorkerQueueSize       int
	MaxInFlight           int
	ShutdownTimeout       time.Duration

	// Unit idempotency
	IdempotencyBackend    string
	IdempotencyWindow     time.Duration
	IdempotencyMaxEntries int

	// WhatsApp Cloud API
	WhatsAppBaseURL         string
	WhatsAppAPIVersion      string
	WhatsAppTimeout         time.Duration
	WhatsAppOutgoingEnabled bool
	WhatsAppMock            bool
	DeliveryRatePerSec      int

	// Circuit breaker per destination
	CircuitBreakerEnabled  bool
	CircuitMaxFailures     int
	CircuitRecoveryTimeout time.Duration

	// API rate limit per account per minute
	RateLimitPerMinute int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "relay",
		DBPassword: "",
		DBName:     "relay",
		DBSSLMode:  "disable",
		DBMaxConns: 25,

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,
		RedisPoolSize: 50,

		Broker:              BrokerKafka,
		KafkaBrokers:        []string{"localhost:9092"},
		KafkaTopic:          "broadcast-messages",
		KafkaGroupID:        "relay-dispatch",
		KafkaDLQTopic:       "broadcast-messages-dlq",
		KafkaClientID:       "relay",
		KafkaCommitInterval: time.Second,

		AWSRegion: "us-east-1",

		MaxBatchSize:          80,
		BatchTimeout:          3 * time.Second,
		PermitsPerDestination: 80,
		DeliveryTimeout:       300 * time.Second,
		PoolIdleTTL:           6 * time.Hour,
		SweepInterval:         time.Hour,
		QueueIdleTTL:          5 * time.Minute,
		Workers:               500,
		WorkerQueueSize:       10000,
		MaxInFlight:           10000,
		ShutdownTimeout:       60 * time.Second,

		IdempotencyBackend:    IdempotencyMemory,
		IdempotencyWindow:     time.Hour,
		IdempotencyMaxEntries: 10000,

		WhatsAppBaseURL:         "https://graph.facebook.com",
		WhatsAppAPIVersion:      "v21.0",
		WhatsAppTimeout:         30 * time.Second,
		WhatsAppOutgoingEnabled: true,

		CircuitBreakerEnabled:  true,
		CircuitMaxFailures:     5,
		CircuitRecoveryTimeout: 30 * time.Second,

		RateLimitPerMinute: 100,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Broker config
	if broker := os.Getenv("BROKER"); broker != "" {
		cfg.Broker = strings.ToLower(broker)
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitList(brokers)
	}

	if topic := os.Getenv("KAFKA_TOPIC"); topic != "" {
		cfg.KafkaTopic = topic
	}

	if group := os.Getenv("KAFKA_GROUP_ID"); group != "" {
		cfg.KafkaGroupID = group
	}

	if topic := os.Getenv("KAFKA_DLQ_TOPIC"); topic != "" {
		cfg.KafkaDLQTopic = topic
	}

	if id := os.Getenv("KAFKA_CLIENT_ID"); id != "" {
		cfg.KafkaClientID = id
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	if url := os.Getenv("SQS_DLQ_URL"); url != "" {
		cfg.SQSDLQURL = url
	}

	if endpoint := os.Getenv("SQS_ENDPOINT"); endpoint != "" {
		cfg.SQSEndpoint = endpoint
	}

	// SNS config for dead-letter alerts
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if arn := os.Getenv("SNS_DLQ_TOPIC_ARN"); arn != "" {
		cfg.SNSDLQTopicARN = arn
	}

	if endpoint := os.Getenv("SNS_ENDPOINT"); endpoint != "" {
		cfg.SNSEndpoint = endpoint
	}

	if backend := os.Getenv("IDEMPOTENCY_BACKEND"); backend != "" {
		cfg.IdempotencyBackend = strings.ToLower(backend)
	}

	if url := os.Getenv("WHATSAPP_BASE_URL"); url != "" {
		cfg.WhatsAppBaseURL = url
	}

	if version := os.Getenv("WHATSAPP_API_VERSION"); version != "" {
		cfg.WhatsAppAPIVersion = version
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"DB_MAX_CONNS", &cfg.DBMaxConns},
		{"REDIS_POOL_SIZE", &cfg.RedisPoolSize},
		{"MAX_BATCH_SIZE", &cfg.MaxBatchSize},
		{"PERMITS_PER_DESTINATION", &cfg.PermitsPerDestination},
		{"WORKER_COUNT", &cfg.Workers},
		{"WORKER_QUEUE_SIZE", &cfg.WorkerQueueSize},
		{"MAX_IN_FLIGHT", &cfg.MaxInFlight},
		{"IDEMPOTENCY_MAX_ENTRIES", &cfg.IdempotencyMaxEntries},
		{"DELIVERY_RATE_PER_SEC", &cfg.DeliveryRatePerSec},
		{"CIRCUIT_MAX_FAILURES", &cfg.CircuitMaxFailures},
		{"RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute},
	}
	for _, v := range ints {
		if err := lookupInt(v.name, v.dst); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"KAFKA_COMMIT_INTERVAL", &cfg.KafkaCommitInterval},
		{"BATCH_TIMEOUT", &cfg.BatchTimeout},
		{"DELIVERY_TIMEOUT", &cfg.DeliveryTimeout},
		{"POOL_IDLE_TTL", &cfg.PoolIdleTTL},
		{"SWEEP_INTERVAL", &cfg.SweepInterval},
		{"QUEUE_IDLE_TTL", &cfg.QueueIdleTTL},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"IDEMPOTENCY_WINDOW", &cfg.IdempotencyWindow},
		{"WHATSAPP_TIMEOUT", &cfg.WhatsAppTimeout},
		{"CIRCUIT_RECOVERY_TIMEOUT", &cfg.CircuitRecoveryTimeout},
	}
	for _, v := range durations {
		if err := lookupDuration(v.name, v.dst); err != nil {
			return nil, err
		}
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"WHATSAPP_OUTGOING_ENABLED", &cfg.WhatsAppOutgoingEnabled},
		{"WHATSAPP_MOCK", &cfg.WhatsAppMock},
		{"CIRCUIT_BREAKER_ENABLED", &cfg.CircuitBreakerEnabled},
	}
	for _, v := range bools {
		if err := lookupBool(v.name, v.dst); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks combinations that would fail at startup.
func (c *Config) Validate() error {
	switch c.Broker {
	case BrokerKafka:
		if len(c.KafkaBrokers) == 0 || c.KafkaTopic == "" || c.KafkaGroupID == "" {
			return errors.New("kafka broker requires KAFKA_BROKERS, KAFKA_TOPIC and KAFKA_GROUP_ID")
		}
	case BrokerSQS:
		if c.SQSQueueURL == "" {
			return errors.New("sqs broker requires SQS_QUEUE_URL")
		}
	default:
		return fmt.Errorf("invalid BROKER %q: must be kafka or sqs", c.Broker)
	}

	if c.IdempotencyBackend != IdempotencyMemory && c.IdempotencyBackend != IdempotencyRedis {
		return fmt.Errorf("invalid IDEMPOTENCY_BACKEND %q: must be memory or redis", c.IdempotencyBackend)
	}
	if c.MaxBatchSize <= 0 || c.PermitsPerDestination <= 0 {
		return errors.New("MAX_BATCH_SIZE and PERMITS_PER_DESTINATION must be positive")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func lookupInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

// lookupDuration accepts Go durations ("3s") or plain seconds ("3").
func lookupDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}

func lookupBool(name string, dst *bool) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = b
	return nil
}

// loadEnvFile reads ENV_FILE (default .env) into the environment. Variables
// already set win over the file; a missing file is not an error.
func loadEnvFile() error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}
