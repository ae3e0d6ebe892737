package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Guard         GuardConfig
	Store         StoreConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Bucketing     BucketingConfig
	Events        EventsConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
	Output []string
	// Sampling keeps the first SampleInitial entries of each message per
	// second, then every SampleThereafter-th.
	Sampling         bool
	SampleInitial    int
	SampleThereafter int
}

// PolicyConfig mirrors service.Policy so the config package stays free of
// service imports.
type PolicyConfig struct {
	MaxAttempts   int
	Window        time.Duration
	BlockDuration time.Duration
}

type GuardConfig struct {
	Default      PolicyConfig
	Actions      map[string]PolicyConfig
	StoreTimeout time.Duration
}

type StoreConfig struct {
	Backend string // memory, redis or scylla
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ElasticsearchConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Index    string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type BucketingConfig struct {
	RecordBuckets int
	EventBuckets  int
}

type EventsConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads .env (if present) and the process environment.
// It exits on an invalid configuration.
func LoadConfig() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// Load is LoadConfig without the exit, for callers that handle errors.
func Load() (*Config, error) {
	_ = godotenv.Load()

	environment := getEnv("ENVIRONMENT", "development")

	cfg := &Config{
		Environment: environment,
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8080),
			TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
			Domain:       getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  getEnv("SERVER_AUTO_CERT_DIR", "./certs"),
			Email:        getEnv("SERVER_CERT_EMAIL", ""),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:            getEnv("LOG_LEVEL", "info"),
			Format:           getEnv("LOG_FORMAT", "json"),
			Output:           getEnvList("LOG_OUTPUT", []string{"stdout"}),
			Sampling:         getEnvBool("LOG_SAMPLING", environment == "production"),
			SampleInitial:    getEnvInt("LOG_SAMPLE_INITIAL", 100),
			SampleThereafter: getEnvInt("LOG_SAMPLE_THEREAFTER", 100),
		},
		Guard: GuardConfig{
			Default: PolicyConfig{
				MaxAttempts:   getEnvInt("GUARD_MAX_ATTEMPTS", 5),
				Window:        getEnvDuration("GUARD_WINDOW", 15*time.Minute),
				BlockDuration: getEnvDuration("GUARD_BLOCK_DURATION", 30*time.Minute),
			},
			StoreTimeout: getEnvDuration("GUARD_STORE_TIMEOUT", 3*time.Second),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(getEnv("STORE_BACKEND", "redis")),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "abuse_guard"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvBool("KAFKA_ENABLED", false),
			Brokers: getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("KAFKA_TOPIC", "security-events"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:  getEnvBool("ES_ENABLED", false),
			URL:      getEnv("ES_URL", "http://localhost:9200"),
			Username: getEnv("ES_USERNAME", ""),
			Password: getEnv("ES_PASSWORD", ""),
			Index:    getEnv("ES_INDEX", "security-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "abuse_guard"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("KMS_REGION", "us-east-1"),
		},
		Bucketing: BucketingConfig{
			RecordBuckets: getEnvInt("RECORD_BUCKETS", 64),
			EventBuckets:  getEnvInt("EVENT_BUCKETS", 16),
		},
		Events: EventsConfig{
			BufferSize:    getEnvInt("EVENTS_BUFFER_SIZE", 1024),
			BatchSize:     getEnvInt("EVENTS_BATCH_SIZE", 100),
			FlushInterval: getEnvDuration("EVENTS_FLUSH_INTERVAL", 2*time.Second),
		},
	}

	actions, err := ParseActionPolicies(os.Getenv("GUARD_ACTION_POLICIES"))
	if err != nil {
		return nil, err
	}
	cfg.Guard.Actions = actions

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg, nil
}

// Get returns the last loaded configuration, loading it on first use.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

func (c *Config) Validate() error {
	if err := validatePolicy("default", c.Guard.Default); err != nil {
		return err
	}
	for action, p := range c.Guard.Actions {
		if err := validatePolicy(action, p); err != nil {
			return err
		}
	}
	switch c.Store.Backend {
	case "memory", "redis", "scylla":
	default:
		return fmt.Errorf("unsupported STORE_BACKEND: %s", c.Store.Backend)
	}
	if c.Store.Backend == "scylla" && c.Bucketing.RecordBuckets <= 0 {
		return fmt.Errorf("RECORD_BUCKETS must be positive")
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return fmt.Errorf("KMS_KEY_ID is required when KMS is enabled")
	}
	if c.Logging.Sampling && (c.Logging.SampleInitial <= 0 || c.Logging.SampleThereafter <= 0) {
		return fmt.Errorf("LOG_SAMPLE_INITIAL and LOG_SAMPLE_THEREAFTER must be positive when sampling")
	}
	if c.Events.BatchSize <= 0 || c.Events.BufferSize <= 0 {
		return fmt.Errorf("events buffer and batch sizes must be positive")
	}
	return nil
}

func validatePolicy(name string, p PolicyConfig) error {
	if p.MaxAttempts <= 0 || p.Window <= 0 || p.BlockDuration <= 0 {
		return fmt.Errorf("policy %q must have positive max attempts, window and block duration", name)
	}
	return nil
}

// ParseActionPolicies parses ACTION:MAX_ATTEMPTS:WINDOW:BLOCK_DURATION items
// separated by commas, e.g. "login:5:15m:30m,password-reset:3:1h:1h".
func ParseActionPolicies(raw string) (map[string]PolicyConfig, error) {
	policies := make(map[string]PolicyConfig)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return policies, nil
	}

	for _, item := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(item), ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("action policy must follow ACTION:MAX_ATTEMPTS:WINDOW:BLOCK_DURATION: %s", item)
		}

		action := strings.TrimSpace(parts[0])
		if action == "" {
			return nil, fmt.Errorf("action policy has empty action name: %s", item)
		}
		maxAttempts, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid max attempts for action %s: %w", action, err)
		}
		window, err := time.ParseDuration(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("invalid window for action %s: %w", action, err)
		}
		block, err := time.ParseDuration(strings.TrimSpace(parts[3]))
		if err != nil {
			return nil, fmt.Errorf("invalid block duration for action %s: %w", action, err)
		}

		policies[action] = PolicyConfig{
			MaxAttempts:   maxAttempts,
			Window:        window,
			BlockDuration: block,
		}
	}

	return policies, nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvList(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
