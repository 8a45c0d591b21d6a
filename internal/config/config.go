package config

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

var (
	global   *Config
	globalMu sync.RWMutex
)

// Config is the full runtime configuration, filled from the environment.
type Config struct {
	Environment string `env:"APP_ENV, default=development"`
	Version     string `env:"APP_VERSION, default=1.0.0"`

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Bucketing     BucketingConfig
	Auth          AuthConfig
}

type ServerConfig struct {
	Host           string        `env:"SERVER_HOST, default=0.0.0.0"`
	Port           int           `env:"SERVER_PORT, default=8080"`
	TLSPort        int           `env:"SERVER_TLS_PORT, default=8443"`
	EnableTLS      bool          `env:"SERVER_ENABLE_TLS, default=false"`
	RequireHTTPS   bool          `env:"SERVER_REQUIRE_HTTPS, default=false"`
	AutoCert       bool          `env:"SERVER_AUTOCERT, default=false"`
	Domain         string        `env:"SERVER_DOMAIN, default=localhost"`
	CertFile       string        `env:"SERVER_CERT_FILE"`
	KeyFile        string        `env:"SERVER_KEY_FILE"`
	AutoCertDir    string        `env:"SERVER_AUTOCERT_DIR, default=./certs"`
	Email          string        `env:"SERVER_ACME_EMAIL"`
	ClientCAFile   string        `env:"SERVER_CLIENT_CA_FILE"`
	AllowedOrigins []string      `env:"SERVER_ALLOWED_ORIGINS, default=https://*"`
	TrustedProxies []string      `env:"SERVER_TRUSTED_PROXIES"`
	ReadTimeout    time.Duration `env:"SERVER_READ_TIMEOUT, default=15s"`
	WriteTimeout   time.Duration `env:"SERVER_WRITE_TIMEOUT, default=30s"`
	IdleTimeout    time.Duration `env:"SERVER_IDLE_TIMEOUT, default=120s"`
}

type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL, default=info"`
	Format string `env:"LOG_FORMAT, default=json"`
}

type RedisConfig struct {
	Enabled  bool   `env:"REDIS_ENABLED, default=true"`
	URL      string `env:"REDIS_URL, default=redis://localhost:6379/0"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB, default=0"`
	PoolSize int    `env:"REDIS_POOL_SIZE, default=20"`
	// TLS material, used only for rediss:// URLs.
	TLSCAFile   string `env:"REDIS_TLS_CA_FILE"`
	TLSCertFile string `env:"REDIS_TLS_CERT_FILE"`
	TLSKeyFile  string `env:"REDIS_TLS_KEY_FILE"`
}

type ScyllaConfig struct {
	Enabled  bool     `env:"SCYLLA_ENABLED, default=true"`
	Nodes    []string `env:"SCYLLA_NODES, default=localhost:9042"`
	Keyspace string   `env:"SCYLLA_KEYSPACE, default=family_vault"`
	Username string   `env:"SCYLLA_USERNAME"`
	Password string   `env:"SCYLLA_PASSWORD"`
}

type KafkaConfig struct {
	Enabled    bool     `env:"KAFKA_ENABLED, default=false"`
	Brokers    []string `env:"KAFKA_BROKERS, default=localhost:9092"`
	AuditTopic string   `env:"KAFKA_AUDIT_TOPIC, default=security-events"`
}

type ElasticsearchConfig struct {
	Enabled    bool   `env:"ELASTICSEARCH_ENABLED, default=false"`
	URL        string `env:"ELASTICSEARCH_URL, default=http://localhost:9200"`
	Username   string `env:"ELASTICSEARCH_USERNAME"`
	Password   string `env:"ELASTICSEARCH_PASSWORD"`
	AuditIndex string `env:"ELASTICSEARCH_AUDIT_INDEX, default=security-events"`
}

type ClickhouseConfig struct {
	Enabled  bool   `env:"CLICKHOUSE_ENABLED, default=false"`
	URL      string `env:"CLICKHOUSE_URL, default=localhost:9000"`
	Username string `env:"CLICKHOUSE_USERNAME, default=default"`
	Password string `env:"CLICKHOUSE_PASSWORD"`
	Database string `env:"CLICKHOUSE_DATABASE, default=family_vault"`
	CAFile   string `env:"CLICKHOUSE_CA_FILE"`
}

type KMSConfig struct {
	Enabled bool   `env:"KMS_ENABLED, default=false"`
	KeyID   string `env:"KMS_KEY_ID"`
	Region  string `env:"KMS_REGION, default=us-east-1"`
	// LocalKey is a hex AES-256 key wrapping data keys when KMS is disabled.
	LocalKey string `env:"KMS_LOCAL_KEY"`
}

type BucketingConfig struct {
	EventBuckets int `env:"EVENT_BUCKETS, default=64"`
}

// AuthConfig holds the authentication policy knobs.
type AuthConfig struct {
	RateLimit         int           `env:"AUTH_RATE_LIMIT, default=5"`
	RateLimitWindow   time.Duration `env:"AUTH_RATE_LIMIT_WINDOW, default=15m"`
	CertSessionTTL    time.Duration `env:"AUTH_CERT_SESSION_TTL, default=10m"`
	SessionTTL        time.Duration `env:"AUTH_SESSION_TTL, default=8h"`
	TrustedSessionTTL time.Duration `env:"AUTH_TRUSTED_SESSION_TTL, default=720h"`
	LockoutThreshold  int           `env:"AUTH_LOCKOUT_THRESHOLD, default=5"`
	LockoutDuration   time.Duration `env:"AUTH_LOCKOUT_DURATION, default=15m"`
	SweepInterval     time.Duration `env:"AUTH_SWEEP_INTERVAL, default=1h"`
	MaxConcurrentKDF  int64         `env:"AUTH_MAX_CONCURRENT_KDF, default=8"`
}

// Load reads an optional .env file and fills a Config from the environment.
func Load(ctx context.Context) (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads the configuration and installs it as the process-wide value.
// It panics when the environment is unusable.
func LoadConfig() *Config {
	cfg, err := Load(context.Background())
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	Set(cfg)
	return cfg
}

func Set(cfg *Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = cfg
}

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	globalMu.RLock()
	cfg := global
	globalMu.RUnlock()
	if cfg != nil {
		return cfg
	}
	return LoadConfig()
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "test"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) validate() error {
	if c.Auth.RateLimit <= 0 {
		return fmt.Errorf("AUTH_RATE_LIMIT must be positive")
	}
	if c.Auth.RateLimitWindow <= 0 {
		return fmt.Errorf("AUTH_RATE_LIMIT_WINDOW must be positive")
	}
	if c.Auth.LockoutThreshold <= 0 {
		return fmt.Errorf("AUTH_LOCKOUT_THRESHOLD must be positive")
	}
	for _, p := range c.Server.TrustedProxies {
		if err := validProxyEntry(p); err != nil {
			return fmt.Errorf("SERVER_TRUSTED_PROXIES: %w", err)
		}
	}
	if c.Bucketing.EventBuckets <= 0 {
		return fmt.Errorf("EVENT_BUCKETS must be positive")
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return fmt.Errorf("KMS_KEY_ID is required when KMS is enabled")
	}
	if c.IsProduction() && !c.KMS.Enabled && c.KMS.LocalKey == "" {
		return fmt.Errorf("KMS_LOCAL_KEY is required in production when KMS is disabled")
	}
	return nil
}

func validProxyEntry(s string) error {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err
	}
	_, err := netip.ParseAddr(s)
	return err
}
