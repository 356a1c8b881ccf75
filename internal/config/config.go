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

var (
	global *Config
	once   sync.Once
)

// Config holds the full service configuration, loaded once from the
// environment (optionally seeded from a .env file).
type Config struct {
	Environment string

	Server        ServerConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	SMS           SMSConfig
	Bucketing     BucketingConfig
	Security      SecurityConfig
	Logging       LoggingConfig
}

type ServerConfig struct {
	Port         int
	EnableTLS    bool
	CertFile     string
	KeyFile      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
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
	Brokers    []string
	AuditTopic string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type SMSConfig struct {
	GatewayURL string
	APIKey     string
	Sender     string
}

type BucketingConfig struct {
	AccountBuckets int
	EventBuckets   int
}

// SecurityConfig carries every tunable of the account-security core.
type SecurityConfig struct {
	JWTSecret string

	LockoutThreshold int           // failed attempts before an account lock
	LockoutDuration  time.Duration // how long a brute-force lock holds
	AddressCeiling   int           // attempts per source address before throttling
	AddressWindow    time.Duration // inactivity window for the address counter

	SessionTTL          time.Duration // password logins
	FederatedSessionTTL time.Duration // OAuth logins
	MaxSessions         int

	PasswordHistoryDepth int
	PasswordExpiry       time.Duration
	BcryptCost           int

	OTPValidity   time.Duration
	TOTPIssuer    string
	TOTPSkewSteps uint

	UnlockSweepInterval time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig reads the environment into a Config. A missing .env file is not
// an error; explicit environment variables always win.
func LoadConfig() *Config {
	once.Do(func() {
		_ = godotenv.Load()

		global = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Port:         getEnvInt("SERVER_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    splitList(getEnv("SCYLLA_NODES", "localhost:9042")),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "mediconnect_auth"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:    splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
				AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "security-events"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
				Database: getEnv("CLICKHOUSE_DATABASE", "mediconnect"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
				Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
				Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
				AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "audit-records"),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "ap-south-1"),
			},
			SMS: SMSConfig{
				GatewayURL: getEnv("SMS_GATEWAY_URL", ""),
				APIKey:     getEnv("SMS_API_KEY", ""),
				Sender:     getEnv("SMS_SENDER", "MediConnect"),
			},
			Bucketing: BucketingConfig{
				AccountBuckets: getEnvInt("ACCOUNT_BUCKETS", 64),
				EventBuckets:   getEnvInt("EVENT_BUCKETS", 16),
			},
			Security: SecurityConfig{
				JWTSecret:            getEnv("JWT_SECRET", ""),
				LockoutThreshold:     getEnvInt("LOCKOUT_THRESHOLD", 5),
				LockoutDuration:      getEnvDuration("LOCKOUT_DURATION", 15*time.Minute),
				AddressCeiling:       getEnvInt("ADDRESS_THROTTLE_CEILING", 10),
				AddressWindow:        getEnvDuration("ADDRESS_THROTTLE_WINDOW", 15*time.Minute),
				SessionTTL:           getEnvDuration("SESSION_TTL", time.Hour),
				FederatedSessionTTL:  getEnvDuration("FEDERATED_SESSION_TTL", 8*time.Hour),
				MaxSessions:          getEnvInt("MAX_CONCURRENT_SESSIONS", 5),
				PasswordHistoryDepth: getEnvInt("PASSWORD_HISTORY_DEPTH", 5),
				PasswordExpiry:       getEnvDuration("PASSWORD_EXPIRY", 90*24*time.Hour),
				BcryptCost:           getEnvInt("BCRYPT_COST", 12),
				OTPValidity:          getEnvDuration("OTP_VALIDITY", 10*time.Minute),
				TOTPIssuer:           getEnv("TOTP_ISSUER", "MediConnect"),
				TOTPSkewSteps:        uint(getEnvInt("TOTP_SKEW_STEPS", 2)),
				UnlockSweepInterval:  getEnvDuration("UNLOCK_SWEEP_INTERVAL", 5*time.Minute),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		}
	})

	return global
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	if global == nil {
		return LoadConfig()
	}
	return global
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
