package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"app-security/internal/util"
)

const (
	KDFPBKDF2   = "pbkdf2-sha256"
	KDFArgon2id = "argon2id"

	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"

	// MinKDFIterations is the floor for the PBKDF2 round count.
	MinKDFIterations = 1000
	MaxKDFIterations = 2_000_000

	// Argon2 ceilings; memory is in KiB.
	MaxArgon2TimeCost    = 16
	MaxArgon2MemoryCost  = 1 << 20
	MaxArgon2Parallelism = 16
)

type Config struct {
	Environment   string              `yaml:"environment"`
	Logging       LoggingConfig       `yaml:"logging"`
	Server        ServerConfig        `yaml:"server"`
	Remote        RemoteConfig        `yaml:"remote"`
	Security      SecurityConfig      `yaml:"security"`
	Storage       StorageConfig       `yaml:"storage"`
	Redis         RedisConfig         `yaml:"redis"`
	KMS           KMSConfig           `yaml:"kms"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Device        DeviceConfig        `yaml:"device"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig configures the loopback API used by the app shell.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// EnableTLS serves the API over TLS with CertFile/KeyFile, or a
	// self-signed loopback certificate kept in CertDir.
	EnableTLS bool   `yaml:"enable_tls"`
	CertFile  string `yaml:"cert_file"`
	KeyFile   string `yaml:"key_file"`
	CertDir   string `yaml:"cert_dir"`
}

// RemoteConfig points at the backend security authority.
type RemoteConfig struct {
	BaseURL     string        `yaml:"base_url"`
	AuthToken   string        `yaml:"auth_token"`
	Timeout     time.Duration `yaml:"timeout"`
	SyncTimeout time.Duration `yaml:"sync_timeout"`
}

type SecurityConfig struct {
	KDFAlgorithm          string        `yaml:"kdf_algorithm"`
	KDFIterations         int           `yaml:"kdf_iterations"`
	Argon2MemoryCost      int           `yaml:"argon2_memory_cost"`
	Argon2TimeCost        int           `yaml:"argon2_time_cost"`
	Argon2Parallelism     int           `yaml:"argon2_parallelism"`
	DefaultSessionTimeout time.Duration `yaml:"default_session_timeout"`
	DefaultMaxAttempts    int           `yaml:"default_max_attempts"`
	LockoutCooldown       time.Duration `yaml:"lockout_cooldown"`
}

type StorageConfig struct {
	SettingsBackend string `yaml:"settings_backend"`
	SQLitePath      string `yaml:"sqlite_path"`
	SecretStorePath string `yaml:"secret_store_path"`
}

type RedisConfig struct {
	URL       string `yaml:"url"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

type KMSConfig struct {
	Enabled bool   `yaml:"enabled"`
	KeyID   string `yaml:"key_id"`
	Region  string `yaml:"region"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ElasticsearchConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Index    string `yaml:"index"`
}

// DeviceConfig carries the identifiers the fallback device key is derived from.
type DeviceConfig struct {
	ID     string `yaml:"id"`
	UserID string `yaml:"user_id"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8787,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			CertDir:      "certs",
		},
		Remote: RemoteConfig{
			Timeout:     10 * time.Second,
			SyncTimeout: 5 * time.Second,
		},
		Security: SecurityConfig{
			KDFAlgorithm:          KDFPBKDF2,
			KDFIterations:         MinKDFIterations,
			Argon2MemoryCost:      64 * 1024,
			Argon2TimeCost:        1,
			Argon2Parallelism:     2,
			DefaultSessionTimeout: 5 * time.Minute,
			DefaultMaxAttempts:    5,
			LockoutCooldown:       30 * time.Second,
		},
		Storage: StorageConfig{
			SettingsBackend: BackendSQLite,
			SQLitePath:      "appsec-settings.db",
			SecretStorePath: "appsec-secrets.json",
		},
		Redis: RedisConfig{
			PoolSize:  10,
			KeyPrefix: "appsec:",
		},
		Kafka: KafkaConfig{
			Topic: "security-events",
		},
		Elasticsearch: ElasticsearchConfig{
			Index: "security-events",
		},
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file,
// an optional .env file and finally APPSEC_* environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
			// defaults
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Environment = util.GetEnv("APPSEC_ENV", c.Environment)
	c.Logging.Level = util.GetEnv("APPSEC_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = util.GetEnv("APPSEC_LOG_FORMAT", c.Logging.Format)

	c.Server.Host = util.GetEnv("APPSEC_SERVER_HOST", c.Server.Host)
	c.Server.Port = util.GetEnvInt("APPSEC_SERVER_PORT", c.Server.Port)
	c.Server.EnableTLS = util.GetEnvBool("APPSEC_SERVER_TLS", c.Server.EnableTLS)
	c.Server.CertFile = util.GetEnv("APPSEC_SERVER_CERT_FILE", c.Server.CertFile)
	c.Server.KeyFile = util.GetEnv("APPSEC_SERVER_KEY_FILE", c.Server.KeyFile)
	c.Server.CertDir = util.GetEnv("APPSEC_SERVER_CERT_DIR", c.Server.CertDir)

	c.Remote.BaseURL = util.GetEnv("APPSEC_REMOTE_URL", c.Remote.BaseURL)
	c.Remote.AuthToken = util.GetEnv("APPSEC_REMOTE_TOKEN", c.Remote.AuthToken)
	c.Remote.Timeout = util.GetEnvDuration("APPSEC_REMOTE_TIMEOUT", c.Remote.Timeout)
	c.Remote.SyncTimeout = util.GetEnvDuration("APPSEC_REMOTE_SYNC_TIMEOUT", c.Remote.SyncTimeout)

	c.Security.KDFAlgorithm = util.GetEnv("APPSEC_KDF_ALGORITHM", c.Security.KDFAlgorithm)
	c.Security.KDFIterations = util.GetEnvInt("APPSEC_KDF_ITERATIONS", c.Security.KDFIterations)
	c.Security.DefaultSessionTimeout = util.GetEnvDuration("APPSEC_SESSION_TIMEOUT", c.Security.DefaultSessionTimeout)
	c.Security.DefaultMaxAttempts = util.GetEnvInt("APPSEC_MAX_ATTEMPTS", c.Security.DefaultMaxAttempts)
	c.Security.LockoutCooldown = util.GetEnvDuration("APPSEC_LOCKOUT_COOLDOWN", c.Security.LockoutCooldown)

	c.Storage.SettingsBackend = util.GetEnv("APPSEC_SETTINGS_BACKEND", c.Storage.SettingsBackend)
	c.Storage.SQLitePath = util.GetEnv("APPSEC_SQLITE_PATH", c.Storage.SQLitePath)
	c.Storage.SecretStorePath = util.GetEnv("APPSEC_SECRET_STORE_PATH", c.Storage.SecretStorePath)

	c.Redis.URL = util.GetEnv("APPSEC_REDIS_URL", c.Redis.URL)
	c.Redis.Password = util.GetEnv("APPSEC_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = util.GetEnvInt("APPSEC_REDIS_DB", c.Redis.DB)

	c.KMS.Enabled = util.GetEnvBool("APPSEC_KMS_ENABLED", c.KMS.Enabled)
	c.KMS.KeyID = util.GetEnv("APPSEC_KMS_KEY_ID", c.KMS.KeyID)
	c.KMS.Region = util.GetEnv("APPSEC_KMS_REGION", c.KMS.Region)

	c.Kafka.Brokers = util.GetEnvList("APPSEC_KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.Topic = util.GetEnv("APPSEC_KAFKA_TOPIC", c.Kafka.Topic)

	c.Elasticsearch.URL = util.GetEnv("APPSEC_ES_URL", c.Elasticsearch.URL)
	c.Elasticsearch.Username = util.GetEnv("APPSEC_ES_USERNAME", c.Elasticsearch.Username)
	c.Elasticsearch.Password = util.GetEnv("APPSEC_ES_PASSWORD", c.Elasticsearch.Password)
	c.Elasticsearch.Index = util.GetEnv("APPSEC_ES_INDEX", c.Elasticsearch.Index)

	c.Device.ID = util.GetEnv("APPSEC_DEVICE_ID", c.Device.ID)
	c.Device.UserID = util.GetEnv("APPSEC_USER_ID", c.Device.UserID)
}

// Validate rejects configurations the security core cannot run with.
func (c *Config) Validate() error {
	switch c.Security.KDFAlgorithm {
	case KDFPBKDF2:
		if c.Security.KDFIterations < MinKDFIterations || c.Security.KDFIterations > MaxKDFIterations {
			return fmt.Errorf("kdf_iterations must be between %d and %d", MinKDFIterations, MaxKDFIterations)
		}
	case KDFArgon2id:
		if c.Security.Argon2TimeCost < 1 || c.Security.Argon2MemoryCost < 1 || c.Security.Argon2Parallelism < 1 {
			return errors.New("argon2 parameters must be positive")
		}
		if c.Security.Argon2TimeCost > MaxArgon2TimeCost ||
			c.Security.Argon2MemoryCost > MaxArgon2MemoryCost ||
			c.Security.Argon2Parallelism > MaxArgon2Parallelism {
			return fmt.Errorf("argon2 parameters exceed t=%d,m=%d,p=%d", MaxArgon2TimeCost, MaxArgon2MemoryCost, MaxArgon2Parallelism)
		}
	default:
		return fmt.Errorf("unsupported kdf_algorithm %q", c.Security.KDFAlgorithm)
	}

	switch c.Storage.SettingsBackend {
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("sqlite_path is required for the sqlite settings backend")
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			return errors.New("redis url is required for the redis settings backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unsupported settings_backend %q", c.Storage.SettingsBackend)
	}

	if c.Server.EnableTLS && (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return errors.New("cert_file and key_file must be set together")
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return errors.New("kms key_id is required when kms is enabled")
	}
	if c.Security.DefaultSessionTimeout <= 0 {
		return errors.New("default_session_timeout must be positive")
	}
	if c.Security.DefaultMaxAttempts < 1 {
		return errors.New("default_max_attempts must be at least 1")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// GetServerAddress returns the listen address of the local API.
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
