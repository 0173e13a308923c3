package factory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"app-security/internal/audit"
	"app-security/internal/client"
	"app-security/internal/config"
	"app-security/internal/devicekey"
	"app-security/internal/encryption"
	"app-security/internal/hashing"
	"app-security/internal/random"
	"app-security/internal/remote"
	"app-security/internal/repository"
	redisrepo "app-security/internal/repository/redis"
	"app-security/internal/repository/sqlite"
	"app-security/internal/secretstore"
	"app-security/internal/service"
	"app-security/internal/session"
	"app-security/internal/settings"
	"app-security/internal/util"
)

const secretNamespace = "appsec"

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config   *config.Config
	logger   *zap.Logger
	deviceID string

	// Clients
	redisClient   *client.RedisClient
	kafkaProducer *client.KafkaProducer
	esClient      *client.ESClient

	// Storage
	encryptionManager *encryption.Manager
	secrets           secretstore.Store
	plain             repository.KVStore

	// Components
	rng        *random.Source
	deviceKeys *devicekey.Store
	hasher     *hashing.PinHasher
	sessions   *session.Manager
	settings   *settings.Store
	authority  remote.Authority
	auditSink  *audit.MultiSink

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory opens the on-device storage and wires the security core.
func NewFactory(cfg *config.Config, logger *zap.Logger) (*Factory, error) {
	f := &Factory{
		config: cfg,
		logger: util.OrNop(logger),
		closed: make(chan struct{}),
	}

	deviceID, err := resolveDeviceID(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device id: %w", err)
	}
	f.deviceID = deviceID

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := f.initializeStorage(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	f.initializeAudit(ctx)
	f.initializeComponents()

	f.logger.Info("Factory initialized successfully",
		zap.String("environment", cfg.Environment),
		zap.String("device_id", f.deviceID),
		zap.String("settings_backend", cfg.Storage.SettingsBackend),
		zap.Bool("kms_enabled", cfg.KMS.Enabled),
		zap.Bool("remote_configured", cfg.Remote.BaseURL != ""),
	)
	return f, nil
}

// resolveDeviceID returns the configured id, or one generated on first run
// and kept next to the secret store.
func resolveDeviceID(cfg *config.Config) (string, error) {
	if cfg.Device.ID != "" {
		return cfg.Device.ID, nil
	}
	if cfg.Storage.SecretStorePath == "" {
		return uuid.NewString(), nil
	}

	path := cfg.Storage.SecretStorePath + ".device"
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}
	id := uuid.NewString()
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", err
		}
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", err
	}
	return id, nil
}

func (f *Factory) initializeStorage(ctx context.Context) error {
	cfg := f.config

	mgr, err := f.newEncryptionManager(ctx)
	if err != nil {
		return fmt.Errorf("encryption: %w", err)
	}
	f.encryptionManager = mgr

	if cfg.Storage.SecretStorePath == "" {
		f.logger.Warn("No secret store path configured, secrets are kept in memory only")
		f.secrets = secretstore.NewMemoryStore()
	} else {
		store, err := secretstore.OpenFileStore(cfg.Storage.SecretStorePath, secretNamespace, mgr, f.logger)
		if err != nil {
			return fmt.Errorf("secret store: %w", err)
		}
		f.secrets = store
	}

	switch cfg.Storage.SettingsBackend {
	case config.BackendSQLite:
		kv, err := sqlite.NewKVStore(cfg.Storage.SQLitePath, f.logger)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		f.plain = kv
	case config.BackendRedis:
		rc, err := client.NewRedisClient(cfg, f.logger)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = rc
		f.plain = redisrepo.NewKVStore(rc, cfg.Redis.KeyPrefix+f.deviceID+":", f.logger)
	case config.BackendMemory:
		f.plain = repository.NewMemoryKV()
	default:
		return fmt.Errorf("unsupported settings backend %q", cfg.Storage.SettingsBackend)
	}
	return nil
}

func (f *Factory) newEncryptionManager(ctx context.Context) (*encryption.Manager, error) {
	cfg := f.config
	if cfg.KMS.Enabled {
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.KMS.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.KMS.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return encryption.NewKMSManager(kms.NewFromConfig(awsCfg), cfg.KMS.KeyID, f.logger), nil
	}

	saltPath := cfg.Storage.SecretStorePath + ".kek"
	if cfg.Storage.SecretStorePath == "" {
		saltPath = filepath.Join(os.TempDir(), "appsec.kek")
	}
	salt, err := encryption.LoadOrCreateSalt(saltPath)
	if err != nil {
		return nil, err
	}
	return encryption.NewLocalManager(encryption.DeriveLocalKEK(salt, f.deviceID), f.logger)
}

// initializeAudit always logs events; Kafka and Elasticsearch are optional
// and a failure there never blocks the lock.
func (f *Factory) initializeAudit(ctx context.Context) {
	cfg := f.config
	f.auditSink = audit.NewMultiSink(audit.NewZapSink(f.logger))

	if len(cfg.Kafka.Brokers) > 0 {
		if producer, err := client.NewKafkaProducer(cfg, f.logger); err != nil {
			f.logger.Warn("Kafka producer initialization failed - proceeding without Kafka", zap.Error(err))
		} else {
			f.kafkaProducer = producer
			f.auditSink.Add(audit.NewKafkaSink(producer))
		}
	}

	if cfg.Elasticsearch.URL != "" {
		es, err := client.NewElasticsearchClient(cfg, f.logger)
		if err != nil {
			f.logger.Warn("Elasticsearch initialization failed - proceeding without audit index", zap.Error(err))
			return
		}
		if err := es.HealthCheck(ctx); err != nil {
			f.logger.Warn("Elasticsearch health check failed", zap.Error(err))
		}
		f.esClient = es
		f.auditSink.Add(audit.NewElasticsearchSink(es))
	}
}

func (f *Factory) initializeComponents() {
	cfg := f.config

	f.rng = random.NewSource(f.logger)
	f.deviceKeys = devicekey.NewStore(f.secrets, f.plain, f.rng, devicekey.Identity{
		DeviceID: f.deviceID,
		UserID:   cfg.Device.UserID,
	}, f.logger)
	f.hasher = hashing.NewPinHasher(hashing.ParamsFromConfig(cfg), f.secrets, f.deviceKeys, f.rng, f.logger)
	f.sessions = session.NewManager(f.secrets, f.plain, f.rng, f.logger)
	f.settings = settings.NewStore(f.plain, settings.Defaults{
		SessionTimeout: cfg.Security.DefaultSessionTimeout,
		MaxAttempts:    cfg.Security.DefaultMaxAttempts,
	}, f.logger)
	f.authority = remote.NewClient(cfg.Remote, f.logger)

	f.serviceFactory = service.NewServiceFactory(service.Dependencies{
		Hasher:          f.hasher,
		DeviceKeys:      f.deviceKeys,
		Sessions:        f.sessions,
		Settings:        f.settings,
		Plain:           f.plain,
		Remote:          f.authority,
		Audit:           f.auditSink,
		RNG:             f.rng,
		DeviceID:        f.deviceID,
		LockoutCooldown: cfg.Security.LockoutCooldown,
		SyncTimeout:     cfg.Remote.SyncTimeout,
	}, f.logger)

	f.logger.Info("Components initialized successfully",
		zap.String("kdf", cfg.Security.KDFAlgorithm),
		zap.Bool("kafka_audit", f.kafkaProducer != nil),
		zap.Bool("elasticsearch_audit", f.esClient != nil),
	)
}

// ==============================
// Health Checks
// ==============================

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.plain == nil {
		healthErrors["settings_store"] = errors.New("settings store not initialized")
	} else if hc, ok := f.plain.(healthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			healthErrors["settings_store"] = err
		}
	}

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.secrets == nil {
		healthErrors["secret_store"] = errors.New("secret store not initialized")
	}
	if f.hasher == nil {
		healthErrors["hasher"] = errors.New("hasher not initialized")
	}
	return healthErrors
}

// IsHealthy ignores the audit transports; the lock works without them.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "elasticsearch")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.logger.Info("Shutting down factory...")

		// Flushes audit events, so it goes before the transports.
		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			f.logger.Info("Security core stopped")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				f.logger.Error("Failed to close Kafka producer", zap.Error(err))
			}
		}

		if f.plain != nil {
			if err := f.plain.Close(); err != nil {
				f.logger.Error("Failed to close settings store", zap.Error(err))
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				f.logger.Error("Failed to close Redis client", zap.Error(err))
			}
		}

		if f.encryptionManager != nil {
			cached := f.encryptionManager.GetCacheSize()
			f.encryptionManager.ClearCache()
			f.logger.Info("Data key cache cleared", zap.Int("keys", cached))
		}

		f.logger.Info("Factory shutdown completed")
	})
	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) DeviceID() string {
	return f.deviceID
}

func (f *Factory) SecurityCore() *service.SecurityCore {
	return f.serviceFactory.SecurityCore()
}
