package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"golang.org/x/sync/errgroup"

	"mediconnect-auth/internal/audit"
	"mediconnect-auth/internal/bucketing"
	"mediconnect-auth/internal/client"
	"mediconnect-auth/internal/config"
	"mediconnect-auth/internal/encryption"
	"mediconnect-auth/internal/handler"
	"mediconnect-auth/internal/lockout"
	"mediconnect-auth/internal/otp"
	"mediconnect-auth/internal/password"
	"mediconnect-auth/internal/repository"
	"mediconnect-auth/internal/repository/scylla"
	"mediconnect-auth/internal/service"
	"mediconnect-auth/internal/session"
	"mediconnect-auth/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	smsClient        *client.SMSClient

	// Managers
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.Manager
	sessionManager    *session.Manager
	addressLimiter    *lockout.AddressLimiter

	accountRepository repository.AccountRepository
	auditLogger       *audit.Logger
	authService       *service.AuthService
	unlockSweeper     *lockout.Sweeper

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()
	factory.initializeService()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if rc, err := client.NewRedisClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = rc
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if sc, err := scylla.NewScyllaClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = sc
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka; the audit trail degrades to the remaining sinks without it
	if producer, err := client.NewKafkaProducer(f.config); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// Elasticsearch
	if es, err := client.NewElasticsearchClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = es
		if err := f.esClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if ch, err := client.NewClickHouseClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = ch
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	f.smsClient = client.NewSMSClient(f.config)

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes encryption, bucketing, sessions and the
// address throttle
func (f *Factory) initializeManagers() {
	sec := f.config.Security

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			util.Warn("AWS config load failed - falling back to local key encryption", util.ErrorField(err))
		} else {
			kmsClient = kms.NewFromConfig(awsCfg)
		}
	}

	f.encryptionManager = encryption.NewManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewManager(f.config)
	f.sessionManager = session.NewManager(sec.JWTSecret, sec.SessionTTL, sec.FederatedSessionTTL, sec.MaxSessions)
	f.addressLimiter = lockout.NewAddressLimiter(f.redisClient, sec.AddressCeiling, sec.AddressWindow)

	util.Info("Managers initialized successfully",
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
		util.Bool("kms_client_attached", kmsClient != nil),
	)
}

// initializeService wires the repository, audit pipeline, auth service
// and the background unlock sweeper.
func (f *Factory) initializeService() {
	sec := f.config.Security

	f.accountRepository = scylla.NewAccountRepository(f.scyllaClient, f.bucketingManager)

	var sinks []audit.Sink
	if f.clickhouseClient != nil {
		sinks = append(sinks, audit.NewClickHouseSink(f.clickhouseClient))
	}
	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, f.config.Kafka.AuditTopic))
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.AuditIndex))
	}
	f.auditLogger = audit.NewLogger(f.bucketingManager, sinks...)

	f.authService = service.NewAuthService(
		f.accountRepository,
		password.NewPolicy(sec.BcryptCost, sec.PasswordHistoryDepth),
		f.addressLimiter,
		otp.NewTOTPVerifier(sec.TOTPIssuer, sec.TOTPSkewSteps),
		f.sessionManager,
		f.auditLogger,
		f.encryptionManager,
		f.smsClient,
		sec,
	)

	f.unlockSweeper = lockout.NewSweeper(f.accountRepository, sec.UnlockSweepInterval)
}

// StartBackground launches the expired-lock sweeper.
func (f *Factory) StartBackground(ctx context.Context) {
	f.unlockSweeper.Start(ctx)
}

// AuthHandler builds the HTTP handler around the auth service.
func (f *Factory) AuthHandler() *handler.AuthHandler {
	return handler.NewAuthHandler(f.authService, util.Get(), f.healthReport)
}

func (f *Factory) AuthService() *service.AuthService {
	return f.authService
}

// ==============================
// Health Checks
// ==============================

// HealthCheck probes every backing store concurrently.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	var mu sync.Mutex
	healthErrors := make(map[string]error)
	record := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		healthErrors[name] = err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if f.redisClient == nil {
			record("redis", fmt.Errorf("redis client not initialized"))
		} else if err := f.redisClient.HealthCheck(ctx); err != nil {
			record("redis", err)
		}
		return nil
	})
	g.Go(func() error {
		if f.scyllaClient == nil {
			record("scylla", fmt.Errorf("scylla client not initialized"))
		} else if err := f.scyllaClient.HealthCheck(); err != nil {
			record("scylla", err)
		}
		return nil
	})
	g.Go(func() error {
		if f.esClient == nil {
			record("elasticsearch", fmt.Errorf("elasticsearch client not initialized"))
		} else if err := f.esClient.HealthCheck(); err != nil {
			record("elasticsearch", err)
		}
		return nil
	})
	g.Go(func() error {
		if f.clickhouseClient == nil {
			record("clickhouse", fmt.Errorf("clickhouse client not initialized"))
		} else if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			record("clickhouse", err)
		}
		return nil
	})
	g.Go(func() error {
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
				record("kafka", err)
			}
		}
		return nil
	})

	_ = g.Wait()
	return healthErrors
}

// healthReport renders the health map for the HTTP endpoint.
func (f *Factory) healthReport() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report := map[string]string{
		"redis":         "healthy",
		"scylla":        "healthy",
		"elasticsearch": "healthy",
		"clickhouse":    "healthy",
		"kafka":         "healthy",
	}
	for name, err := range f.HealthCheck(ctx) {
		if err != nil {
			report[name] = err.Error()
		}
	}
	return report
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	// Kafka is optional; audit fan-out survives without it.
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.unlockSweeper != nil {
			f.unlockSweeper.Stop()
			util.Info("Unlock sweeper stopped")
		}

		// Drain the audit queue before its sinks go away.
		if f.auditLogger != nil {
			f.auditLogger.Close()
			util.Info("Audit logger drained and closed")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) AccountRepository() repository.AccountRepository {
	return f.accountRepository
}

func (f *Factory) AuditLogger() *audit.Logger {
	return f.auditLogger
}
