package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"family-vault/internal/audit"
	"family-vault/internal/bucketing"
	"family-vault/internal/client"
	"family-vault/internal/config"
	"family-vault/internal/encryption"
	"family-vault/internal/handler"
	"family-vault/internal/ratelimit"
	"family-vault/internal/repository/memory"
	redisrepo "family-vault/internal/repository/redis"
	"family-vault/internal/repository/scylla"
	"family-vault/internal/service"
	"family-vault/internal/session"
	"family-vault/internal/tls"
	"family-vault/internal/util"

	"golang.org/x/sync/errgroup"
)

var errNotInitialized = errors.New("not initialized")

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	encryptionManager *encryption.EncryptionManager
	partitioner       *bucketing.Partitioner

	repos          service.Repositories
	limiter        ratelimit.Limiter
	lockout        ratelimit.Lockout
	recorder       *audit.Recorder
	clickhouseSink *audit.ClickhouseSink
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies. Outside
// production an unreachable Redis or ScyllaDB falls back to in-memory stores.
func NewFactory(ctx context.Context, cfg *config.Config) (*Factory, error) {
	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsManager, err := tls.NewTLSManager(&tls.TLSConfig{
			EnableTLS:    cfg.Server.EnableTLS,
			AutoCert:     cfg.Server.AutoCert,
			Domain:       cfg.Server.Domain,
			CertFile:     cfg.Server.CertFile,
			KeyFile:      cfg.Server.KeyFile,
			AutoCertDir:  cfg.Server.AutoCertDir,
			Email:        cfg.Server.Email,
			Environment:  cfg.Environment,
			ClientCAFile: cfg.Server.ClientCAFile,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize TLS: %w", err)
		}
		factory.tlsManager = tlsManager
	}

	if err := factory.initializeManagers(ctx); err != nil {
		return nil, err
	}

	if err := factory.initializeClients(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeStores()
	factory.initializeAudit()
	factory.serviceFactory = service.NewServiceFactory(cfg, factory.repos, factory.limiter, factory.lockout, factory.recorder)

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("scylla", factory.scyllaClient != nil),
		util.Bool("redis", factory.redisClient != nil),
	)

	return factory, nil
}

// initializeManagers initializes encryption and bucketing managers
func (f *Factory) initializeManagers(ctx context.Context) error {
	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		c, err := encryption.NewKMSClient(ctx, f.config)
		if err != nil {
			return err
		}
		kmsClient = c
	}

	em, err := encryption.NewEncryptionManager(f.config, kmsClient)
	if err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}
	f.encryptionManager = em
	f.partitioner = bucketing.NewPartitioner(f.config.Bucketing.EventBuckets)
	return nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if f.config.Redis.Enabled {
		if c, err := client.NewRedisClient(ctx, f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if f.config.Scylla.Enabled {
		if c, err := scylla.NewScyllaClient(ctx, f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = c
		}
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// Elasticsearch
	if f.config.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(ctx, f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(ctx, f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeStores picks ScyllaDB and Redis backed stores when their clients
// are up and in-memory ones otherwise.
func (f *Factory) initializeStores() {
	if f.scyllaClient != nil {
		f.repos = service.Repositories{
			Members:  scylla.NewMemberRepository(f.scyllaClient, f.encryptionManager),
			Sessions: scylla.NewSessionRepository(f.scyllaClient),
			Events:   scylla.NewSecurityEventRepository(f.scyllaClient),
			Records:  scylla.NewPasswordRecordRepository(f.scyllaClient),
		}
	} else {
		util.Warn("Using in-memory repositories; data will not survive a restart")
		f.repos = service.Repositories{
			Members:  memory.NewMemberRepository(),
			Sessions: memory.NewSessionRepository(),
			Events:   memory.NewSecurityEventRepository(),
			Records:  memory.NewPasswordRecordRepository(),
		}
	}

	auth := f.config.Auth
	if f.redisClient != nil {
		f.limiter = redisrepo.NewRateLimitCache(f.redisClient)
		f.lockout = redisrepo.NewLockoutCache(f.redisClient, auth.LockoutThreshold, auth.LockoutDuration)
	} else {
		util.Warn("Using in-process rate limiting; limits are not shared between instances")
		f.limiter = ratelimit.NewMemoryLimiter()
		f.lockout = ratelimit.NewMemoryLockout(auth.LockoutThreshold, auth.LockoutDuration)
	}
}

func (f *Factory) initializeAudit() {
	sinks := []audit.Sink{audit.NewRepositorySink(f.repos.Events), audit.LogSink{}}
	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, f.config.Kafka.AuditTopic))
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.AuditIndex))
	}
	if f.clickhouseClient != nil {
		f.clickhouseSink = audit.NewClickhouseSink(f.clickhouseClient, 100)
		sinks = append(sinks, f.clickhouseSink)
	}
	f.recorder = audit.NewRecorder(f.partitioner, sinks...)
}

// StartBackground runs the session sweeper and the ClickHouse flusher until
// ctx is cancelled.
func (f *Factory) StartBackground(ctx context.Context) {
	f.SessionManager().StartSweeper(ctx, f.config.Auth.SweepInterval)
	if f.clickhouseSink != nil {
		go f.clickhouseSink.Run(ctx, 5*time.Second)
	}
	if l, ok := f.limiter.(*ratelimit.MemoryLimiter); ok {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					l.Prune()
				}
			}
		}()
	}
}

// ==============================
// Health Checks
// ==============================

// HealthCheck probes every configured dependency concurrently. The
// "database" entry is the member store.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	type probe struct {
		name  string
		check func(context.Context) error
	}
	probes := []probe{{handler.DatabaseCheck, func(ctx context.Context) error {
		if f.scyllaClient == nil {
			if f.config.IsProduction() {
				return fmt.Errorf("scylla client %w", errNotInitialized)
			}
			return nil
		}
		return f.scyllaClient.HealthCheck(ctx)
	}}}
	if f.config.Redis.Enabled {
		probes = append(probes, probe{"redis", func(ctx context.Context) error {
			if f.redisClient == nil {
				return fmt.Errorf("redis client %w", errNotInitialized)
			}
			return f.redisClient.HealthCheck(ctx)
		}})
	}
	if f.kafkaProducer != nil {
		probes = append(probes, probe{"kafka", f.kafkaProducer.HealthCheck})
	}
	if f.esClient != nil {
		probes = append(probes, probe{"elasticsearch", f.esClient.HealthCheck})
	}
	if f.clickhouseClient != nil {
		probes = append(probes, probe{"clickhouse", f.clickhouseClient.HealthCheck})
	}

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(probes))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range probes {
		g.Go(func() error {
			err := p.check(gctx)
			mu.Lock()
			results[p.name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	return f.HealthCheck(ctx)[handler.DatabaseCheck] == nil
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseSink != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := f.clickhouseSink.Flush(ctx); err != nil {
				util.Error("Failed to flush audit events", util.ErrorField(err))
			}
			cancel()
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

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ScyllaClient() *scylla.ScyllaClient {
	return f.scyllaClient
}

func (f *Factory) EncryptionManager() *encryption.EncryptionManager {
	return f.encryptionManager
}

func (f *Factory) Repositories() service.Repositories {
	return f.repos
}

func (f *Factory) AuthService() *service.AuthService {
	return f.serviceFactory.AuthService()
}

func (f *Factory) SessionManager() *session.Manager {
	return f.serviceFactory.SessionManager()
}

// Handler builds the HTTP handler tree.
func (f *Factory) Handler() http.Handler {
	health := handler.NewHealthHandler(f.HealthCheck, f.config.Version, f.config.Environment)
	return handler.NewRouter(handler.RouterConfig{
		AllowedOrigins: f.config.Server.AllowedOrigins,
		RequireHTTPS:   f.config.Server.RequireHTTPS,
		Timeout:        60 * time.Second,
		TrustedProxies: f.config.Server.TrustedProxies,
	}, handler.NewAuthHandler(f.AuthService()), health, util.Get())
}
