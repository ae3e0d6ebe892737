package factory

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"abuse-guard/internal/bucketing"
	"abuse-guard/internal/client"
	"abuse-guard/internal/config"
	"abuse-guard/internal/encryption"
	"abuse-guard/internal/events"
	"abuse-guard/internal/handler"
	"abuse-guard/internal/repository"
	"abuse-guard/internal/repository/memory"
	redisrepo "abuse-guard/internal/repository/redis"
	"abuse-guard/internal/repository/scylla"
	"abuse-guard/internal/service"
	"abuse-guard/internal/tls"
	"abuse-guard/internal/util"

	"golang.org/x/sync/errgroup"
)

const dispatcherDrainTimeout = 10 * time.Second

// Factory manages the lifecycle of all application dependencies.
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
	bucketingManager  *bucketing.BucketingManager

	store          repository.CounterStore
	dispatcher     *events.Dispatcher
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration from the environment and builds every
// dependency.
func NewFactory() (*Factory, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	util.Init(cfg.Environment, cfg.Logging)
	return New(cfg)
}

// New builds the dependency graph for cfg. The counter store backend is
// required; event sinks are optional outside production.
func New(cfg *config.Config) (*Factory, error) {
	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsManager, err := tls.NewTLSManager(cfg.Server, cfg.Environment)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize TLS: %w", err)
		}
		f.tlsManager = tlsManager
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := f.initializeManagers(ctx); err != nil {
		return nil, err
	}
	if err := f.initializeStore(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize counter store: %w", err)
	}
	if err := f.initializeEvents(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize security events: %w", err)
	}

	var notifier service.Notifier
	if f.dispatcher != nil {
		notifier = f.dispatcher
	}
	f.serviceFactory = service.NewServiceFactory(f.store, cfg.Guard, notifier, util.Get())
	if _, err := f.serviceFactory.RateGuard(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to build rate guard: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_backend", cfg.Store.Backend),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("events_enabled", f.dispatcher != nil),
	)

	return f, nil
}

func (f *Factory) initializeManagers(ctx context.Context) error {
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	encryptionManager, err := encryption.NewEncryptionManager(ctx, f.config)
	if err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}
	f.encryptionManager = encryptionManager
	return nil
}

func (f *Factory) initializeStore(ctx context.Context) error {
	switch f.config.Store.Backend {
	case "memory":
		if f.config.IsProduction() {
			util.Warn("In-memory counter store in production: counters are per-process and lost on restart")
		}
		f.store = memory.NewStore()

	case "redis":
		redisClient, err := client.NewRedisClient(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = redisClient
		f.store = redisrepo.NewRateRecordCache(redisClient)

	case "scylla":
		scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = scyllaClient
		f.store = scylla.NewRateRecordRepository(scyllaClient, f.bucketingManager)

	default:
		return fmt.Errorf("unsupported store backend %q", f.config.Store.Backend)
	}

	if err := f.store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%s health check: %w", f.config.Store.Backend, err)
	}
	util.Info("Counter store initialized and healthy", util.String("backend", f.config.Store.Backend))
	return nil
}

// initializeEvents connects the enabled sinks. Outside production a sink that
// cannot connect is skipped with a warning.
func (f *Factory) initializeEvents(ctx context.Context) error {
	var (
		sinks      []events.Sink
		initErrors []error
	)

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			sinks = append(sinks, events.NewKafkaSink(producer))
		}
	}

	if f.config.Elasticsearch.Enabled {
		if esClient, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = esClient
			sinks = append(sinks, events.NewElasticsearchSink(esClient))
		}
	}

	if f.config.Clickhouse.Enabled {
		if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = chClient
			sink := events.NewClickHouseSink(chClient)
			if err := sink.EnsureTable(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
			} else {
				sinks = append(sinks, sink)
			}
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical sink initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Security event sink unavailable", util.ErrorField(err))
		}
	}

	if len(sinks) == 0 {
		util.Info("No security event sinks enabled")
		return nil
	}

	f.dispatcher = events.NewDispatcher(sinks, f.encryptionManager, f.bucketingManager, events.Options{
		BufferSize:    f.config.Events.BufferSize,
		BatchSize:     f.config.Events.BatchSize,
		FlushInterval: f.config.Events.FlushInterval,
	}, util.Get())

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	util.Info("Security event dispatcher started", util.Any("sinks", names))
	return nil
}

// ==============================
// Accessors
// ==============================

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) RateGuard() *service.RateGuard {
	guard, _ := f.serviceFactory.RateGuard()
	return guard
}

func (f *Factory) Dispatcher() *events.Dispatcher {
	return f.dispatcher
}

// Router builds the HTTP handler with the guard routes and readiness checks.
func (f *Factory) Router() http.Handler {
	guardHandler := handler.NewGuardHandler(f.RateGuard(), util.Get())
	return handler.NewRouter(guardHandler, f, handler.RouterOptions{
		RequireHTTPS:   f.config.Server.EnableTLS && f.config.IsProduction(),
		RequestTimeout: f.config.Server.WriteTimeout,
	}, util.Get())
}

// ==============================
// Health Checks
// ==============================

// HealthCheck checks the counter store and every connected sink in parallel.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	checks := map[string]func(context.Context) error{
		"store": f.RateGuard().HealthCheck,
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(checks))
		g       errgroup.Group
	)
	for name, check := range checks {
		name, check := name, check
		g.Go(func() error {
			err := check(ctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if f.dispatcher != nil && f.dispatcher.Dropped() > 0 {
		util.Warn("Security events were dropped", util.Any("dropped", f.dispatcher.Dropped()))
	}
	return results
}

// IsHealthy reports whether the counter store is reachable. Sinks are
// advisory and do not affect it.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	return f.HealthCheck(ctx)["store"] == nil
}

// Close drains queued events before closing the clients the sinks write to,
// then the store clients.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.dispatcher != nil {
			ctx, cancel := context.WithTimeout(context.Background(), dispatcherDrainTimeout)
			if err := f.dispatcher.Close(ctx); err != nil {
				util.Error("Failed to drain security events", util.ErrorField(err))
			}
			cancel()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
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
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}
