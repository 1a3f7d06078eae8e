// Command orchestrator-core runs the workflow orchestration engine: the
// HTTP submission/query/operator API, the result-processing and
// task-coordination control loops, the LISTEN/NOTIFY fast path, and the
// task-readiness fallback poller, all sharing one Postgres connection pool
// (plus a separate sqlx handle for pkg/discovery) and one circuit breaker on
// the database path (spec.md §5).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/kubernaut/internal/config"
	"github.com/jordigilh/kubernaut/internal/database"
	"github.com/jordigilh/kubernaut/pkg/api"
	"github.com/jordigilh/kubernaut/pkg/backoff"
	"github.com/jordigilh/kubernaut/pkg/batch"
	"github.com/jordigilh/kubernaut/pkg/circuitbreaker"
	"github.com/jordigilh/kubernaut/pkg/coordinator"
	"github.com/jordigilh/kubernaut/pkg/decision"
	"github.com/jordigilh/kubernaut/pkg/discovery"
	"github.com/jordigilh/kubernaut/pkg/dlq"
	"github.com/jordigilh/kubernaut/pkg/enqueue"
	"github.com/jordigilh/kubernaut/pkg/manualops"
	"github.com/jordigilh/kubernaut/pkg/messaging"
	"github.com/jordigilh/kubernaut/pkg/messaging/pgqueue"
	"github.com/jordigilh/kubernaut/pkg/messaging/redisqueue"
	"github.com/jordigilh/kubernaut/pkg/metrics"
	"github.com/jordigilh/kubernaut/pkg/poller"
	"github.com/jordigilh/kubernaut/pkg/query"
	"github.com/jordigilh/kubernaut/pkg/resultprocessor"
	"github.com/jordigilh/kubernaut/pkg/task"
	"github.com/jordigilh/kubernaut/pkg/taskmodel"
	"github.com/jordigilh/kubernaut/pkg/template"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the orchestrator's YAML configuration file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := run(*configPath, logger); err != nil {
		logger.WithError(err).Fatal("orchestrator-core: exited with error")
	}
}

func run(configPath string, logger *logrus.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if level, lerr := logrus.ParseLevel(cfg.Logging.Level); lerr == nil {
		logger.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(&database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	// pkg/discovery's store was built against sqlx/database-sql rather
	// than pgx's native pool; rather than rewrite its queries, a
	// second handle onto the same database is opened here over pgx's
	// stdlib driver. Documented in DESIGN.md.
	sqlxDB, err := sqlx.Connect("pgx", (&database.Config{
		Host: cfg.Database.Host, Port: cfg.Database.Port, User: cfg.Database.User,
		Password: cfg.Database.Password, Database: cfg.Database.Database, SSLMode: cfg.Database.SSLMode,
	}).ConnectionString())
	if err != nil {
		return fmt.Errorf("connect sqlx database: %w", err)
	}
	defer sqlxDB.Close()

	registry := template.NewRegistry(logger)
	registry.LoadSearchPaths(cfg.Templates.SearchPaths)
	if cfg.Templates.WatchForChanges {
		if werr := registry.Watch(cfg.Templates.SearchPaths); werr != nil {
			logger.WithError(werr).Warn("orchestrator-core: template hot-reload watch failed, continuing without it")
		}
		defer registry.Close()
	}

	processorUUID := taskmodel.NewUUID()

	dbBreaker := circuitbreaker.New(circuitbreaker.Config{
		Name:             "database",
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		Timeout:          cfg.CircuitBreaker.Timeout,
	})

	namespaces := templateNamespaces(registry)

	messagingClient, err := buildMessagingClient(ctx, cfg, pool, dbBreaker)
	if err != nil {
		return fmt.Errorf("build messaging client: %w", err)
	}
	if err := messagingClient.EnsureNamespaceQueues(ctx, namespaces); err != nil {
		return fmt.Errorf("ensure namespace queues: %w", err)
	}

	discoveryStore := discovery.NewPostgresStore(sqlxDB)
	disc := discovery.New(discoveryStore)

	claimer := enqueue.NewPostgresClaimer(pool.Pool, processorUUID)
	rawEnqueuer := enqueue.New(disc, claimer, messagingClient, logger)
	enqueuerAdapter := &namespaceEnqueuer{enqueuer: rawEnqueuer, pool: pool.Pool}

	dlqStore := dlq.NewPostgresStore(pool.Pool)
	var dlqNotifier dlq.Notifier
	if cfg.DLQ.SlackWebhookURL != "" {
		dlqNotifier = dlq.NewSlackNotifier(cfg.DLQ.SlackWebhookURL)
	}
	dlqService := dlq.New(dlqStore, dlqNotifier, logger)

	coordinatorStore := coordinator.NewPostgresStore(pool.Pool)
	coord := coordinator.New(coordinatorStore, disc, enqueuerAdapter, dlqService, processorUUID, logger)

	taskStore := task.NewPostgresStore(pool.Pool)
	readyNotifier := &taskReadyNotifier{coordinatorEnqueuer: enqueuerAdapter, logger: logger}
	initializer := task.New(registry, taskStore, readyNotifier, task.DuplicatePermissive, logger)

	batchStore := batch.NewPostgresStore(pool.Pool, registry)
	batchService := batch.New(batchStore)

	decisionStore := decision.NewPostgresStore(pool.Pool, registry)
	decisionService := decision.New(decisionStore)

	backoffCalc := backoff.New(backoff.Config{
		BaseSeconds:                  cfg.Backoff.BaseSeconds,
		CapSeconds:                   cfg.Backoff.CapSeconds,
		ServiceUnavailableMultiplier: backoff.DefaultConfig().ServiceUnavailableMultiplier,
	})
	resultStore := resultprocessor.NewPostgresStore(pool.Pool)
	processor := resultprocessor.New(resultStore, backoffCalc, coord, processorUUID, logger).
		WithBatchDelegate(&batchDelegate{service: batchService}).
		WithDecisionDelegate(&decisionDelegate{service: decisionService})

	manualStepStore := manualops.NewPostgresStore(pool.Pool)
	manualService := manualops.New(manualStepStore, coordinatorStore)

	queryStore := query.NewPostgresStore(pool.Pool)
	queryService := query.New(queryStore)

	pollerStore := poller.NewPostgresStore(pool.Pool)
	fallbackPoller := poller.New(pollerStore, enqueuerAdapter, dbBreaker, pollerConfig(cfg), logger)

	authenticator := newEnvTokenAuthenticator()
	apiServer := api.NewServer(api.Config{
		Submitter:     initializer,
		Query:         queryService,
		Manual:        manualService,
		DLQ:           dlqService,
		Authenticator: authenticator,
		Logger:        logger,
	})
	httpServer := newHTTPServer(":"+cfg.Server.Port, apiServer)
	metricsServer := metrics.NewServer(cfg.Server.MetricsPort, logger)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return runHTTPServer(gctx, httpServer, cfg.Server.HealthTimeout)
	})

	group.Go(func() error {
		metricsServer.StartAsync()
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.HealthTimeout)
		defer cancel()
		return metricsServer.Stop(shutdownCtx)
	})

	group.Go(func() error {
		return runPoller(gctx, fallbackPoller, cfg.Server.HealthTimeout)
	})

	group.Go(func() error {
		return runResultConsumer(gctx, messagingClient, processor, logger, cfg.Messaging.ReceiveBatchSize, cfg.Messaging.VisibilityTimeout)
	})

	if cfg.Messaging.NotifyEnabled {
		group.Go(func() error {
			return runNotifyBridge(gctx, cfg, namespaces, fallbackPoller, logger)
		})
	}

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func buildMessagingClient(ctx context.Context, cfg *config.Config, pool *database.Pool, breaker *circuitbreaker.CircuitBreaker) (*messaging.Client, error) {
	var provider messaging.Provider
	switch cfg.Messaging.Provider {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Messaging.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		provider = redisqueue.New(rdb, "orchestrator-core")
	default:
		provider = pgqueue.New(pool.Pool)
	}

	router := messaging.NewRouter(messaging.RouterConfig{})
	return messaging.New(provider, router).WithBreaker(breaker), nil
}

func pollerConfig(cfg *config.Config) poller.Config {
	c := poller.DefaultConfig()
	if cfg.Poller.Interval > 0 {
		c.Schedule = fmt.Sprintf("@every %s", cfg.Poller.Interval)
	}
	if cfg.Poller.BatchSize > 0 {
		c.BatchLimit = cfg.Poller.BatchSize
	}
	return c
}

func templateNamespaces(registry *template.Registry) []string {
	seen := make(map[string]bool)
	var namespaces []string
	for _, tpl := range registry.All() {
		if !seen[tpl.Namespace] {
			seen[tpl.Namespace] = true
			namespaces = append(namespaces, tpl.Namespace)
		}
	}
	return namespaces
}
