package main

import (
	"flag"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/golden-vcr/micro-catalog/api"
	"github.com/golden-vcr/micro-catalog/catalog"
	"github.com/golden-vcr/micro-catalog/config"
	"github.com/golden-vcr/micro-catalog/db"
	"github.com/golden-vcr/micro-catalog/entry"
	"github.com/golden-vcr/micro-catalog/feed"
	"github.com/golden-vcr/micro-catalog/rmq"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default: $CATALOG_CONFIG or ./config.yaml)")
	flag.Parse()

	app := entry.NewApplication("catalog-sync")
	defer app.Stop()
	ctx := app.Context()

	// Load config from file and environment, then apply the configured log level
	cfg, err := config.Load(config.DeterminePath(*configPath))
	if err != nil {
		app.Fail("Failed to load config", err)
	}
	app.SetLogLevel(entry.ParseLevel(cfg.App.LogLevel))
	logger := app.Log()

	// Connect to the catalog database and bring its schema up to date
	dbc := cfg.Postgres.DB()
	logger.Info("Connecting to database", "host", dbc.Host, "port", dbc.Port, "database", dbc.Name)
	database, err := db.Open(ctx, dbc.URI())
	if err != nil {
		app.Fail("Failed to open database", err)
	}
	defer database.Close()
	if err := db.Migrate(ctx, database); err != nil {
		app.Fail("Failed to migrate database", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	brokerMetrics := rmq.NewMetrics(registry)

	// Every change applied to local storage is announced to SSE clients
	changes := feed.NewHub[catalog.Change](ctx,
		feed.WithHistorySize(cfg.Feed.HistorySize),
		feed.WithKeepalive(cfg.Feed.Keepalive),
	)

	// Prepare one sync service per entity type, each backed by its own table
	categories := catalog.NewCategoryStore(database)
	genres := catalog.NewGenreStore(database)
	castMembers := catalog.NewCastMemberStore(database)
	syncConfig := cfg.Sync.Catalog()
	subscribers, err := rmq.Discover(
		catalog.NewCategorySync(categories, logger, syncConfig, changes),
		catalog.NewGenreSync(genres, logger, syncConfig, changes),
		catalog.NewCastMemberSync(castMembers, logger, syncConfig, changes),
	)
	if err != nil {
		app.Fail("Failed to discover subscriptions", err)
	}

	// Our gRPC health status tracks whether we're consuming from the broker
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Register topology and subscribers with the connection manager, so that they're
	// re-established every time the broker connection is recovered
	broker := cfg.RabbitMQ.Broker()
	cm := rmq.NewConnectionManager(broker, rmq.WithLogger(logger), rmq.WithMetrics(brokerMetrics))
	cm.AddStateListener(rmq.StateListenerFunc(func(state rmq.ConnectionState, err error) {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if state == rmq.StateConnected {
			status = healthpb.HealthCheckResponse_SERVING
		}
		healthServer.SetServingStatus("", status)
	}))
	if err := rmq.RegisterExchanges(cm, broker.Exchanges); err != nil {
		app.Fail("Failed to register exchanges", err)
	}
	dispatcher := rmq.NewDispatcher(logger,
		rmq.WithPrefetch(cfg.RabbitMQ.Prefetch),
		rmq.WithConcurrency(cfg.RabbitMQ.Concurrency),
		rmq.WithConsumerTagPrefix(cfg.App.Name),
		rmq.WithDispatchMetrics(brokerMetrics),
	)
	if err := rmq.Bind(cm, dispatcher, subscribers); err != nil {
		app.Fail("Failed to bind subscribers", err)
	}
	for _, sub := range subscribers {
		logger.Info("Subscribing", "service", sub.Service, "exchange", sub.Exchange, "queue", sub.Queue, "routingKeys", sub.RoutingKeys)
	}

	logger.Info("Connecting to RabbitMQ", "uris", sanitized(broker.URIs))
	if err := cm.Start(ctx); err != nil {
		app.Fail("Failed to connect to RabbitMQ", err)
	}
	defer func() {
		cm.Stop()
		<-cm.Done()
	}()

	// Serve health, metrics and the local catalog over HTTP, and the standard health
	// service over gRPC, until we're interrupted
	srv := api.NewServer(api.Options{
		Broker:      cm,
		DB:          database,
		Categories:  categories,
		Genres:      genres,
		CastMembers: castMembers,
		Changes:     changes,
		Registry:    registry,
	})
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(
		entry.GRPCServerLogging(logger, healthpb.Health_Check_FullMethodName),
	))
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return entry.RunServer(gctx, logger, srv.Handler(), cfg.HTTP.Host, cfg.HTTP.Port)
	})
	g.Go(func() error {
		return entry.RunGRPCServer(gctx, logger, grpcServer, cfg.GRPC.Host, cfg.GRPC.Port)
	})
	err = g.Wait()
	healthServer.Shutdown()
	if err != nil {
		cm.Stop()
		<-cm.Done()
		app.Fail("Server failed", err)
	}
}

// sanitized redacts credentials from broker URIs so that they can be logged
func sanitized(uris []string) []string {
	result := make([]string, 0, len(uris))
	for _, uri := range uris {
		result = append(result, rmq.SanitizeURL(uri))
	}
	return result
}
