package main

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/comment-tree/internal/platform/db"
	"github.com/example/comment-tree/internal/platform/httpserver"
	"github.com/example/comment-tree/internal/platform/logging"
	"github.com/example/comment-tree/internal/platform/metrics"
	"github.com/example/comment-tree/internal/platform/natsconn"
	"github.com/example/comment-tree/internal/platform/run"
	"github.com/example/comment-tree/services/comments/internal/comments"
	"github.com/example/comment-tree/services/comments/internal/config"
	"github.com/example/comment-tree/services/comments/internal/grpcapi"
	"github.com/example/comment-tree/services/comments/internal/handlers"
	"github.com/example/comment-tree/services/comments/internal/indexsync"
	"github.com/example/comment-tree/services/comments/internal/outbox"
	"github.com/example/comment-tree/services/comments/internal/publisher"
	"github.com/example/comment-tree/services/comments/internal/query"
	"github.com/example/comment-tree/services/comments/internal/retention"
	"github.com/example/comment-tree/services/comments/internal/search"
	"github.com/example/comment-tree/services/comments/internal/search/elastic"
	"github.com/example/comment-tree/services/comments/internal/store"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	started := time.Now()
	m := metrics.New(nil)

	st, closeStore := openStore(log, cfg)
	defer closeStore()

	broker, nc, closeBroker := openBroker(log, cfg)
	defer closeBroker()

	engine, inProcess := openEngine(log, cfg)

	pub := publisher.New(broker, cfg.Outbox.PublishTimeout, log, m)
	relay := outbox.NewRelay(log, st, pub, m, outbox.Options{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
	})

	svc := comments.NewService(st, relay, log)
	if cfg.SeedData {
		if err := svc.Seed(context.Background()); err != nil {
			log.Warn("seed failed", zap.Error(err))
		}
	}

	q := query.New(engine, log, m, query.Options{Timeout: cfg.Search.Timeout, SlowThreshold: cfg.Search.SlowThreshold})

	sched := retention.New(st, newLocker(log, cfg), log, m,
		retention.Options{Schedule: cfg.Retention.Schedule, MaxAge: cfg.Retention.MaxAge},
		retention.WithNotify(relay.Notify),
		retention.WithOutboxBacklog(relay.Pending),
		retention.WithProbe("broker", pub.Healthy),
		retention.WithProbe("search", engine.Ping),
	)

	var limiter *httpserver.RateLimiter
	if cfg.RateLimit.RPS > 0 {
		limiter = httpserver.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		defer limiter.Close()
	}

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		ReadyFunc: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return st.Ping(ctx)
		},
		Logger:  log,
		Limiter: limiter,
		Metrics: httpserver.MetricsHandler(),
	})
	handlers.Mount(r, handlers.Deps{
		Comments:  svc,
		Query:     q,
		Retention: sched,
		Sync:      pub,
		Index:     pub,
		Log:       log,
		Started:   started,
	})
	srv := httpserver.New(httpserver.Options{Addr: cfg.HTTP.Addr, Logger: log, Router: r})

	grpcSrv := grpcapi.New(sched, log, grpcapi.Options{Addr: cfg.GRPC.Addr, Reflection: !cfg.IsProduction()})

	components := []run.Component{
		{Name: "http", Run: srv.Run},
		{Name: "grpc", Run: grpcSrv.Run},
		{Name: "outbox-relay", Run: relay.Run},
	}
	if cfg.Retention.Enabled {
		components = append(components, run.Component{Name: "retention", Run: sched.Run})
	}

	// Without a shared search cluster the index lives in this process, so the
	// consumer side of the pipeline runs here too.
	if inProcess {
		applier := indexsync.NewApplier(engine, log, m)
		syncer := indexsync.NewSyncer(st, engine, log, m, indexsync.SyncOptions{
			Interval: cfg.Indexer.SyncInterval,
			OnStart:  cfg.Indexer.SyncOnStart,
		})
		h := indexsync.NewHandler(applier, indexsync.NewReindexer(st, applier, log), syncer, cfg.Indexer.Workers, log)
		components = append(components, run.Component{Name: "index-sync", Run: syncer.Run})

		if mem, ok := broker.(*publisher.MemoryBroker); ok {
			mem.Deliver = func(ctx context.Context, msg publisher.Message) error {
				return h.HandleMessage(ctx, msg.Subject, msg.Data)
			}
		} else if nc != nil {
			js, err := nc.JetStream()
			if err != nil {
				log.Error("jetstream", zap.Error(err))
				run.Exit(1)
			}
			consumer, err := indexsync.NewConsumer(js, h, indexsync.ConsumerOptions{BatchSize: cfg.Indexer.BatchSize}, log)
			if err != nil {
				log.Error("indexer consumer", zap.Error(err))
				run.Exit(1)
			}
			components = append(components, run.Component{Name: "index-consumer", Run: consumer.Run})
		}
	}

	runner := run.New(log)
	code := runner.WithSignals(func(ctx context.Context) error {
		return runner.Group(ctx, components...)
	})

	log.Info("exit", zap.Int("code", code))
	run.Exit(code)
}

// openStore connects to Postgres and applies migrations. Outside production a
// missing DATABASE_URL selects the in-memory store.
func openStore(log *zap.Logger, cfg config.Config) (store.CommentStore, func()) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, comments are kept in memory (development only)")
		return store.NewInMemoryCommentStore(store.WithMaxEagerDepth(cfg.MaxEagerDepth)), func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{})
	if err != nil {
		log.Error("postgres connect", zap.Error(err))
		run.Exit(1)
	}
	if err := db.Migrate(ctx, pool, store.Migrations, store.MigrationsDir); err != nil {
		pool.Close()
		log.Error("migrations", zap.Error(err))
		run.Exit(1)
	}
	log.Info("postgres connected")
	return store.NewPostgresCommentStore(pool, cfg.MaxEagerDepth), pool.Close
}

// openBroker returns the JetStream broker, or the in-process broker when
// NATS_URL is empty outside production.
func openBroker(log *zap.Logger, cfg config.Config) (publisher.Broker, *nats.Conn, func()) {
	if cfg.NATSURL == "" {
		log.Warn("NATS_URL not set, events are delivered in-process (development only)")
		return publisher.NewMemoryBroker(), nil, func() {}
	}

	nc, err := natsconn.Connect(natsconn.Options{URL: cfg.NATSURL, Name: cfg.ServiceName})
	if err != nil {
		log.Error("nats connect", zap.Error(err))
		run.Exit(1)
	}
	b, err := publisher.NewJetStreamBroker(nc)
	if err != nil {
		nc.Close()
		log.Error("jetstream", zap.Error(err))
		run.Exit(1)
	}
	if err := b.EnsureStream(); err != nil {
		nc.Close()
		log.Error("ensure stream", zap.Error(err))
		run.Exit(1)
	}
	return b, nc, nc.Close
}

// openEngine returns the search engine and whether it is local to this
// process.
func openEngine(log *zap.Logger, cfg config.Config) (search.Engine, bool) {
	if cfg.Elastic.URL == "" {
		log.Warn("ELASTICSEARCH_URL not set, search uses the in-memory index (development only)")
		return search.NewMemoryEngine(), true
	}

	e, err := elastic.New(elastic.Options{
		URL:      cfg.Elastic.URL,
		Username: cfg.Elastic.Username,
		Password: cfg.Elastic.Password,
		Index:    cfg.Search.Index,
		Timeout:  cfg.Search.Timeout,
	}, log)
	if err != nil {
		log.Error("elasticsearch client", zap.Error(err))
		run.Exit(1)
	}
	return e, false
}

func newLocker(log *zap.Logger, cfg config.Config) retention.Locker {
	if cfg.Retention.RedisURL == "" {
		return &retention.LocalLocker{}
	}
	log.Info("retention sweeps coordinated through redis")
	return retention.NewRedisLocker(retention.NewRedisClient(cfg.Retention.RedisURL), "", 0)
}
