package main

import (
	"context"
	"errors"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/comment-tree/internal/platform/db"
	"github.com/example/comment-tree/internal/platform/httpserver"
	"github.com/example/comment-tree/internal/platform/logging"
	"github.com/example/comment-tree/internal/platform/metrics"
	"github.com/example/comment-tree/internal/platform/natsconn"
	"github.com/example/comment-tree/internal/platform/run"
	"github.com/example/comment-tree/services/comments/internal/config"
	"github.com/example/comment-tree/services/comments/internal/indexsync"
	"github.com/example/comment-tree/services/comments/internal/publisher"
	"github.com/example/comment-tree/services/comments/internal/search/elastic"
	"github.com/example/comment-tree/services/comments/internal/store"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.ServiceName+"-indexer", cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := requireBackends(cfg); err != nil {
		log.Error("indexer config", zap.Error(err))
		run.Exit(1)
	}
	m := metrics.New(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 4})
	cancel()
	if err != nil {
		log.Error("postgres connect", zap.Error(err))
		run.Exit(1)
	}
	defer pool.Close()
	st := store.NewPostgresCommentStore(pool, cfg.MaxEagerDepth)

	engine, err := elastic.New(elastic.Options{
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
	defer engine.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	err = engine.EnsureIndex(ctx)
	cancel()
	if err != nil {
		log.Error("ensure index", zap.Error(err))
		run.Exit(1)
	}

	nc, err := natsconn.Connect(natsconn.Options{URL: cfg.NATSURL, Name: cfg.ServiceName + "-indexer"})
	if err != nil {
		log.Error("nats connect", zap.Error(err))
		run.Exit(1)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		log.Error("jetstream", zap.Error(err))
		run.Exit(1)
	}
	if err := natsconn.EnsureStream(js, publisher.StreamSpec); err != nil {
		log.Error("ensure stream", zap.Error(err))
		run.Exit(1)
	}

	applier := indexsync.NewApplier(engine, log, m)
	syncer := indexsync.NewSyncer(st, engine, log, m, indexsync.SyncOptions{
		Interval: cfg.Indexer.SyncInterval,
		OnStart:  cfg.Indexer.SyncOnStart,
	})
	h := indexsync.NewHandler(applier, indexsync.NewReindexer(st, applier, log), syncer, cfg.Indexer.Workers, log)
	consumer, err := indexsync.NewConsumer(js, h, indexsync.ConsumerOptions{BatchSize: cfg.Indexer.BatchSize}, log)
	if err != nil {
		log.Error("indexer consumer", zap.Error(err))
		run.Exit(1)
	}

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		ReadyFunc: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := engine.Ping(ctx); err != nil {
				return err
			}
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		},
		Metrics: httpserver.MetricsHandler(),
	})
	srv := httpserver.New(httpserver.Options{Addr: cfg.HTTP.Addr, Logger: log, Router: r})

	runner := run.New(log)
	code := runner.WithSignals(func(ctx context.Context) error {
		return runner.Group(ctx,
			run.Component{Name: "http", Run: srv.Run},
			run.Component{Name: "index-consumer", Run: consumer.Run},
			run.Component{Name: "index-sync", Run: syncer.Run},
		)
	})

	log.Info("exit", zap.Int("code", code))
	run.Exit(code)
}

// requireBackends rejects configs that leave any backend in memory; such an
// indexer would never see the API process's writes.
func requireBackends(cfg config.Config) error {
	var errs []error
	if cfg.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if cfg.NATSURL == "" {
		errs = append(errs, errors.New("NATS_URL is required"))
	}
	if cfg.Elastic.URL == "" {
		errs = append(errs, errors.New("ELASTICSEARCH_URL is required"))
	}
	return errors.Join(errs...)
}
