package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/config"
	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/graph"
	"github.com/nidhogg/nuka-memory/internal/maintenance"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/metrics"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/queue"
	"github.com/nidhogg/nuka-memory/internal/search"
	"github.com/nidhogg/nuka-memory/internal/stats"
	pgstore "github.com/nidhogg/nuka-memory/internal/store"
	"github.com/nidhogg/nuka-memory/internal/store/memstore"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

// recordStore is satisfied by both the PostgreSQL store and memstore.
type recordStore interface {
	memory.Records
	embedding.Records
	search.Records
	stats.Store
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	ListActiveUsers(ctx context.Context) ([]*model.User, error)
	Close()
}

// app holds everything a command needs, wired from config.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   recordStore
	metrics *metrics.Metrics
	embed   *embedding.Manager
	svc     *memory.Service
	sweeper *maintenance.Sweeper

	closers []func()
}

type appOptions struct {
	// migrate applies pending schema migrations on startup.
	migrate bool
	// distributed uses the Redis job queue when configured; one-shot
	// commands keep jobs in process.
	distributed bool
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if cfg.Database.Postgres.DSN != "" {
		ps, err := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if err != nil {
			return nil, err
		}
		a.store = ps
		a.closers = append(a.closers, ps.Close)
		if opts.migrate {
			if err := ps.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
	} else {
		logger.Warn("no postgres dsn configured, records are kept in memory only")
		a.store = memstore.New()
	}

	provider, err := embedding.NewProvider(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	if provider == nil {
		logger.Warn("no embedding provider configured, search is text-only")
	}

	optional := map[string]stats.Pinger{"redis": nil, "qdrant": nil, "neo4j": nil}
	mgrOpts := []embedding.Option{embedding.WithMetrics(a.metrics)}
	searchOpts := []search.Option{search.WithMetrics(a.metrics)}
	var svcOpts []memory.Option

	if cfg.Database.Qdrant.Host != "" {
		qc, err := vectorstore.NewClient(cfg.Database.Qdrant)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { qc.Close() })
		optional["qdrant"] = qc
		if dim := cfg.Embedding.Dimension; dim > 0 {
			if err := qc.EnsureCollections(ctx, uint64(dim)); err != nil {
				logger.Warn("qdrant collections unavailable, vector mirror disabled", zap.Error(err))
			} else {
				mgrOpts = append(mgrOpts, embedding.WithMirror(qc))
				searchOpts = append(searchOpts, search.WithIndex(qc))
			}
		} else {
			logger.Warn("qdrant needs embedding.dimension to create collections, vector mirror disabled")
		}
	}

	if cfg.Database.Redis.URL != "" && opts.distributed {
		rq, err := queue.NewRedis(ctx, cfg.Database.Redis.URL, cfg.Embedding.Workers, logger)
		if err != nil {
			logger.Warn("redis unavailable, embedding jobs stay in process", zap.Error(err))
		} else {
			optional["redis"] = rq
			mgrOpts = append(mgrOpts, embedding.WithQueue(rq))
		}
	}

	if cfg.Database.Neo4j.URI != "" {
		g, err := graph.NewStore(cfg.Database.Neo4j, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { g.Close(context.Background()) })
		optional["neo4j"] = g
		if err := g.EnsureConstraints(ctx); err != nil {
			logger.Warn("neo4j unavailable, related entities use direct relationships", zap.Error(err))
		} else {
			svcOpts = append(svcOpts, memory.WithGraph(g))
		}
	}

	a.embed, err = embedding.NewManager(a.store, provider, cfg.Embedding, logger, mgrOpts...)
	if err != nil {
		return nil, err
	}
	// The manager closes its queue.
	a.closers = append(a.closers, func() { a.embed.Close() })

	engine := search.New(a.store, a.embed, cfg.Search, logger, searchOpts...)
	reporter := stats.NewReporter(a.store, a.embed, optional, logger)
	a.svc = memory.NewService(a.store, a.embed, engine, reporter, logger, svcOpts...)

	a.sweeper, err = maintenance.NewSweeper(a.store, a.embed, cfg.Maintenance.Schedule, logger)
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
