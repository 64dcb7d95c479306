package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"stelligence/internal/app"
	"stelligence/internal/cache"
	"stelligence/internal/config"
	"stelligence/internal/contribution"
	"stelligence/internal/debate"
	"stelligence/internal/document"
	"stelligence/internal/export"
	"stelligence/internal/hierarchy"
	"stelligence/internal/logging"
	"stelligence/internal/revision"
	"stelligence/internal/scheduler"
	"stelligence/internal/search"
	"stelligence/internal/store"
	"stelligence/internal/vote"
)

// runtime holds every component built from one Config.
type runtime struct {
	cfg    config.Config
	logger *logrus.Logger
	db     *sql.DB
	store  *store.PostgresStore
	graph  *hierarchy.Graph
	meili  *search.Meili

	documents     *document.Service
	contributions *contribution.Service
	votes         *vote.Service
	debates       *debate.Service
	merger        *contribution.Merger
	scheduler     *scheduler.Scheduler
	archive       *revision.Archive
	export        *export.Service
	search        *search.Service
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	// Every concurrent merge holds a connection for its whole transaction.
	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.MergeWorkers+16)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, nil
}

func setup(ctx context.Context, cfg config.Config) (*runtime, error) {
	logger := logging.New(cfg.LogLevel)
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := store.ApplyMigrations(ctx, db, store.Migrations(cfg.MigrationsDir)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	rt := &runtime{cfg: cfg, logger: logger, db: db, store: store.NewPostgresStore(db)}

	var (
		structure document.Hierarchy
		shared    cache.Cache
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		graph, err := hierarchy.NewGraph(cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.graph = graph
		structure = graph
		shared = cache.NewRedisCache(graph.Client())
		logger.Info("using redis for the hierarchy graph and the shared render cache")
	} else {
		logger.Warn("REDIS_URL empty, hierarchy graph disabled and render cache is process-local")
	}

	var backend cache.Cache = cache.NewMemoryCache(cfg.RenderCacheTTL, 2*cfg.RenderCacheTTL)
	if shared != nil {
		backend = cache.NewLayeredCache(backend, shared)
	}
	render := cache.NewRenderCache(backend, cfg.RenderCacheTTL)

	pgfts := search.NewPgFTS(db)
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		rt.meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	rt.search = search.NewService(rt.meili, pgfts, logger)
	rt.archive = revision.New(cfg.ReposDir)

	rt.documents = document.NewService(rt.store, structure, render, logger)
	rt.export = export.NewService(rt.documents)
	rt.contributions = contribution.NewService(rt.store, contribution.NewValidator(rt.documents), logger)
	rt.votes = vote.NewService(rt.store, logger)
	rt.debates = debate.NewService(rt.store, logger)
	rt.merger = contribution.NewMerger(rt.store, rt.documents, rt.documents, logger).
		WithArchive(rt.archive).
		WithIndex(rt.search)
	rt.scheduler = scheduler.New(
		rt.contributions,
		contribution.NewDecider(rt.votes, logger),
		rt.merger,
		debate.NewOpener(rt.store, cfg.DebateDuration, logger),
		contribution.NewRejecter(rt.store, logger),
		cfg.MergeWorkers,
		logger,
	).WithDebateCloser(rt.debates)
	return rt, nil
}

func (rt *runtime) service() *app.Service {
	checks := map[string]app.Pinger{"database": rt.store}
	if rt.graph != nil {
		checks["redis"] = rt.graph
	}
	return &app.Service{
		Documents:     rt.documents,
		Contributions: rt.contributions,
		Votes:         rt.votes,
		Debates:       rt.debates,
		Archive:       rt.archive,
		Export:        rt.export,
		Search:        rt.search,
		Checks:        checks,
	}
}

func (rt *runtime) Close() {
	if rt.meili != nil {
		rt.meili.Close()
	}
	if rt.graph != nil {
		_ = rt.graph.Close()
	}
	_ = rt.db.Close()
}
