package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/efebarandurmaz/fieldgraph/internal/config"
	"github.com/efebarandurmaz/fieldgraph/internal/database"
	"github.com/efebarandurmaz/fieldgraph/internal/engine"
	"github.com/efebarandurmaz/fieldgraph/internal/graph"
	"github.com/efebarandurmaz/fieldgraph/internal/graph/neo4j"
	"github.com/efebarandurmaz/fieldgraph/internal/observability"
	"github.com/efebarandurmaz/fieldgraph/internal/secrets"
	"github.com/prometheus/client_golang/prometheus"
)

// version is set at build time.
var version = "dev"

// app holds everything one command invocation needs.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *database.DB
	graph   graph.Repository // mirror of the field graph, nil without one
	engine  *engine.Engine
	metrics *observability.Metrics
	audit   *observability.AuditLogger
	tracer  *observability.TracerProvider
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: config load failed (%v), using defaults\n", err)
		cfg, _ = config.Load("")
		if cfg == nil {
			cfg = &config.Config{}
		}
	}
	return cfg
}

// newApp opens the databases and wires the engine as configured.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: cfg.Logger(os.Stderr)}
	slog.SetDefault(a.logger)

	tp, err := observability.InitTracing(ctx, &observability.TracingConfig{
		ServiceName:    "fieldgraph",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.tracer = tp

	a.audit, err = observability.NewAuditLogger(&observability.AuditConfig{
		Enabled:    cfg.Audit.Enabled,
		OutputPath: cfg.Audit.Output,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.metrics = observability.NewMetrics(prometheus.NewRegistry())

	a.db, err = database.Open(ctx, cfg.Database.DSN, a.logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	opts := []engine.Option{
		engine.WithMaxDepth(cfg.Depth()),
		engine.WithLogger(a.logger),
		engine.WithMetrics(a.metrics),
		engine.WithAudit(a.audit),
	}
	if cfg.Graph.Backend == "neo4j" {
		sm, err := secrets.NewManager(&secrets.Config{Provider: cfg.Secrets.Provider, File: cfg.Secrets.File})
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		username := sm.Resolve(ctx, cfg.Graph.Username, secrets.KeyGraphUsername)
		password := sm.Resolve(ctx, cfg.Graph.Password, secrets.KeyGraphPassword)
		repo, err := neo4j.NewNeo4j(ctx, cfg.Graph.URI, username, password)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.graph = repo
		opts = append(opts, engine.WithMirror(repo))
	}
	a.engine = engine.New(a.db, opts...)
	a.logger.Debug("fieldgraph ready", "dsn", cfg.Database.DSN, "backend", a.backend(), "max_depth", cfg.Depth())
	return a, nil
}

func (a *app) backend() string {
	if a.graph != nil {
		return a.graph.Backend()
	}
	return "sqlite"
}

// Close releases whatever newApp opened.
func (a *app) Close(ctx context.Context) {
	if a.graph != nil {
		if err := a.graph.Close(ctx); err != nil {
			a.logger.Warn("close graph backend", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close database", "error", err)
		}
	}
	if a.audit != nil {
		a.audit.Close()
	}
	if a.tracer != nil {
		a.tracer.Shutdown(ctx)
	}
}
