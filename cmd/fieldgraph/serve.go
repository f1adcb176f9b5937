package main

import (
	"context"
	"time"

	"github.com/efebarandurmaz/fieldgraph/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd(g *globals) *cobra.Command {
	var addr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health checks and engine metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg := loadConfig(g.configPath)
			if addr == "" {
				addr = cfg.Metrics.Addr
			}
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}

			srv := server.New(server.Config{
				Version:         version,
				Addr:            addr,
				ShutdownTimeout: 15 * time.Second,
				Logger:          a.logger,
			})
			srv.AddCheck(server.Database(a.db.Ping))
			var graphCheck func(ctx context.Context) error
			if a.graph != nil {
				graphCheck = func(ctx context.Context) error {
					_, err := a.graph.LoadGraph(ctx)
					return err
				}
			}
			srv.AddCheck(server.Graph(a.backend(), graphCheck))
			srv.Mount("/metrics", a.metrics.Handler())

			if a.graph != nil {
				srv.OnShutdown("graph", a.graph.Close)
			}
			srv.OnShutdown("tracing", a.tracer.Shutdown)
			srv.OnShutdown("database", func(context.Context) error { return a.db.Close() })
			srv.OnShutdown("audit", func(context.Context) error { return a.audit.Close() })

			a.logger.Info("starting", "addr", addr, "backend", a.backend())
			if err := srv.Run(ctx); err != nil {
				return err
			}
			a.logger.Info("stopped")
			return nil
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: metrics.addr)")
	return serveCmd
}
