package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/psui-dev/psui/internal/dev"
	"github.com/psui-dev/psui/pkg/middleware"
	"github.com/psui-dev/psui/pkg/server"
)

func serveCmd() *cobra.Command {
	var (
		addr    string
		devMode bool
		watch   []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the demo server",
		Long: `Start the demo server.

In dev mode the server watches source trees for changes and pushes a
reload to every connected browser tab.

Examples:
  psui-demo serve
  psui-demo serve --addr=:3000
  psui-demo serve --dev --watch=./cmd --watch=./pkg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr, devMode, watch)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "Address to listen on")
	cmd.Flags().BoolVarP(&devMode, "dev", "d", false, "Enable dev mode (autoreload)")
	cmd.Flags().StringSliceVarP(&watch, "watch", "w", []string{"."}, "Paths to watch in dev mode")

	return cmd
}

func runServe(addr string, devMode bool, watch []string) error {
	level := slog.LevelInfo
	if devMode {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	app := server.New(server.DefaultServerConfig().
		WithAddress(addr).
		WithDevMode(devMode))

	app.Use(middleware.Prometheus())
	app.Use(middleware.OpenTelemetry())
	middleware.InstrumentSessions(app.Sessions())
	app.Handle("/metrics", promhttp.Handler())

	demo := newDemoApp(app)
	if err := demo.register(); err != nil {
		return err
	}

	if devMode {
		reloader := dev.NewReloader(watch, app.Sessions(), logger)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := reloader.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("autoreload stopped", "error", err)
			}
		}()
		defer reloader.Stop()
	}

	return app.Run()
}
