// Package serve provides the serve command.
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tphakala/feedimages/internal/app"
	"github.com/tphakala/feedimages/internal/buildinfo"
	"github.com/tphakala/feedimages/internal/conf"
	"github.com/tphakala/feedimages/internal/httpserver"
	"github.com/tphakala/feedimages/internal/logger"
)

// Command creates the serve command.
func Command(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the image pipeline with its diagnostics HTTP server",
		Long: `Serve starts the image pipeline and exposes it over HTTP: rendered previews,
cache statistics, viewed state and Prometheus metrics. It runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen == "" {
				listen = settings.Server.Listen
			}
			return run(cmd.Context(), settings, build, listen)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (default from config)")
	return cmd
}

func run(parent context.Context, settings *conf.Settings, build *buildinfo.Context, listen string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, settings, build, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	opts := []httpserver.Option{
		httpserver.WithMetrics(a.Metrics),
		httpserver.WithBuildInfo(build),
		httpserver.WithLogger(logger.Global().Module("http")),
	}
	if a.Disk != nil {
		opts = append(opts, httpserver.WithDisk(a.Disk))
	}

	srv, err := httpserver.New(listen, a.Service, opts...)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	// end the startup fast path once the server is accepting requests
	a.Service.EndBootstrap()
	return srv.Run(ctx)
}
