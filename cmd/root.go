// Package cmd builds the feedimages command line.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/feedimages/cmd/cache"
	configcmd "github.com/tphakala/feedimages/cmd/config"
	"github.com/tphakala/feedimages/cmd/serve"
	"github.com/tphakala/feedimages/cmd/stats"
	"github.com/tphakala/feedimages/cmd/viewed"
	"github.com/tphakala/feedimages/cmd/warm"
	"github.com/tphakala/feedimages/internal/buildinfo"
	"github.com/tphakala/feedimages/internal/conf"
	"github.com/tphakala/feedimages/internal/logger"
	"github.com/tphakala/feedimages/internal/telemetry"
)

// RootCommand creates the root command. settings is filled in before any
// subcommand runs.
func RootCommand(build *buildinfo.Context) *cobra.Command {
	settings := &conf.Settings{}
	var (
		configFile string
		debug      bool
		cacheDir   string
		central    *logger.CentralLogger
	)

	rootCmd := &cobra.Command{
		Use:           "feedimages",
		Short:         "Image cache and loader for feed readers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config.yaml (default: search standard locations)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "Override the cache directory")

	versionCmd := versionCommand(build)
	rootCmd.AddCommand(
		serve.Command(settings, build),
		warm.Command(settings, build),
		stats.Command(settings),
		cache.Command(settings),
		viewed.Command(settings),
		configcmd.Command(settings),
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}

		loaded, err := conf.Load(configFile)
		if err != nil {
			return err
		}
		*settings = *loaded

		if debug {
			settings.Debug = true
			settings.Logging.DefaultLevel = string(logger.LogLevelDebug)
			if settings.Logging.Console != nil {
				settings.Logging.Console.Level = string(logger.LogLevelDebug)
			}
		}
		if cacheDir != "" {
			settings.ImageCache.Dir = cacheDir
		}

		central, err = logger.NewCentralLogger(&settings.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		logger.SetGlobal(central)

		if _, err := telemetry.Init(settings, build); err != nil {
			// reporting is optional; a bad DSN must not block the command
			logger.Global().Module("main").Warn("telemetry disabled", logger.Error(err))
		}
		return nil
	}

	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		telemetry.Shutdown()
		if central != nil {
			_ = central.Close()
		}
	}

	return rootCmd
}

func versionCommand(build *buildinfo.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "feedimages %s (built %s)\n",
				build.GetVersion(), build.GetBuildDate())
		},
	}
}
