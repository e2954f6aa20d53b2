// Package app assembles the image pipeline and its collaborators from
// settings. Commands build one App, use it, and Close it.
package app

import (
	"context"
	"fmt"

	"github.com/tphakala/feedimages/internal/buildinfo"
	"github.com/tphakala/feedimages/internal/conf"
	"github.com/tphakala/feedimages/internal/diskcache"
	"github.com/tphakala/feedimages/internal/httpclient"
	"github.com/tphakala/feedimages/internal/imagepipeline"
	"github.com/tphakala/feedimages/internal/logger"
	"github.com/tphakala/feedimages/internal/observability"
	"github.com/tphakala/feedimages/internal/uiloop"
)

// App holds a running pipeline.
type App struct {
	Settings *conf.Settings
	Build    buildinfo.BuildInfo
	Loop     *uiloop.Loop
	Disk     *diskcache.Store
	Client   *httpclient.Client
	Metrics  *observability.Metrics
	Service  *imagepipeline.Service

	pressure *imagepipeline.PressureMonitor
	cancel   context.CancelFunc
	log      logger.Logger
}

// Options tweak New.
type Options struct {
	// WithoutDisk runs memory-only, e.g. for dry runs.
	WithoutDisk bool

	// Fetcher replaces the HTTP client, for tests.
	Fetcher imagepipeline.Fetcher
}

// New starts the dispatcher loop and builds the service. On error every
// partially created component is released.
func New(ctx context.Context, settings *conf.Settings, build buildinfo.BuildInfo, opts Options) (_ *App, err error) {
	if settings == nil {
		return nil, fmt.Errorf("app: settings are required")
	}
	if build == nil {
		build = &buildinfo.Context{}
	}
	log := logger.Global().Module("app")

	a := &App{Settings: settings, Build: build, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Metrics, err = observability.NewMetrics()
	if err != nil {
		return nil, err
	}
	a.Metrics.CountErrors()

	a.Client = httpclient.New(&httpclient.Config{
		DefaultTimeout: settings.HTTP.Timeout,
		UserAgent:      settings.HTTP.UserAgent,
	})
	a.Metrics.InstrumentClient(a.Client)

	if !opts.WithoutDisk {
		a.Disk, err = OpenDisk(settings)
		if err != nil {
			return nil, err
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.Loop = uiloop.New(nil)
	a.Loop.Start(loopCtx)

	deps := imagepipeline.Dependencies{
		Dispatcher: a.Loop,
		Client:     a.Client,
		Metrics:    a.Metrics.ImagePipeline,
	}
	if opts.Fetcher != nil {
		deps.Client = opts.Fetcher
	}
	if a.Disk != nil {
		deps.Disk = a.Disk
	}

	a.Service, err = imagepipeline.New(imagepipeline.ConfigFromSettings(settings), deps)
	if err != nil {
		return nil, err
	}

	if mp := settings.ImageCache.MemoryPressure; mp.Enabled {
		a.pressure = a.Service.NewPressureMonitor(mp.Percent, mp.Interval, nil)
		a.pressure.Start(loopCtx)
	}

	log.Debug("pipeline ready",
		logger.String("cache_dir", settings.ImageCache.Dir),
		logger.Bool("disk", a.Disk != nil),
		logger.Bool("memory_pressure", a.pressure != nil),
		logger.String("version", build.GetVersion()))
	return a, nil
}

// OpenDisk opens the disk cache configured in settings, for commands that
// only inspect or edit the cache without running the pipeline.
func OpenDisk(settings *conf.Settings) (*diskcache.Store, error) {
	store, err := diskcache.Open(diskcache.Options{
		Dir:            settings.ImageCache.Dir,
		ViewedCacheTTL: settings.ImageCache.ViewedCacheTTL,
		Debug:          settings.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("open disk cache: %w", err)
	}
	return store, nil
}

// Close stops background work in dependency order. Safe on a partially
// built App.
func (a *App) Close() {
	if a.pressure != nil {
		a.pressure.Stop()
	}
	if a.Service != nil {
		if err := a.Service.Close(); err != nil {
			a.log.Warn("pipeline close failed", logger.Error(err))
		}
	}
	if a.Loop != nil {
		a.Loop.Stop()
		a.Loop.Wait()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.Client != nil {
		a.Client.Close()
	}
	if a.Disk != nil {
		if err := a.Disk.Close(); err != nil {
			a.log.Warn("disk cache close failed", logger.Error(err))
		}
	}
}
