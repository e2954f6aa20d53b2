package imagepipeline

import (
	"time"

	"github.com/tphakala/feedimages/internal/conf"
	"github.com/tphakala/feedimages/internal/imagecache"
)

// Config tunes the pipeline. Zero values are replaced by defaults in New.
type Config struct {
	ThumbnailCapacity int
	GeneralCapacity   int

	MaxConcurrent     int
	BootstrapLimit    int
	BootstrapDuration time.Duration // zero keeps bootstrap until EndBootstrap
	RetryDelay        time.Duration

	SweepInterval time.Duration
	SweepBatch    int

	UpgradeBatch   int
	UpgradePause   time.Duration
	UpgradeMaxSize int

	MaxBodyBytes   int64
	HostBodyLimits map[string]int64

	// RevalidateAfter is how long a disk entry is served without asking the
	// origin. Zero disables revalidation.
	RevalidateAfter time.Duration

	UserAgent string

	// Debug traces cache hits, misses and evictions.
	Debug bool
}

// DefaultConfig returns the built-in tuning.
func DefaultConfig() Config {
	return Config{
		ThumbnailCapacity: imagecache.DefaultThumbnailCapacity,
		GeneralCapacity:   imagecache.DefaultGeneralCapacity,
		MaxConcurrent:     conf.DefaultMaxConcurrent,
		BootstrapLimit:    conf.DefaultBootstrapLimit,
		RetryDelay:        conf.DefaultRetryDelay,
		SweepInterval:     conf.DefaultSweepInterval,
		SweepBatch:        conf.DefaultSweepBatch,
		UpgradeBatch:      conf.DefaultUpgradeBatch,
		UpgradePause:      conf.DefaultUpgradePause,
		UpgradeMaxSize:    conf.DefaultUpgradeMaxSize,
		MaxBodyBytes:      conf.DefaultMaxBodyBytes,
	}
}

// ConfigFromSettings maps loaded settings onto a pipeline Config.
func ConfigFromSettings(s *conf.Settings) Config {
	ic := &s.ImageCache
	cfg := Config{
		ThumbnailCapacity: ic.ThumbnailCapacity,
		GeneralCapacity:   ic.GeneralCapacity,
		MaxConcurrent:     ic.MaxConcurrent,
		BootstrapLimit:    ic.BootstrapLimit,
		BootstrapDuration: ic.BootstrapDuration,
		RetryDelay:        ic.RetryDelay,
		SweepInterval:     ic.SweepInterval,
		SweepBatch:        ic.SweepBatch,
		UpgradeBatch:      ic.UpgradeBatch,
		UpgradePause:      ic.UpgradePause,
		UpgradeMaxSize:    ic.UpgradeMaxSize,
		MaxBodyBytes:      ic.MaxBodyBytes,
		RevalidateAfter:   ic.RevalidateAfter,
		UserAgent:         s.HTTP.UserAgent,
		Debug:             s.Debug || ic.Debug,
	}
	if len(ic.HostBodyLimits) > 0 {
		cfg.HostBodyLimits = make(map[string]int64, len(ic.HostBodyLimits))
		for _, hl := range ic.HostBodyLimits {
			cfg.HostBodyLimits[hl.Host] = hl.MaxBytes
		}
	}
	return cfg
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ThumbnailCapacity <= 0 {
		c.ThumbnailCapacity = d.ThumbnailCapacity
	}
	if c.GeneralCapacity <= 0 {
		c.GeneralCapacity = d.GeneralCapacity
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.BootstrapLimit <= 0 {
		c.BootstrapLimit = d.BootstrapLimit
	}
	if c.BootstrapLimit > c.MaxConcurrent {
		c.BootstrapLimit = c.MaxConcurrent
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = d.SweepBatch
	}
	if c.UpgradeBatch <= 0 {
		c.UpgradeBatch = d.UpgradeBatch
	}
	if c.UpgradePause <= 0 {
		c.UpgradePause = d.UpgradePause
	}
	if c.UpgradeMaxSize <= 0 {
		c.UpgradeMaxSize = d.UpgradeMaxSize
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	return c
}

// bodyLimit returns the effective response size cap for host.
func (c *Config) bodyLimit(host string) int64 {
	if v, ok := c.HostBodyLimits[host]; ok && v > 0 && v < c.MaxBodyBytes {
		return v
	}
	return c.MaxBodyBytes
}
