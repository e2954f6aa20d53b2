// Package conf provides configuration management for feedimages.
package conf

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/feedimages/internal/errors"
	"github.com/tphakala/feedimages/internal/logger"
)

// HostLimit caps response bodies from one host. Hosts are a list rather than
// a map because viper splits map keys on dots.
type HostLimit struct {
	Host     string `mapstructure:"host" yaml:"host"`
	MaxBytes int64  `mapstructure:"maxbytes" yaml:"maxbytes"`
}

// MemoryPressureSettings controls the background memory monitor
type MemoryPressureSettings struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Percent  float64       `mapstructure:"percent" yaml:"percent"`   // used memory percentage that triggers a clear
	Interval time.Duration `mapstructure:"interval" yaml:"interval"` // sampling interval
}

// ImageCacheSettings contains the image pipeline tunables
type ImageCacheSettings struct {
	Debug bool   `mapstructure:"debug" yaml:"debug"` // trace cache hits, misses and evictions
	Dir   string `mapstructure:"dir" yaml:"dir"`     // cache root; images/ and meta.db live below it

	ThumbnailCapacity int `mapstructure:"thumbnailcapacity" yaml:"thumbnailcapacity"`
	GeneralCapacity   int `mapstructure:"generalcapacity" yaml:"generalcapacity"`

	MaxConcurrent     int           `mapstructure:"maxconcurrent" yaml:"maxconcurrent"`
	BootstrapLimit    int           `mapstructure:"bootstraplimit" yaml:"bootstraplimit"`
	BootstrapDuration time.Duration `mapstructure:"bootstrapduration" yaml:"bootstrapduration"`
	RetryDelay        time.Duration `mapstructure:"retrydelay" yaml:"retrydelay"`

	SweepInterval time.Duration `mapstructure:"sweepinterval" yaml:"sweepinterval"`
	SweepBatch    int           `mapstructure:"sweepbatch" yaml:"sweepbatch"`

	UpgradeBatch   int           `mapstructure:"upgradebatch" yaml:"upgradebatch"`
	UpgradePause   time.Duration `mapstructure:"upgradepause" yaml:"upgradepause"`
	UpgradeMaxSize int           `mapstructure:"upgrademaxsize" yaml:"upgrademaxsize"`

	MaxBodyBytes   int64       `mapstructure:"maxbodybytes" yaml:"maxbodybytes"`
	HostBodyLimits []HostLimit `mapstructure:"hostbodylimits" yaml:"hostbodylimits"`

	RevalidateAfter time.Duration `mapstructure:"revalidateafter" yaml:"revalidateafter"` // disk entries older than this are revalidated
	ViewedCacheTTL  time.Duration `mapstructure:"viewedcachettl" yaml:"viewedcachettl"`

	MemoryPressure MemoryPressureSettings `mapstructure:"memorypressure" yaml:"memorypressure"`
}

// HTTPSettings configures the outbound HTTP client
type HTTPSettings struct {
	UserAgent string        `mapstructure:"useragent" yaml:"useragent"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ServerSettings configures the diagnostics server
type ServerSettings struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// TelemetrySettings controls Sentry error reporting
type TelemetrySettings struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN         string `mapstructure:"dsn" yaml:"dsn"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// Settings is the root configuration
type Settings struct {
	Debug      bool                 `mapstructure:"debug" yaml:"debug"`
	Logging    logger.LoggingConfig `mapstructure:"logging" yaml:"logging"`
	ImageCache ImageCacheSettings   `mapstructure:"imagecache" yaml:"imagecache"`
	HTTP       HTTPSettings         `mapstructure:"http" yaml:"http"`
	Server     ServerSettings       `mapstructure:"server" yaml:"server"`
	Telemetry  TelemetrySettings    `mapstructure:"telemetry" yaml:"telemetry"`

	// ConfigFile is the file the settings were read from, empty for defaults only
	ConfigFile string `mapstructure:"-" yaml:"-"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads configuration from configFile, or from the default search paths
// when configFile is empty. A missing config file is not an error; defaults
// and environment variables still apply.
func Load(configFile string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	v, err := initViper(configFile)
	if err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal_config").
			Build()
	}
	settings.ConfigFile = v.ConfigFileUsed()

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper builds a viper instance with defaults, env bindings and the
// optional config file.
func initViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaultConfig(v)

	if err := bindEnvVars(v); err != nil {
		// invalid env values are reported but not fatal; validation catches
		// anything that actually breaks the settings
		GetLogger().Warn("environment configuration issues", logger.Error(err))
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		paths, err := GetDefaultConfigPaths()
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && configFile == "" {
			GetLogger().Debug("no config file found, using defaults")
			return v, nil
		}
		return nil, errors.New(fmt.Errorf("fatal error reading config file: %w", err)).
			Category(errors.CategoryConfiguration).
			Context("operation", "read_config").
			FileContext(configFile, 0).
			Build()
	}

	return v, nil
}

// Setting returns the loaded settings, loading from the default locations on
// first use. It falls back to plain defaults if loading fails.
func Setting() *Settings {
	settingsMutex.RLock()
	if settingsInstance != nil {
		defer settingsMutex.RUnlock()
		return settingsInstance
	}
	settingsMutex.RUnlock()

	settings, err := Load("")
	if err != nil {
		GetLogger().Error("failed to load settings, using defaults", logger.Error(err))
		return Defaults()
	}
	return settings
}

// Defaults returns settings populated only from built-in defaults.
func Defaults() *Settings {
	v := viper.New()
	setDefaultConfig(v)

	settings := &Settings{}
	// defaults always decode
	_ = v.Unmarshal(settings)
	return settings
}

// YAML renders the settings as a config file.
func (s *Settings) YAML() ([]byte, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("operation", "marshal_config").
			Build()
	}
	return out, nil
}

// HostBodyLimit returns the per-host body cap for host, or 0 if none is set.
func (s *ImageCacheSettings) HostBodyLimit(host string) int64 {
	for _, hl := range s.HostBodyLimits {
		if hl.Host == host {
			return hl.MaxBytes
		}
	}
	return 0
}
