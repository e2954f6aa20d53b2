// conf/defaults.go default values for settings
package conf

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/feedimages/internal/logger"
)

const (
	DefaultThumbnailCapacity = 512
	DefaultGeneralCapacity   = 96
	DefaultMaxConcurrent     = 8
	DefaultBootstrapLimit    = 3
	DefaultSweepInterval     = 800 * time.Millisecond
	DefaultSweepBatch        = 5
	DefaultUpgradeBatch      = 3
	DefaultUpgradePause      = time.Second
	DefaultUpgradeMaxSize    = 1600
	DefaultRetryDelay        = 150 * time.Millisecond
	DefaultMaxBodyBytes      = 20 << 20

	MinSweepInterval = 500 * time.Millisecond
	MaxSweepInterval = 1200 * time.Millisecond
)

// setDefaultConfig sets default values for the configuration.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("logging.default_level", logger.DefaultLogLevel)
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", logger.DefaultConsoleEnabled)
	v.SetDefault("logging.console.level", logger.DefaultLogLevel)
	v.SetDefault("logging.file_output.enabled", logger.DefaultFileEnabled)
	v.SetDefault("logging.file_output.path", logger.DefaultLogPath)
	v.SetDefault("logging.file_output.level", logger.DefaultLogLevel)

	v.SetDefault("imagecache.debug", false)
	v.SetDefault("imagecache.dir", defaultCacheDir())
	v.SetDefault("imagecache.thumbnailcapacity", DefaultThumbnailCapacity)
	v.SetDefault("imagecache.generalcapacity", DefaultGeneralCapacity)
	v.SetDefault("imagecache.maxconcurrent", DefaultMaxConcurrent)
	v.SetDefault("imagecache.bootstraplimit", DefaultBootstrapLimit)
	v.SetDefault("imagecache.bootstrapduration", 10*time.Second)
	v.SetDefault("imagecache.retrydelay", DefaultRetryDelay)
	v.SetDefault("imagecache.sweepinterval", DefaultSweepInterval)
	v.SetDefault("imagecache.sweepbatch", DefaultSweepBatch)
	v.SetDefault("imagecache.upgradebatch", DefaultUpgradeBatch)
	v.SetDefault("imagecache.upgradepause", DefaultUpgradePause)
	v.SetDefault("imagecache.upgrademaxsize", DefaultUpgradeMaxSize)
	v.SetDefault("imagecache.maxbodybytes", DefaultMaxBodyBytes)
	v.SetDefault("imagecache.hostbodylimits", []map[string]any{})
	v.SetDefault("imagecache.revalidateafter", 24*time.Hour)
	v.SetDefault("imagecache.viewedcachettl", 10*time.Minute)
	v.SetDefault("imagecache.memorypressure.enabled", false)
	v.SetDefault("imagecache.memorypressure.percent", 90.0)
	v.SetDefault("imagecache.memorypressure.interval", 30*time.Second)

	v.SetDefault("http.useragent", "feedimages/1.0 (+https://github.com/tphakala/feedimages)")
	v.SetDefault("http.timeout", 30*time.Second)

	v.SetDefault("server.listen", "127.0.0.1:8089")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.dsn", "")
	v.SetDefault("telemetry.environment", "production")
}

// defaultCacheDir resolves <user cache dir>/feedimages, falling back to a
// relative directory when the platform has no cache dir.
func defaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return "feedimages-cache"
	}
	return filepath.Join(base, "feedimages")
}
