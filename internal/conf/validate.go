package conf

import (
	"fmt"
	"strings"

	"github.com/tphakala/feedimages/internal/errors"
)

// ValidationError collects every problem found in a Settings value
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ErrorCategory marks validation failures as configuration errors
func (ve ValidationError) ErrorCategory() errors.ErrorCategory {
	return errors.CategoryConfiguration
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	ve.Errors = append(ve.Errors, validateImageCacheSettings(&settings.ImageCache)...)
	ve.Errors = append(ve.Errors, validateHTTPSettings(&settings.HTTP)...)

	if settings.Telemetry.Enabled && strings.TrimSpace(settings.Telemetry.DSN) == "" {
		ve.Errors = append(ve.Errors, "telemetry.dsn is required when telemetry is enabled")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateImageCacheSettings(s *ImageCacheSettings) []string {
	var errs []string

	if strings.TrimSpace(s.Dir) == "" {
		errs = append(errs, "imagecache.dir must not be empty")
	}
	if s.ThumbnailCapacity <= 0 {
		errs = append(errs, fmt.Sprintf("imagecache.thumbnailcapacity must be positive, got %d", s.ThumbnailCapacity))
	}
	if s.GeneralCapacity <= 0 {
		errs = append(errs, fmt.Sprintf("imagecache.generalcapacity must be positive, got %d", s.GeneralCapacity))
	}
	if s.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Sprintf("imagecache.maxconcurrent must be positive, got %d", s.MaxConcurrent))
	}
	if s.BootstrapLimit <= 0 || s.BootstrapLimit > s.MaxConcurrent {
		errs = append(errs, fmt.Sprintf("imagecache.bootstraplimit must be between 1 and maxconcurrent (%d), got %d",
			s.MaxConcurrent, s.BootstrapLimit))
	}
	if s.BootstrapDuration < 0 {
		errs = append(errs, "imagecache.bootstrapduration must not be negative")
	}
	if s.RetryDelay <= 0 {
		errs = append(errs, "imagecache.retrydelay must be positive")
	}
	if s.SweepInterval < MinSweepInterval || s.SweepInterval > MaxSweepInterval {
		errs = append(errs, fmt.Sprintf("imagecache.sweepinterval must be between %s and %s, got %s",
			MinSweepInterval, MaxSweepInterval, s.SweepInterval))
	}
	if s.SweepBatch <= 0 {
		errs = append(errs, "imagecache.sweepbatch must be positive")
	}
	if s.UpgradeBatch <= 0 {
		errs = append(errs, "imagecache.upgradebatch must be positive")
	}
	if s.UpgradePause < 0 {
		errs = append(errs, "imagecache.upgradepause must not be negative")
	}
	if s.UpgradeMaxSize <= 0 {
		errs = append(errs, "imagecache.upgrademaxsize must be positive")
	}
	if s.MaxBodyBytes <= 0 {
		errs = append(errs, "imagecache.maxbodybytes must be positive")
	}
	for i, hl := range s.HostBodyLimits {
		if strings.TrimSpace(hl.Host) == "" {
			errs = append(errs, fmt.Sprintf("imagecache.hostbodylimits[%d].host must not be empty", i))
		}
		if hl.MaxBytes <= 0 {
			errs = append(errs, fmt.Sprintf("imagecache.hostbodylimits[%d].maxbytes must be positive", i))
		}
	}
	if s.MemoryPressure.Enabled {
		if s.MemoryPressure.Percent <= 0 || s.MemoryPressure.Percent > 100 {
			errs = append(errs, fmt.Sprintf("imagecache.memorypressure.percent must be in (0, 100], got %v", s.MemoryPressure.Percent))
		}
		if s.MemoryPressure.Interval <= 0 {
			errs = append(errs, "imagecache.memorypressure.interval must be positive")
		}
	}

	return errs
}

func validateHTTPSettings(s *HTTPSettings) []string {
	var errs []string
	if s.Timeout <= 0 {
		errs = append(errs, "http.timeout must be positive")
	}
	if strings.TrimSpace(s.UserAgent) == "" {
		errs = append(errs, "http.useragent must not be empty")
	}
	return errs
}
