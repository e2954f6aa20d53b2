// Package telemetry wires opt-in Sentry error reporting into the errors
// package. Nothing is sent unless telemetry is enabled and a DSN is set.
package telemetry

import (
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/feedimages/internal/buildinfo"
	"github.com/tphakala/feedimages/internal/conf"
	"github.com/tphakala/feedimages/internal/errors"
	"github.com/tphakala/feedimages/internal/logger"
)

const flushTimeout = 2 * time.Second

var (
	initMu      sync.Mutex
	initialized bool
)

// Option adjusts the Sentry client options, mainly for tests.
type Option func(*sentry.ClientOptions)

// WithTransport replaces the HTTP transport.
func WithTransport(t sentry.Transport) Option {
	return func(o *sentry.ClientOptions) { o.Transport = t }
}

// Init initializes Sentry and installs it as the errors package reporter. It
// is a no-op when telemetry is disabled. The returned function flushes
// pending events and must be called before exit.
func Init(settings *conf.Settings, build buildinfo.BuildInfo, opts ...Option) (func(), error) {
	noop := func() {}
	if settings == nil || !settings.Telemetry.Enabled {
		return noop, nil
	}
	if settings.Telemetry.DSN == "" {
		return noop, errors.Newf("telemetry enabled but no DSN configured").
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	initMu.Lock()
	defer initMu.Unlock()
	if initialized {
		return flush, nil
	}

	env := settings.Telemetry.Environment
	if env == "" {
		env = "production"
	}

	options := sentry.ClientOptions{
		Dsn:              settings.Telemetry.DSN,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      env,
		ServerName:       "", // never leak the hostname
		Release:          fmt.Sprintf("feedimages@%s", build.GetVersion()),
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	}
	for _, opt := range opts {
		opt(&options)
	}

	if err := sentry.Init(options); err != nil {
		return noop, fmt.Errorf("sentry initialization failed: %w", err)
	}

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("instance_id", build.GetInstanceID())
	})

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	initialized = true

	logger.Global().Module("telemetry").Info("error reporting enabled",
		logger.String("environment", env),
		logger.String("release", options.Release))

	return flush, nil
}

// Shutdown detaches the reporter and flushes. Safe to call when Init was a
// no-op.
func Shutdown() {
	initMu.Lock()
	defer initMu.Unlock()
	if !initialized {
		return
	}
	errors.SetTelemetryReporter(nil)
	flush()
	initialized = false
}

func flush() {
	sentry.Flush(flushTimeout)
}

// applyPrivacyFilters strips host and user identifying data from an event.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}

	for k := range event.Extra {
		if k != "error_type" && k != "component" {
			delete(event.Extra, k)
		}
	}

	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}

	// request URLs may be signed image links
	if event.Request != nil {
		event.Request = nil
	}
	return event
}
