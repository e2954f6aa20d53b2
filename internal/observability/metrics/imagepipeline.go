// Package metrics provides custom Prometheus metrics for the feedimages components.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Download outcomes used as the "outcome" label.
const (
	OutcomeSuccess     = "success"
	OutcomeRevalidated = "revalidated"
	OutcomeHTTPError   = "http_error"
	OutcomeNetwork     = "network_error"
	OutcomeTooLarge    = "too_large"
	OutcomeDecode      = "decode_error"
	OutcomeEmpty       = "empty_body"
)

// Cache pools used as the "pool" label.
const (
	PoolThumbnail = "thumbnail"
	PoolGeneral   = "general"
	PoolAnySize   = "any_size"
)

// ImagePipelineMetrics contains all Prometheus metrics for the image pipeline.
// All methods are safe on a nil receiver so components can run without metrics.
type ImagePipelineMetrics struct {
	MemoryHits       *prometheus.CounterVec
	MemoryMisses     prometheus.Counter
	MemoryEvictions  *prometheus.CounterVec
	MemoryEntries    *prometheus.GaugeVec
	DiskHits         prometheus.Counter
	DiskMisses       prometheus.Counter
	Downloads        *prometheus.CounterVec
	DedupJoins       prometheus.Counter
	Deferrals        prometheus.Counter
	Promotions       prometheus.Counter
	LimiterRetries   prometheus.Counter
	Upgrades         prometheus.Counter
	HeroRefetches    prometheus.Counter
	ActiveDownloads  prometheus.Gauge
	DownloadDuration prometheus.Histogram
	BytesDownloaded  prometheus.Counter
	PressureClears   prometheus.Counter
	registry         *prometheus.Registry
}

// NewImagePipelineMetrics creates the pipeline metrics and registers them
// with registry.
func NewImagePipelineMetrics(registry *prometheus.Registry) (*ImagePipelineMetrics, error) {
	m := &ImagePipelineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register image pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *ImagePipelineMetrics) initMetrics() {
	m.MemoryHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feedimages_memory_cache_hits_total",
		Help: "Memory cache hits by pool.",
	}, []string{"pool"})

	m.MemoryMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedimages_memory_cache_misses_total",
		Help: "Memory cache misses.",
	})

	m.MemoryEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feedimages_memory_cache_evictions_total",
		Help: "LRU evictions by pool.",
	}, []string{"pool"})

	m.MemoryEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feedimages_memory_cache_entries",
		Help: "Current number of decoded images held in memory, by pool.",
	}, []string{"pool"})

	m.DiskHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedimages_disk_cache_hits_total",
		Help: "Requests served from the disk cache without network access.",
	})

	m.DiskMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedimages_disk_cache_misses_total",
		Help: "Requests that found no usable disk cache entry.",
	})

	m.Downloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feedimages_downloads_total",
		Help: "Completed download attempts by outcome.",
	}, []string{"outcome"})

	m.DedupJoins = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedimages_dedup_joins_total",
		Help: "Requests attached to an already pending download.",
	})

	m.Deferrals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedimages_deferrals_total",
		Help: "Requests deferred because their target was not visible.",
	})

	m.Promotions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedimages_deferral_promotions_total",
		Help: "Deferred requests promoted by the visibility sweep.",
	})

	m.LimiterRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedimages_limiter_retries_total",
		Help: "Download starts postponed because the concurrency cap was reached.",
	})

	m.Upgrades = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedimages_upgrade_requests_total",
		Help: "Higher resolution requests issued by the upgrade pass.",
	})

	m.HeroRefetches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedimages_hero_refetches_total",
		Help: "Hero images re-fetched after layout growth.",
	})

	m.ActiveDownloads = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "feedimages_active_downloads",
		Help: "Downloads currently in flight.",
	})

	m.DownloadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedimages_download_duration_seconds",
		Help:    "Duration of image downloads including decode and rescale.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	m.BytesDownloaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedimages_downloaded_bytes_total",
		Help: "Response body bytes accepted from 200 responses.",
	})

	m.PressureClears = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedimages_memory_pressure_clears_total",
		Help: "General pool clears triggered by system memory pressure.",
	})
}

func (m *ImagePipelineMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MemoryHits, m.MemoryMisses, m.MemoryEvictions, m.MemoryEntries,
		m.DiskHits, m.DiskMisses, m.Downloads, m.DedupJoins, m.Deferrals,
		m.Promotions, m.LimiterRetries, m.Upgrades, m.HeroRefetches,
		m.ActiveDownloads, m.DownloadDuration, m.BytesDownloaded, m.PressureClears,
	}
}

// Describe implements the prometheus.Collector interface.
func (m *ImagePipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface.
func (m *ImagePipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// RecordMemoryHit counts a memory hit in pool.
func (m *ImagePipelineMetrics) RecordMemoryHit(pool string) {
	if m == nil {
		return
	}
	m.MemoryHits.WithLabelValues(pool).Inc()
}

func (m *ImagePipelineMetrics) RecordMemoryMiss() {
	if m == nil {
		return
	}
	m.MemoryMisses.Inc()
}

func (m *ImagePipelineMetrics) RecordEviction(pool string) {
	if m == nil {
		return
	}
	m.MemoryEvictions.WithLabelValues(pool).Inc()
}

// SetMemoryEntries publishes the entry count of pool.
func (m *ImagePipelineMetrics) SetMemoryEntries(pool string, n int) {
	if m == nil {
		return
	}
	m.MemoryEntries.WithLabelValues(pool).Set(float64(n))
}

func (m *ImagePipelineMetrics) RecordDiskHit() {
	if m == nil {
		return
	}
	m.DiskHits.Inc()
}

func (m *ImagePipelineMetrics) RecordDiskMiss() {
	if m == nil {
		return
	}
	m.DiskMisses.Inc()
}

// RecordDownload records a finished download attempt.
func (m *ImagePipelineMetrics) RecordDownload(outcome string, d time.Duration, bytes int) {
	if m == nil {
		return
	}
	m.Downloads.WithLabelValues(outcome).Inc()
	m.DownloadDuration.Observe(d.Seconds())
	if bytes > 0 {
		m.BytesDownloaded.Add(float64(bytes))
	}
}

func (m *ImagePipelineMetrics) RecordDedupJoin() {
	if m == nil {
		return
	}
	m.DedupJoins.Inc()
}

func (m *ImagePipelineMetrics) RecordDeferral() {
	if m == nil {
		return
	}
	m.Deferrals.Inc()
}

func (m *ImagePipelineMetrics) RecordPromotion() {
	if m == nil {
		return
	}
	m.Promotions.Inc()
}

func (m *ImagePipelineMetrics) RecordLimiterRetry() {
	if m == nil {
		return
	}
	m.LimiterRetries.Inc()
}

func (m *ImagePipelineMetrics) RecordUpgrade() {
	if m == nil {
		return
	}
	m.Upgrades.Inc()
}

func (m *ImagePipelineMetrics) RecordHeroRefetch() {
	if m == nil {
		return
	}
	m.HeroRefetches.Inc()
}

func (m *ImagePipelineMetrics) RecordPressureClear() {
	if m == nil {
		return
	}
	m.PressureClears.Inc()
}

// DownloadStarted and DownloadFinished track the active downloads gauge.
func (m *ImagePipelineMetrics) DownloadStarted() {
	if m == nil {
		return
	}
	m.ActiveDownloads.Inc()
}

func (m *ImagePipelineMetrics) DownloadFinished() {
	if m == nil {
		return
	}
	m.ActiveDownloads.Dec()
}
