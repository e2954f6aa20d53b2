package imagepipeline

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tphakala/feedimages/internal/logger"
)

// MemorySampler returns system memory use in percent.
type MemorySampler func() (float64, error)

// VirtualMemoryPercent samples used memory through gopsutil.
func VirtualMemoryPercent() (float64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return v.UsedPercent, nil
}

// PressureMonitor clears the general memory pool whenever system memory use
// reaches a threshold.
type PressureMonitor struct {
	svc       *Service
	threshold float64
	interval  time.Duration
	sample    MemorySampler
	log       logger.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPressureMonitor creates a monitor for svc. A nil sampler uses
// VirtualMemoryPercent.
func (s *Service) NewPressureMonitor(threshold float64, interval time.Duration, sample MemorySampler) *PressureMonitor {
	if sample == nil {
		sample = VirtualMemoryPercent
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PressureMonitor{
		svc:       s,
		threshold: threshold,
		interval:  interval,
		sample:    sample,
		log:       s.log.Module("pressure"),
	}
}

// Start begins sampling in the background until ctx ends or Stop is called.
func (m *PressureMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop ends sampling and waits for the loop to exit.
func (m *PressureMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *PressureMonitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.check()
		case <-ctx.Done():
			return
		}
	}
}

func (m *PressureMonitor) check() {
	used, err := m.sample()
	if err != nil {
		m.log.Warn("memory sample failed", logger.Error(err))
		return
	}
	if used < m.threshold {
		return
	}

	m.svc.dispatch.Post(func() {
		n := m.svc.ClearGeneralMemory()
		m.svc.metrics.RecordPressureClear()
		m.log.Info("memory pressure, cleared general image pool",
			logger.Float64("used_percent", used),
			logger.Int("evicted", n))
	})
}
