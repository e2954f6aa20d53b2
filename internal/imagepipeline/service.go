// Package imagepipeline loads images for UI targets through a memory cache,
// a disk cache and a deduplicated, concurrency-limited downloader.
//
// All state except the download counter is owned by a single dispatcher
// goroutine. LoadImage, Discard and the other dispatcher-only methods must be
// called there; Request posts a load from any goroutine. Workers never touch
// targets; they post their result back and the dispatcher fans it out.
//
//	loop := uiloop.New(log)
//	go loop.Run(ctx)
//	svc, err := imagepipeline.New(cfg, imagepipeline.Dependencies{
//	    Dispatcher: loop,
//	    Disk:       store,
//	})
//	svc.Request(target, url, 320, 180)
package imagepipeline

import (
	"context"
	"image"
	"net/http"
	"sync"
	"time"

	"github.com/tphakala/feedimages/internal/diskcache"
	"github.com/tphakala/feedimages/internal/httpclient"
	"github.com/tphakala/feedimages/internal/imagecache"
	"github.com/tphakala/feedimages/internal/logger"
	"github.com/tphakala/feedimages/internal/observability/metrics"
)

// Dispatcher runs closures on the goroutine that owns UI state.
// *uiloop.Loop satisfies it.
type Dispatcher interface {
	Post(fn func()) bool
}

// Fetcher performs HTTP GETs. *httpclient.Client satisfies it.
type Fetcher interface {
	Get(ctx context.Context, url string, header http.Header) (*http.Response, error)
}

// DiskStore is the persistent cache. *diskcache.Store satisfies it. All
// methods must be safe for concurrent use.
type DiskStore interface {
	Load(url string) (diskcache.Entry, bool)
	Read(url string) ([]byte, bool)
	Validators(url string) (etag, lastModified string)
	Write(url string, data []byte, etag, lastModified, contentType string) error
	Touch(url string)
	Refresh(url string)
	IsViewed(url string) bool
	MarkViewed(url string) error
	ClearImages() error
}

// Dependencies are the collaborators injected into New.
type Dependencies struct {
	// Dispatcher is required.
	Dispatcher Dispatcher

	// Client defaults to a new httpclient.Client.
	Client Fetcher

	// Disk may be nil; every lookup then misses and nothing is persisted.
	Disk DiskStore

	Metrics *metrics.ImagePipelineMetrics
	Logger  logger.Logger

	// OnImageLoaded runs on the dispatcher after every delivery.
	OnImageLoaded func(Target, Result)

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// LoadOption modifies a single LoadImage call.
type LoadOption func(*loadOptions)

type loadOptions struct {
	force bool
}

// WithForce bypasses visibility deferral.
func WithForce() LoadOption {
	return func(o *loadOptions) { o.force = true }
}

// requestRecord is the last size requested for a target.
type requestRecord struct {
	url  string
	w, h int
}

// Stats is a snapshot of pipeline state.
type Stats struct {
	Memory          imagecache.Stats
	Pending         int
	Deferred        int
	ActiveDownloads int
	Bootstrapping   bool
	Heroes          int
}

// Service is the image cache service. Create one per UI with New.
type Service struct {
	cfg      Config
	dispatch Dispatcher
	client   Fetcher
	disk     DiskStore
	metrics  *metrics.ImagePipelineMetrics
	log      logger.Logger
	dlLog    logger.Logger
	onLoaded func(Target, Result)
	now      func() time.Time

	handles *Handles
	limiter *limiter

	// dispatcher-owned
	memory      *imagecache.MemoryCache
	dedup       *dedup
	deferred    *deferral
	sweepTimer  *time.Timer
	lastRequest map[TargetID]requestRecord
	heroes      map[TargetID]*HeroRequestRecord

	ownedClient *httpclient.Client // created by New, closed on Close

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup
}

// New creates a service.
func New(cfg Config, deps Dependencies) (*Service, error) {
	if deps.Dispatcher == nil {
		return nil, validationError("dispatcher is required")
	}

	cfg = cfg.withDefaults()

	log := deps.Logger
	if log == nil {
		log = logger.Global().Module("imagepipeline")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:         cfg,
		dispatch:    deps.Dispatcher,
		client:      deps.Client,
		disk:        deps.Disk,
		metrics:     deps.Metrics,
		log:         log,
		dlLog:       log.Module("download"),
		onLoaded:    deps.OnImageLoaded,
		now:         clock,
		handles:     NewHandles(),
		limiter:     newLimiter(cfg.MaxConcurrent, cfg.BootstrapLimit, cfg.BootstrapDuration, clock),
		dedup:       newDedup(),
		deferred:    newDeferral(),
		lastRequest: make(map[TargetID]requestRecord),
		heroes:      make(map[TargetID]*HeroRequestRecord),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.memory = imagecache.NewMemoryCache(cfg.ThumbnailCapacity, cfg.GeneralCapacity, s.onEvict)

	if s.client == nil {
		c := httpclient.New(&httpclient.Config{UserAgent: cfg.UserAgent})
		s.client = c
		s.ownedClient = c
	}

	return s, nil
}

// Handles returns the allocator for target IDs.
func (s *Service) Handles() *Handles {
	return s.handles
}

// Request posts LoadImage to the dispatcher. Safe from any goroutine. It
// reports false when the dispatcher is stopped.
func (s *Service) Request(t Target, url string, w, h int, opts ...LoadOption) bool {
	return s.dispatch.Post(func() { s.LoadImage(t, url, w, h, opts...) })
}

// LoadImage resolves an image for t at w×h logical pixels. The outcome is
// delivered through t.Apply, synchronously for memory and fresh disk hits,
// later for downloads. Dispatcher only.
func (s *Service) LoadImage(t Target, url string, w, h int, opts ...LoadOption) {
	if t == nil {
		return
	}
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	id := t.ID()
	if url == "" || w <= 0 || h <= 0 {
		s.deliver(t, id, Result{
			URL:         url,
			Placeholder: true,
			Source:      SourceFailed,
			Err:         ErrInvalidRequest,
		})
		return
	}

	key := imagecache.MakeKey(url, w, h)
	s.lastRequest[id] = requestRecord{url: url, w: w, h: h}

	if img, ok := s.memory.Get(key, w, h); ok {
		s.metrics.RecordMemoryHit(imagecache.PoolFor(w, h))
		s.trace("memory hit", key)
		s.deliver(t, id, Result{URL: url, Key: key, Image: img, Source: SourceMemory})
		return
	}
	if img, ok := s.memory.GetAnySize(url, w, h); ok {
		s.metrics.RecordMemoryHit(metrics.PoolAnySize)
		s.trace("memory hit (any size)", key)
		s.deliver(t, id, Result{URL: url, Key: key, Image: img, Source: SourceMemory})
		return
	}
	s.metrics.RecordMemoryMiss()
	s.trace("memory miss", key)

	if s.loadFromDisk(t, id, url, key, w, h) {
		return
	}

	if !o.force && !t.Visible() {
		s.deferred.add(&deferredRequest{target: t, url: url, w: w, h: h})
		s.metrics.RecordDeferral()
		s.trace("deferred until visible", key)
		s.scheduleSweep()
		return
	}

	s.start(t, id, url, key, w, h)
}

// loadFromDisk serves a disk entry synchronously. A stale entry is still
// served; a conditional download then runs in the background with no waiter
// and refreshes memory if the origin sent new bytes.
func (s *Service) loadFromDisk(t Target, id TargetID, url, key string, w, h int) bool {
	if s.disk == nil {
		return false
	}
	entry, ok := s.disk.Load(url)
	if !ok {
		s.metrics.RecordDiskMiss()
		s.trace("disk miss", key)
		return false
	}

	s.metrics.RecordDiskHit()
	s.disk.Touch(url)

	scale := t.ScaleFactor()
	if entry.Stale(s.now(), s.cfg.RevalidateAfter) {
		s.trace("disk entry stale, revalidating in background", key)
		s.revalidate(url, key, w, h, scale)
	}

	img, err := decodeAndScale(entry.Data, w, h, scale)
	if err != nil {
		s.log.Warn("cached image failed to decode",
			logger.String("url", url),
			logger.Error(err))
		s.deliver(t, id, Result{URL: url, Key: key, Placeholder: true, Source: SourceFailed, Err: err})
		return true
	}

	s.trace("disk hit", key)
	s.memSet(key, url, w, h, img)
	s.deliver(t, id, Result{URL: url, Key: key, Image: img, Source: SourceDisk})
	return true
}

// revalidate starts a background conditional download for url unless one
// is already pending.
func (s *Service) revalidate(url, key string, w, h int, scale float64) {
	if s.dedup.has(url) {
		return
	}
	p, _ := s.dedup.join(url, waiter{key: key, w: w, h: h, scale: scale, background: true})
	s.tryStart(p)
}

// start joins an in-flight download for url or creates one.
func (s *Service) start(t Target, id TargetID, url, key string, w, h int) {
	wt := waiter{target: t, id: id, key: key, w: w, h: h, scale: t.ScaleFactor()}
	p, created := s.dedup.join(url, wt)
	if !created {
		s.metrics.RecordDedupJoin()
		s.trace("joined in-flight download", key)
		return
	}
	s.tryStart(p)
}

// tryStart launches the download for p if a limiter slot is free, otherwise
// retries after RetryDelay. Later joiners are included in the job as long as
// it has not started.
func (s *Service) tryStart(p *pendingDownload) {
	if !s.dedup.isCurrent(p) || p.started {
		return
	}

	if !s.limiter.TryAcquire() {
		p.retries++
		s.metrics.RecordLimiterRetry()
		time.AfterFunc(s.cfg.RetryDelay, func() {
			if s.ctx.Err() != nil {
				return
			}
			s.dispatch.Post(func() { s.tryStart(p) })
		})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.limiter.Release()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	p.started = true
	j := s.newJob(p)
	go s.runDownload(j)
}

// finishDownload fans a download result out to every waiter in FIFO order.
// Dispatcher only.
func (s *Service) finishDownload(j *job, res fetchResult) {
	p := s.dedup.complete(j.url)
	if p == nil {
		return
	}

	s.metrics.RecordDownload(res.outcome, res.elapsed, res.bytes)

	base := Result{URL: j.url, Image: res.img, Source: res.source, Err: res.err}
	if res.img == nil {
		base.Placeholder = true
		base.Source = SourceFailed
		s.log.Debug("image unavailable, using placeholder",
			logger.String("url", j.url),
			logger.String("outcome", res.outcome),
			logger.Int("waiters", len(p.waiters)),
			logger.Error(res.err))
	} else {
		// only keys whose size the job covered get the image
		for _, wt := range p.waiters {
			if wt.w <= j.w && wt.h <= j.h {
				s.memSet(wt.key, j.url, wt.w, wt.h, res.img)
			}
		}
	}

	for _, wt := range p.waiters {
		if wt.background {
			continue
		}
		r := base
		r.Key = wt.key
		s.deliver(wt.target, wt.id, r)
	}
}

// deliver applies r to t unless the handle went stale.
func (s *Service) deliver(t Target, id TargetID, r Result) {
	if !s.handles.Valid(id) || t.ID() != id {
		s.trace("dropping result for discarded target", r.Key)
		return
	}
	t.Apply(r)
	if s.onLoaded != nil {
		s.onLoaded(t, r)
	}
}

// Discard forgets t. Its deferred request is dropped and results still in
// flight for it are ignored. Dispatcher only.
func (s *Service) Discard(t Target) {
	if t == nil {
		return
	}
	id := t.ID()
	s.handles.Release(id)
	s.deferred.remove(id)
	delete(s.lastRequest, id)
	delete(s.heroes, id)
}

// ClearMemory empties both memory pools. Dispatcher only.
func (s *Service) ClearMemory() {
	s.memory.Clear()
	s.updateGauges()
}

// ClearGeneralMemory empties the large-image pool. Dispatcher only.
func (s *Service) ClearGeneralMemory() int {
	n := s.memory.ClearGeneral()
	s.updateGauges()
	return n
}

// ClearImages deletes cached image bytes on disk. Viewed state is kept.
func (s *Service) ClearImages() error {
	if s.disk == nil {
		return ErrNoDiskCache
	}
	return s.disk.ClearImages()
}

// MarkViewed records url as viewed.
func (s *Service) MarkViewed(url string) error {
	if s.disk == nil {
		return ErrNoDiskCache
	}
	return s.disk.MarkViewed(url)
}

// IsViewed reports whether url was marked viewed.
func (s *Service) IsViewed(url string) bool {
	if s.disk == nil {
		return false
	}
	return s.disk.IsViewed(url)
}

// EndBootstrap lifts the download cap to its steady value. Safe from any
// goroutine.
func (s *Service) EndBootstrap() {
	s.limiter.EndBootstrap()
	s.log.Debug("bootstrap phase ended", logger.Int("max_concurrent", s.cfg.MaxConcurrent))
}

// Stats collects a snapshot on the dispatcher. Must not be called from it.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.call(ctx, func() { st = s.stats() })
	return st, err
}

func (s *Service) stats() Stats {
	return Stats{
		Memory:          s.memory.Stats(),
		Pending:         s.dedup.len(),
		Deferred:        s.deferred.len(),
		ActiveDownloads: s.limiter.Active(),
		Bootstrapping:   s.limiter.Bootstrapping(),
		Heroes:          len(s.heroes),
	}
}

// Close stops background work and waits for running downloads. Pending
// loads that never started are not delivered.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	if s.ownedClient != nil {
		s.ownedClient.Close()
	}
	return nil
}

// call runs fn on the dispatcher and waits for it.
func (s *Service) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !s.dispatch.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrDispatcherStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) scheduleSweep() {
	if s.sweepTimer != nil || s.deferred.len() == 0 || s.ctx.Err() != nil {
		return
	}
	s.sweepTimer = time.AfterFunc(s.cfg.SweepInterval, func() {
		if s.ctx.Err() != nil {
			return
		}
		s.dispatch.Post(s.sweep)
	})
}

// sweep promotes up to SweepBatch deferred requests whose targets became
// visible, then reschedules itself while anything is left.
func (s *Service) sweep() {
	s.sweepTimer = nil

	stale := func(id TargetID) bool { return !s.handles.Valid(id) }
	for _, req := range s.deferred.takeVisible(s.cfg.SweepBatch, stale) {
		s.metrics.RecordPromotion()
		s.trace("promoting deferred request", imagecache.MakeKey(req.url, req.w, req.h))
		s.LoadImage(req.target, req.url, req.w, req.h, WithForce())
	}
	s.scheduleSweep()
}

func (s *Service) memSet(key, url string, w, h int, img image.Image) {
	s.memory.Set(key, url, w, h, img)
	s.updateGauges()
}

func (s *Service) updateGauges() {
	s.metrics.SetMemoryEntries(imagecache.PoolThumbnail, s.memory.Len(imagecache.PoolThumbnail))
	s.metrics.SetMemoryEntries(imagecache.PoolGeneral, s.memory.Len(imagecache.PoolGeneral))
}

func (s *Service) onEvict(pool, key string, _ image.Image) {
	s.metrics.RecordEviction(pool)
	s.trace("evicted", key, logger.String("pool", pool))
}

func (s *Service) trace(msg, key string, fields ...logger.Field) {
	if !s.cfg.Debug {
		return
	}
	s.log.Debug(msg, append([]logger.Field{logger.String("key", key)}, fields...)...)
}
