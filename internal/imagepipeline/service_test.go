package imagepipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/feedimages/internal/errors"
	"github.com/tphakala/feedimages/internal/logger"
	"github.com/tphakala/feedimages/internal/observability/metrics"
)

// imageServer serves body with an ETag and counts requests.
func imageServer(t *testing.T, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestNew_RequiresDispatcher(t *testing.T) {
	t.Parallel()

	_, err := New(DefaultConfig(), Dependencies{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestLoadImage_NetworkThenMemory(t *testing.T) {
	t.Parallel()

	srv, hits := imageServer(t, pngBytes(t, 400, 300))
	e := newEnv(t, testConfig(), envOptions{})
	url := srv.URL + "/lead.png"

	first := newTarget(1)
	e.svc.Request(first, url, 200, 150)
	r := first.wait(t)
	require.False(t, r.Placeholder, "err: %v", r.Err)
	assert.Equal(t, SourceNetwork, r.Source)
	assert.Equal(t, url+"@200x150", r.Key)
	w, h := size(r.Image)
	assert.Equal(t, 200, w)
	assert.Equal(t, 150, h)

	second := newTarget(2)
	e.svc.Request(second, url, 200, 150)
	r = second.wait(t)
	assert.Equal(t, SourceMemory, r.Source)
	assert.Equal(t, int32(1), hits.Load())
	assert.InDelta(t, 1, testutil.ToFloat64(e.metrics.Downloads.WithLabelValues(metrics.OutcomeSuccess)), 0)
}

func TestLoadImage_DeduplicatesConcurrentRequests(t *testing.T) {
	t.Parallel()

	body := pngBytes(t, 100, 100)
	gate := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-gate
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	var (
		orderMu sync.Mutex
		order   []uint64
	)
	e := newEnv(t, testConfig(), envOptions{onLoaded: func(tg Target, _ Result) {
		orderMu.Lock()
		order = append(order, tg.ID().Slot)
		orderMu.Unlock()
	}})

	url := srv.URL + "/shared.png"
	const n = 10
	targets := make([]*fakeTarget, n)
	for i := range n {
		targets[i] = newTarget(uint64(i + 1))
		e.svc.Request(targets[i], url, 80, 80)
	}
	e.barrier(t)
	assert.Equal(t, 1, e.stats(t).Pending)
	close(gate)

	for _, ft := range targets {
		r := ft.wait(t)
		assert.False(t, r.Placeholder)
		assert.Equal(t, SourceNetwork, r.Source)
	}
	e.barrier(t)

	assert.Equal(t, int32(1), hits.Load())
	for _, ft := range targets {
		assert.Equal(t, 1, ft.count(), "each waiter is notified exactly once")
	}

	orderMu.Lock()
	defer orderMu.Unlock()
	want := make([]uint64, n)
	for i := range want {
		want[i] = uint64(i + 1)
	}
	assert.Equal(t, want, order, "waiters are notified in registration order")
	assert.InDelta(t, n-1, testutil.ToFloat64(e.metrics.DedupJoins), 0)
}

func TestLoadImage_LargeTargetDoesNotReuseOtherSize(t *testing.T) {
	t.Parallel()

	srv, hits := imageServer(t, pngBytes(t, 400, 400))
	e := newEnv(t, testConfig(), envOptions{})
	url := srv.URL + "/story.png"

	small := newTarget(1)
	e.svc.Request(small, url, 100, 100)
	r := small.wait(t)
	w, _ := size(r.Image)
	assert.Equal(t, 100, w)

	large := newTarget(2)
	e.svc.Request(large, url, 200, 200)
	r = large.wait(t)
	assert.Equal(t, SourceNetwork, r.Source, "a 100px entry must not serve a 200px target")
	w, _ = size(r.Image)
	assert.Equal(t, 200, w)
	assert.Equal(t, int32(2), hits.Load())
}

func TestLoadImage_ThumbnailAnySizeFallback(t *testing.T) {
	t.Parallel()

	srv, hits := imageServer(t, pngBytes(t, 64, 64))
	e := newEnv(t, testConfig(), envOptions{})
	url := srv.URL + "/favicon.png"

	a := newTarget(1)
	e.svc.Request(a, url, 32, 32)
	require.False(t, a.wait(t).Placeholder)

	b := newTarget(2)
	e.svc.Request(b, url, 48, 48)
	r := b.wait(t)
	assert.Equal(t, SourceMemory, r.Source)
	assert.Equal(t, int32(1), hits.Load())
}

func TestLoadImage_FreshDiskHit(t *testing.T) {
	t.Parallel()

	srv, hits := imageServer(t, pngBytes(t, 10, 10))
	e := newEnv(t, testConfig(), envOptions{disk: true})
	url := srv.URL + "/cached.png"

	require.NoError(t, e.disk.Write(url, pngBytes(t, 300, 200), `"v1"`, "", "image/png"))
	before, _ := e.disk.Record(url)
	e.clock.Advance(time.Minute)

	ft := newTarget(1)
	e.svc.Request(ft, url, 150, 100)
	r := ft.wait(t)

	assert.Equal(t, SourceDisk, r.Source)
	w, h := size(r.Image)
	assert.Equal(t, 150, w)
	assert.Equal(t, 100, h)
	assert.Zero(t, hits.Load())

	after, _ := e.disk.Record(url)
	assert.True(t, after.LastAccess.After(before.LastAccess), "disk serve updates last access")
}

func TestLoadImage_StaleEntryRevalidatesInBackground(t *testing.T) {
	t.Parallel()

	var (
		hits        atomic.Int32
		sentBytes   atomic.Int64
		gotIfNone   atomic.Value
		gotIfModSin atomic.Value
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIfNone.Store(r.Header.Get("If-None-Match"))
		gotIfModSin.Store(r.Header.Get("If-Modified-Since"))
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		body := pngBytes(t, 8, 8)
		sentBytes.Add(int64(len(body)))
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	e := newEnv(t, testConfig(), envOptions{disk: true})
	url := srv.URL + "/revalidate.png"
	lm := "Wed, 01 May 2024 10:00:00 GMT"
	require.NoError(t, e.disk.Write(url, pngBytes(t, 120, 120), `"v1"`, lm, "image/png"))
	before, _ := e.disk.Record(url)

	// past RevalidateAfter
	e.clock.Advance(2 * time.Hour)

	ft := newTarget(1)
	e.svc.Request(ft, url, 120, 120)
	r := ft.wait(t)
	require.False(t, r.Placeholder, "err: %v", r.Err)
	assert.Equal(t, SourceDisk, r.Source, "stale bytes are served without waiting for the origin")

	require.Eventually(t, func() bool {
		return hits.Load() == 1 && e.stats(t).Pending == 0
	}, waitTimeout, 5*time.Millisecond)

	assert.Zero(t, sentBytes.Load(), "no bytes re-downloaded")
	assert.Equal(t, `"v1"`, gotIfNone.Load())
	assert.Equal(t, lm, gotIfModSin.Load())
	assert.InDelta(t, 1, testutil.ToFloat64(e.metrics.Downloads.WithLabelValues(metrics.OutcomeRevalidated)), 0)

	after, ok := e.disk.Record(url)
	require.True(t, ok)
	assert.True(t, after.LastAccess.After(before.LastAccess))
	assert.True(t, after.ValidatedAt.After(before.ValidatedAt))

	e.barrier(t)
	assert.Equal(t, 1, ft.count(), "background revalidation delivers nothing")
}

func TestLoadImage_StaleEntryServedToInvisibleTarget(t *testing.T) {
	t.Parallel()

	srv, hits := imageServer(t, pngBytes(t, 100, 100))
	e := newEnv(t, testConfig(), envOptions{disk: true})
	url := srv.URL + "/offscreen.png"
	require.NoError(t, e.disk.Write(url, pngBytes(t, 300, 200), `"v0"`, "", "image/png"))
	e.clock.Advance(2 * time.Hour)

	hidden := newTarget(1)
	hidden.visible.Store(false)
	e.onLoop(t, func() { e.svc.LoadImage(hidden, url, 150, 100) })

	require.Equal(t, 1, hidden.count(), "delivered synchronously")
	r := hidden.wait(t)
	assert.Equal(t, SourceDisk, r.Source)
	w, h := size(r.Image)
	assert.Equal(t, 150, w)
	assert.Equal(t, 100, h)
	assert.Zero(t, e.stats(t).Deferred)

	// the origin has new bytes; the refresh lands in memory silently
	require.Eventually(t, func() bool {
		return hits.Load() == 1 && e.stats(t).Pending == 0
	}, waitTimeout, 5*time.Millisecond)
	etag, _ := e.disk.Validators(url)
	assert.Equal(t, `"v1"`, etag)

	next := newTarget(2)
	e.svc.Request(next, url, 150, 100)
	r = next.wait(t)
	assert.Equal(t, SourceMemory, r.Source)
	w, h = size(r.Image)
	assert.Equal(t, 100, w, "memory holds the refreshed image")
	assert.Equal(t, 100, h)
	assert.Equal(t, 1, hidden.count())
}

func TestLoadImage_StaleEntryRevalidatesOnce(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		<-gate
		w.WriteHeader(http.StatusNotModified)
	}))
	t.Cleanup(srv.Close)

	e := newEnv(t, testConfig(), envOptions{disk: true})
	url := srv.URL + "/busy.png"
	require.NoError(t, e.disk.Write(url, pngBytes(t, 200, 200), `"v1"`, "", "image/png"))
	e.clock.Advance(2 * time.Hour)

	a, b := newTarget(1), newTarget(2)
	e.svc.Request(a, url, 100, 100)
	e.svc.Request(b, url, 120, 120)
	assert.Equal(t, SourceDisk, a.wait(t).Source)
	assert.Equal(t, SourceDisk, b.wait(t).Source)
	assert.Equal(t, 1, e.stats(t).Pending)

	close(gate)
	require.Eventually(t, func() bool { return e.stats(t).Pending == 0 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, int32(1), hits.Load())
}

func TestLoadImage_NotModifiedWithMissingBytesRefetches(t *testing.T) {
	t.Parallel()

	var conditional, unconditional atomic.Int32
	body := pngBytes(t, 50, 50)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "" {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		unconditional.Add(1)
		w.Header().Set("ETag", `"v2"`)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	e := newEnv(t, testConfig(), envOptions{disk: true})
	url := srv.URL + "/vanished.png"
	require.NoError(t, e.disk.Write(url, body, `"v1"`, "", "image/png"))
	path, ok := e.disk.CachedPath(url)
	require.True(t, ok)
	require.NoError(t, os.Remove(path))

	ft := newTarget(1)
	e.svc.Request(ft, url, 50, 50)
	r := ft.wait(t)

	assert.Equal(t, SourceNetwork, r.Source)
	assert.Equal(t, int32(1), conditional.Load())
	assert.Equal(t, int32(1), unconditional.Load())

	etag, _ := e.disk.Validators(url)
	assert.Equal(t, `"v2"`, etag)
}

func TestLoadImage_StaleBytesServedWhenOriginFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	e := newEnv(t, testConfig(), envOptions{disk: true})
	url := srv.URL + "/stale.png"
	require.NoError(t, e.disk.Write(url, pngBytes(t, 40, 40), `"v1"`, "", "image/png"))
	e.clock.Advance(48 * time.Hour)

	ft := newTarget(1)
	e.svc.Request(ft, url, 40, 40)
	r := ft.wait(t)

	assert.False(t, r.Placeholder)
	assert.Equal(t, SourceDisk, r.Source)

	require.Eventually(t, func() bool { return e.stats(t).Pending == 0 }, waitTimeout, 5*time.Millisecond)
	_, ok := e.disk.Read(url)
	assert.True(t, ok, "a failed revalidation keeps the cached bytes")
	assert.Equal(t, 1, ft.count())
}

func TestLoadImage_PlaceholderOutcomes(t *testing.T) {
	t.Parallel()

	big := make([]byte, 4096)
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
		outcome string
	}{
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusInternalServerError) },
			wantErr: ErrUnexpectedStatus,
			outcome: metrics.OutcomeHTTPError,
		},
		{
			name:    "not found",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) },
			wantErr: ErrUnexpectedStatus,
			outcome: metrics.OutcomeHTTPError,
		},
		{
			name:    "malformed image",
			handler: func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("<html>not an image</html>")) },
			outcome: metrics.OutcomeDecode,
		},
		{
			name:    "oversized body",
			handler: func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write(big) },
			wantErr: ErrBodyTooLarge,
			outcome: metrics.OutcomeTooLarge,
		},
		{
			name:    "empty body",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) },
			wantErr: ErrEmptyBody,
			outcome: metrics.OutcomeEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(tt.handler)
			t.Cleanup(srv.Close)

			cfg := testConfig()
			cfg.HostBodyLimits = map[string]int64{"127.0.0.1": 1024}
			e := newEnv(t, cfg, envOptions{disk: true})
			url := srv.URL + "/img"

			ft := newTarget(1)
			e.svc.Request(ft, url, 100, 100)
			r := ft.wait(t)

			assert.True(t, r.Placeholder)
			assert.Nil(t, r.Image)
			assert.Equal(t, SourceFailed, r.Source)
			require.Error(t, r.Err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, r.Err, tt.wantErr)
			}
			e.barrier(t)
			assert.InDelta(t, 1, testutil.ToFloat64(e.metrics.Downloads.WithLabelValues(tt.outcome)), 0)
			assert.Zero(t, e.stats(t).Pending)
		})
	}
}

func TestLoadImage_DecodeFailureKeepsBytesOnDisk(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("garbage"))
	}))
	t.Cleanup(srv.Close)

	e := newEnv(t, testConfig(), envOptions{disk: true})
	url := srv.URL + "/bad.jpg"

	ft := newTarget(1)
	e.svc.Request(ft, url, 100, 100)
	require.True(t, ft.wait(t).Placeholder)

	data, ok := e.disk.Read(url)
	require.True(t, ok)
	assert.Equal(t, []byte("garbage"), data)

	// the next request hits the same bad bytes
	again := newTarget(2)
	e.svc.Request(again, url, 100, 100)
	r := again.wait(t)
	assert.True(t, r.Placeholder)
	assert.ErrorIs(t, r.Err, &errors.EnhancedError{Category: errors.CategoryImageDecode})
}

func TestLoadImage_OversizedForHostOnly(t *testing.T) {
	t.Parallel()

	body := pngBytes(t, 64, 64)
	srv, _ := imageServer(t, body)

	cfg := testConfig()
	cfg.HostBodyLimits = map[string]int64{"other.example.com": 16}
	e := newEnv(t, cfg, envOptions{})

	ft := newTarget(1)
	e.svc.Request(ft, srv.URL+"/ok.png", 64, 64)
	assert.False(t, ft.wait(t).Placeholder, "the cap applies only to its host")
}

func TestLoadImage_InvalidRequest(t *testing.T) {
	t.Parallel()

	e := newEnv(t, testConfig(), envOptions{})

	for i, tc := range []struct {
		url  string
		w, h int
	}{
		{"", 10, 10},
		{"https://x.test/a.png", 0, 10},
		{"https://x.test/a.png", 10, -1},
	} {
		ft := newTarget(uint64(i + 1))
		e.svc.Request(ft, tc.url, tc.w, tc.h)
		r := ft.wait(t)
		assert.True(t, r.Placeholder)
		assert.ErrorIs(t, r.Err, ErrInvalidRequest)
	}
}

func TestLoadImage_ScaleFactor(t *testing.T) {
	t.Parallel()

	srv, _ := imageServer(t, pngBytes(t, 400, 400))
	e := newEnv(t, testConfig(), envOptions{})

	ft := newTarget(1)
	ft.scale = 2
	e.svc.Request(ft, srv.URL+"/hidpi.png", 100, 100)
	r := ft.wait(t)
	w, h := size(r.Image)
	assert.Equal(t, 200, w)
	assert.Equal(t, 200, h)
}

func TestLoadImage_UpscaleClamp(t *testing.T) {
	t.Parallel()

	srv, _ := imageServer(t, pngBytes(t, 20, 20))
	e := newEnv(t, testConfig(), envOptions{})

	ft := newTarget(1)
	e.svc.Request(ft, srv.URL+"/tiny.png", 200, 200)
	r := ft.wait(t)
	w, h := size(r.Image)
	assert.LessOrEqual(t, w, 40)
	assert.LessOrEqual(t, h, 40)
	assert.Equal(t, 40, w)
}

func TestVisibilityDeferral(t *testing.T) {
	t.Parallel()

	srv, hits := imageServer(t, pngBytes(t, 100, 100))
	e := newEnv(t, testConfig(), envOptions{})

	ft := newTarget(1)
	ft.visible.Store(false)
	e.svc.Request(ft, srv.URL+"/below-fold.png", 100, 100)
	e.barrier(t)
	assert.Equal(t, 1, e.stats(t).Deferred)

	// several sweep intervals pass without network activity
	time.Sleep(4 * testConfig().SweepInterval)
	assert.Zero(t, hits.Load())
	assert.Zero(t, ft.count())

	ft.visible.Store(true)
	r := ft.wait(t)
	assert.Equal(t, SourceNetwork, r.Source)
	assert.Equal(t, int32(1), hits.Load())
	assert.Zero(t, e.stats(t).Deferred)
	assert.InDelta(t, 1, testutil.ToFloat64(e.metrics.Promotions), 0)
}

func TestVisibilityDeferral_ForceBypasses(t *testing.T) {
	t.Parallel()

	srv, hits := imageServer(t, pngBytes(t, 100, 100))
	e := newEnv(t, testConfig(), envOptions{})

	ft := newTarget(1)
	ft.visible.Store(false)
	e.svc.Request(ft, srv.URL+"/forced.png", 100, 100, WithForce())
	r := ft.wait(t)
	assert.Equal(t, SourceNetwork, r.Source)
	assert.Equal(t, int32(1), hits.Load())
}

func TestVisibilityDeferral_SweepBatchBound(t *testing.T) {
	t.Parallel()

	srv, _ := imageServer(t, pngBytes(t, 100, 100))
	cfg := testConfig()
	cfg.SweepInterval = time.Hour // sweep driven manually
	cfg.SweepBatch = 2
	e := newEnv(t, cfg, envOptions{})

	targets := make([]*fakeTarget, 5)
	for i := range targets {
		targets[i] = newTarget(uint64(i + 1))
		targets[i].visible.Store(false)
		e.svc.Request(targets[i], srv.URL+"/b.png", 100, 100)
	}
	e.barrier(t)
	for _, ft := range targets {
		ft.visible.Store(true)
	}

	e.onLoop(t, e.svc.sweep)
	assert.Equal(t, 3, e.stats(t).Deferred)
	e.onLoop(t, e.svc.sweep)
	assert.Equal(t, 1, e.stats(t).Deferred)
}

func TestDiscard_DropsDeferredRequest(t *testing.T) {
	t.Parallel()

	srv, hits := imageServer(t, pngBytes(t, 100, 100))
	e := newEnv(t, testConfig(), envOptions{})

	ft := newTarget(1)
	ft.visible.Store(false)
	e.svc.Request(ft, srv.URL+"/gone.png", 100, 100)
	e.onLoop(t, func() { e.svc.Discard(ft) })
	assert.Zero(t, e.stats(t).Deferred)

	ft.visible.Store(true)
	time.Sleep(4 * testConfig().SweepInterval)
	assert.Zero(t, hits.Load())
	assert.Zero(t, ft.count())
}

func TestDiscard_LateResultIgnored(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	body := pngBytes(t, 30, 30)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-gate
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	e := newEnv(t, testConfig(), envOptions{})
	url := srv.URL + "/late.png"

	discarded := newTarget(1)
	kept := newTarget(2)
	e.svc.Request(discarded, url, 100, 100)
	e.svc.Request(kept, url, 100, 100)
	e.onLoop(t, func() { e.svc.Discard(discarded) })
	close(gate)

	assert.False(t, kept.wait(t).Placeholder)
	e.barrier(t)
	assert.Zero(t, discarded.count())
}

func TestConcurrencyCap(t *testing.T) {
	t.Parallel()

	var cur, peak atomic.Int32
	body := pngBytes(t, 10, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		cur.Add(-1)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.BootstrapLimit = 2
	cfg.MaxConcurrent = 4
	sink := &logSink{}
	e := newEnv(t, cfg, envOptions{log: logger.NewSlogLogger(sink, logger.LogLevelDebug, nil)})

	targets := make([]*fakeTarget, 6)
	for i := range targets {
		targets[i] = newTarget(uint64(i + 1))
		e.svc.Request(targets[i], srv.URL+"/"+string(rune('a'+i))+".png", 10, 10)
	}
	for _, ft := range targets {
		assert.False(t, ft.wait(t).Placeholder)
	}

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, testutil.ToFloat64(e.metrics.LimiterRetries))

	var retried bool
	for _, rec := range sink.lines(t, "download finished") {
		if n, ok := rec["limiter_retries"].(float64); ok && n > 0 {
			retried = true
		}
	}
	assert.True(t, retried, "jobs that waited for a slot log their retry count")
	require.Eventually(t, func() bool { return e.svc.limiter.Active() == 0 }, waitTimeout, 5*time.Millisecond)
}

type panickingFetcher struct{}

func (panickingFetcher) Get(_ context.Context, _ string, _ http.Header) (*http.Response, error) {
	panic("transport bug")
}

func TestDownloadPanicReleasesSlot(t *testing.T) {
	t.Parallel()

	e := newEnv(t, testConfig(), envOptions{fetcher: panickingFetcher{}})

	ft := newTarget(1)
	e.svc.Request(ft, "https://cdn.example.com/p.png", 100, 100)
	r := ft.wait(t)
	assert.True(t, r.Placeholder)

	require.Eventually(t, func() bool { return e.svc.limiter.Active() == 0 }, waitTimeout, 5*time.Millisecond)
}

func TestOnImageLoadedHook(t *testing.T) {
	t.Parallel()

	srv, _ := imageServer(t, pngBytes(t, 10, 10))
	var calls atomic.Int32
	e := newEnv(t, testConfig(), envOptions{onLoaded: func(Target, Result) { calls.Add(1) }})

	a, b := newTarget(1), newTarget(2)
	e.svc.Request(a, srv.URL+"/h.png", 10, 10)
	a.wait(t)
	e.svc.Request(b, srv.URL+"/h.png", 10, 10)
	b.wait(t)
	e.barrier(t)

	assert.Equal(t, int32(2), calls.Load())
}

func TestViewedStateThroughService(t *testing.T) {
	t.Parallel()

	srv, _ := imageServer(t, pngBytes(t, 10, 10))
	e := newEnv(t, testConfig(), envOptions{disk: true})
	url := srv.URL + "/article.png"

	ft := newTarget(1)
	e.svc.Request(ft, url, 10, 10)
	ft.wait(t)

	require.NoError(t, e.svc.MarkViewed(url))
	require.NoError(t, e.svc.ClearImages())

	_, ok := e.disk.Read(url)
	assert.False(t, ok)
	assert.True(t, e.svc.IsViewed(url))
}

func TestWithoutDisk(t *testing.T) {
	t.Parallel()

	e := newEnv(t, testConfig(), envOptions{})
	assert.ErrorIs(t, e.svc.MarkViewed("u"), ErrNoDiskCache)
	assert.ErrorIs(t, e.svc.ClearImages(), ErrNoDiskCache)
	assert.False(t, e.svc.IsViewed("u"))
}

func TestFetchHeadless(t *testing.T) {
	t.Parallel()

	srv, _ := imageServer(t, pngBytes(t, 64, 48))
	e := newEnv(t, testConfig(), envOptions{})

	r, err := e.svc.Fetch(t.Context(), srv.URL+"/headless.png", 64, 48, 1)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, r.Source)

	r, err = e.svc.Fetch(t.Context(), srv.URL+"/headless.png", 64, 48, 1)
	require.NoError(t, err)
	assert.Equal(t, SourceMemory, r.Source)
}

func TestFetchHeadless_DoesNotStealMintedSlots(t *testing.T) {
	t.Parallel()

	srv, _ := imageServer(t, pngBytes(t, 80, 80))
	e := newEnv(t, testConfig(), envOptions{})

	for range 3 {
		r, err := e.svc.Fetch(t.Context(), srv.URL+"/a.png", 80, 80, 1)
		require.NoError(t, err)
		require.False(t, r.Placeholder)
	}
	e.barrier(t)

	ui := newTarget(1)
	e.svc.Request(ui, srv.URL+"/b.png", 80, 80)
	r := ui.wait(t)
	assert.False(t, r.Placeholder)
	assert.Equal(t, SourceNetwork, r.Source)
}

func TestClearMemory(t *testing.T) {
	t.Parallel()

	srv, hits := imageServer(t, pngBytes(t, 100, 100))
	e := newEnv(t, testConfig(), envOptions{})
	url := srv.URL + "/c.png"

	a := newTarget(1)
	e.svc.Request(a, url, 100, 100)
	a.wait(t)
	e.onLoop(t, e.svc.ClearMemory)

	b := newTarget(2)
	e.svc.Request(b, url, 100, 100)
	assert.Equal(t, SourceNetwork, b.wait(t).Source)
	assert.Equal(t, int32(2), hits.Load())
}

func TestEndBootstrap(t *testing.T) {
	t.Parallel()

	e := newEnv(t, testConfig(), envOptions{})
	assert.True(t, e.stats(t).Bootstrapping)
	e.svc.EndBootstrap()
	assert.False(t, e.stats(t).Bootstrapping)
}
