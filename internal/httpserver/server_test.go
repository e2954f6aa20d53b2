package httpserver

import (
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/feedimages/internal/buildinfo"
	"github.com/tphakala/feedimages/internal/diskcache"
	"github.com/tphakala/feedimages/internal/imagepipeline"
	"github.com/tphakala/feedimages/internal/logger"
	"github.com/tphakala/feedimages/internal/observability"
)

type fakePipeline struct {
	mu       sync.Mutex
	viewed   map[string]bool
	cleared  int
	noDisk   bool
	result   imagepipeline.Result
	fetchErr error
	lastW    int
	lastH    int
	lastS    float64
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		viewed: make(map[string]bool),
		result: imagepipeline.Result{
			Image:  image.NewRGBA(image.Rect(0, 0, 40, 20)),
			Source: imagepipeline.SourceNetwork,
		},
	}
}

func (f *fakePipeline) Stats(context.Context) (imagepipeline.Stats, error) {
	return imagepipeline.Stats{Pending: 2, Deferred: 1, Bootstrapping: true}, nil
}

func (f *fakePipeline) Fetch(_ context.Context, url string, w, h int, scale float64) (imagepipeline.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastW, f.lastH, f.lastS = w, h, scale
	r := f.result
	r.URL = url
	return r, f.fetchErr
}

func (f *fakePipeline) MarkViewed(url string) error {
	if f.noDisk {
		return imagepipeline.ErrNoDiskCache
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewed[url] = true
	return nil
}

func (f *fakePipeline) IsViewed(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.viewed[url]
}

func (f *fakePipeline) ClearImages() error {
	if f.noDisk {
		return imagepipeline.ErrNoDiskCache
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return nil
}

func quietLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelDebug, nil)
}

func newTestServer(t *testing.T, p Pipeline, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	s, err := New("", p, opts...)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, http.NoBody))
	return rec
}

func TestNew_RequiresPipeline(t *testing.T) {
	t.Parallel()

	_, err := New("", nil)
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakePipeline(), WithBuildInfo(buildinfo.NewContext("1.4.0", "2026-01-02", "inst-1")))
	rec := do(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.4.0", body["version"])
	assert.Equal(t, "inst-1", body["instance_id"])
}

func TestStats_WithDisk(t *testing.T) {
	t.Parallel()

	store, err := diskcache.Open(diskcache.Options{Dir: t.TempDir(), Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Write("https://a.test/1.png", make([]byte, 64), "", "", "image/png"))

	s := newTestServer(t, newFakePipeline(), WithDisk(store))
	rec := do(t, s, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Pipeline.Pending)
	require.NotNil(t, body.Disk)
	assert.Equal(t, int64(1), body.Disk.Images)
	assert.Equal(t, int64(64), body.Disk.Bytes)

	rec = do(t, s, http.MethodGet, "/recent?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var recs []diskcache.ImageRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "https://a.test/1.png", recs[0].URL)
}

func TestStats_WithoutDisk(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakePipeline())
	rec := do(t, s, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"disk"`)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/recent").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/metrics").Code)
}

func TestPreview(t *testing.T) {
	t.Parallel()

	p := newFakePipeline()
	s := newTestServer(t, p)

	rec := do(t, s, http.MethodGet, "/preview?url=https://a.test/x.jpg&w=40&h=20&scale=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "network", rec.Header().Get("X-Image-Source"))

	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 40, img.Bounds().Dx())

	p.mu.Lock()
	assert.Equal(t, 40, p.lastW)
	assert.InDelta(t, 2, p.lastS, 0)
	p.mu.Unlock()
}

func TestPreview_BadRequests(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakePipeline())
	for _, target := range []string{
		"/preview?w=10&h=10",
		"/preview?url=u&w=0&h=10",
		"/preview?url=u&w=abc&h=10",
		"/preview?url=u&w=10&h=99999",
		"/preview?url=u&w=10&h=10&scale=0.5",
	} {
		assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, target).Code, target)
	}
}

func TestPreview_Placeholder(t *testing.T) {
	t.Parallel()

	p := newFakePipeline()
	p.result = imagepipeline.Result{Placeholder: true, Source: imagepipeline.SourceFailed, Err: imagepipeline.ErrUnexpectedStatus}
	s := newTestServer(t, p)

	rec := do(t, s, http.MethodGet, "/preview?url=u&w=10&h=10")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "failed", rec.Header().Get("X-Image-Source"))
}

func TestViewedRoutes(t *testing.T) {
	t.Parallel()

	p := newFakePipeline()
	s := newTestServer(t, p)

	var v ViewedResponse
	rec := do(t, s, http.MethodGet, "/viewed?url=https://a.test/story")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.False(t, v.Viewed)

	rec = do(t, s, http.MethodPost, "/viewed?url=https://a.test/story")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/viewed?url=https://a.test/story")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.True(t, v.Viewed)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/viewed").Code)
}

func TestClearImages(t *testing.T) {
	t.Parallel()

	p := newFakePipeline()
	s := newTestServer(t, p)
	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/cache/images").Code)
	assert.Equal(t, 1, p.cleared)

	p.noDisk = true
	assert.Equal(t, http.StatusNotImplemented, do(t, s, http.MethodDelete, "/cache/images").Code)
	assert.Equal(t, http.StatusNotImplemented, do(t, s, http.MethodPost, "/viewed?url=u").Code)
}

func TestMetricsRouteAndMiddleware(t *testing.T) {
	t.Parallel()

	m, err := observability.NewMetrics()
	require.NoError(t, err)
	s := newTestServer(t, newFakePipeline(), WithMetrics(m))

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health").Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/preview").Code)

	rec := do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `feedimages_http_requests_total{method="GET",path="/health",status_code="200"} 1`)
	assert.Contains(t, body, `feedimages_http_requests_total{method="GET",path="/preview",status_code="400"} 1`)
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	s, err := New("127.0.0.1:0", newFakePipeline(), WithLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.echo.ListenerAddr() != nil }, 5*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.echo.ListenerAddr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestStatusFromHTTPErrorBody(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakePipeline())
	rec := do(t, s, http.MethodGet, "/viewed")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "url is required"))
}
