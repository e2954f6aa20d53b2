package observability

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/feedimages/internal/errors"
	"github.com/tphakala/feedimages/internal/httpclient"
)

func TestNewMetrics_Handler(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)

	m.ImagePipeline.RecordMemoryHit("thumbnail")
	m.ImagePipeline.RecordDownload("success", 120*time.Millisecond, 2048)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `feedimages_memory_cache_hits_total{pool="thumbnail"} 1`)
	assert.Contains(t, string(body), "feedimages_downloaded_bytes_total 2048")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNewMetrics_Independent(t *testing.T) {
	t.Parallel()

	// each call owns its registry, so repeated construction must not collide
	_, err := NewMetrics()
	require.NoError(t, err)
	_, err = NewMetrics()
	require.NoError(t, err)
}

func TestInstrumentClient(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, "https://cdn.example.com/a.jpg",
		httpmock.NewStringResponder(http.StatusNotModified, ""))
	transport.RegisterResponder(http.MethodGet, "https://cdn.example.com/b.jpg",
		httpmock.NewErrorResponder(fmt.Errorf("connection refused")))

	client := httpclient.New(&httpclient.Config{Transport: transport})
	t.Cleanup(client.Close)
	m.InstrumentClient(client)

	resp, err := client.Get(t.Context(), "https://cdn.example.com/a.jpg", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	_, err = client.Get(t.Context(), "https://cdn.example.com/b.jpg", nil)
	require.Error(t, err)

	expected := `
# HELP feedimages_outbound_requests_total Outbound HTTP requests by host and status code
# TYPE feedimages_outbound_requests_total counter
feedimages_outbound_requests_total{host="cdn.example.com",status_code="304"} 1
feedimages_outbound_requests_total{host="cdn.example.com",status_code="error"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"feedimages_outbound_requests_total"))
}

func TestCountErrors(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	errors.ClearErrorHooks()
	m.CountErrors()
	t.Cleanup(errors.ClearErrorHooks)

	_ = errors.Newf("blob write failed").Component("diskcache").Category(errors.CategoryFileIO).Build()

	count, err := testutil.GatherAndCount(m.Registry(), "feedimages_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
