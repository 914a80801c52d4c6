package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mdscrape/internal/download"
	"github.com/JakeFAU/mdscrape/internal/metrics"
)

type fakeProgress struct{ sum download.Summary }

func (f fakeProgress) Progress() download.Summary { return f.sum }

type fakeAdmission struct{ inFlight, pools int }

func (f fakeAdmission) TotalInFlight() int { return f.inFlight }
func (f fakeAdmission) Pools() int         { return f.pools }

func serve(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, prometheus.NewRegistry(), nil), http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestServer_ReadyzFollowsRun(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, prometheus.NewRegistry(), nil)
	require.Equal(t, http.StatusServiceUnavailable, serve(t, s, http.MethodGet, "/readyz").Code)
	s.SetReady(true)
	require.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/readyz").Code)
}

func TestServer_Progress(t *testing.T) {
	t.Parallel()

	src := fakeProgress{sum: download.Summary{Total: 10, Recorded: 4, Succeeded: 3, Skipped: 1, Bytes: 2048}}
	s := NewServer(src, prometheus.NewRegistry(), nil, WithAdmission(fakeAdmission{inFlight: 2, pools: 1}))

	rec := serve(t, s, http.MethodGet, "/v1/progress")
	require.Equal(t, http.StatusOK, rec.Code)

	var body progressResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, src.sum, body.Summary)
	assert.False(t, body.Done)
	require.NotNil(t, body.InFlight)
	assert.Equal(t, 2, *body.InFlight)
	assert.Equal(t, 1, *body.Origins)
}

func TestServer_ProgressDone(t *testing.T) {
	t.Parallel()

	src := fakeProgress{sum: download.Summary{Total: 2, Recorded: 2, Succeeded: 2}}
	rec := serve(t, NewServer(src, prometheus.NewRegistry(), nil), http.MethodGet, "/v1/progress")

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["done"])
	assert.NotContains(t, body, "in_flight")
}

func TestServer_ProgressWithoutRun(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, prometheus.NewRegistry(), nil), http.MethodGet, "/v1/progress")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_CancelInvokesOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	s := NewServer(fakeProgress{}, prometheus.NewRegistry(), nil, WithCancel(func() { calls++ }))

	require.Equal(t, http.StatusAccepted, serve(t, s, http.MethodPost, "/v1/cancel").Code)
	require.Equal(t, http.StatusAccepted, serve(t, s, http.MethodPost, "/v1/cancel").Code)
	assert.Equal(t, 1, calls)

	var body progressResponse
	require.NoError(t, json.Unmarshal(serve(t, s, http.MethodGet, "/v1/progress").Body.Bytes(), &body))
	assert.True(t, body.Cancelled)
}

func TestServer_CancelDisabled(t *testing.T) {
	t.Parallel()

	s := NewServer(fakeProgress{}, prometheus.NewRegistry(), nil)
	assert.Equal(t, http.StatusNotImplemented, serve(t, s, http.MethodPost, "/v1/cancel").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(t, s, http.MethodGet, "/v1/cancel").Code)
}

func TestServer_MetricsAndRecorder(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	rec, err := metrics.New(reg)
	require.NoError(t, err)
	s := NewServer(nil, reg, nil, WithRecorder(rec))

	serve(t, s, http.MethodGet, "/healthz")
	out := serve(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, out.Code)
	assert.Contains(t, out.Body.String(), "mdscrape_http_requests_total")

	count, err := testutil.GatherAndCount(reg, "mdscrape_http_requests_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1)
}

func TestServer_ServeListenerStopsWithContext(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(nil, prometheus.NewRegistry(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeListener(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test probe
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
