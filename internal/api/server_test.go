package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"example.com/backstage/services/forwarder/config"
	"example.com/backstage/services/forwarder/internal/api/middleware"
	"example.com/backstage/services/forwarder/internal/forwarder"
	"example.com/backstage/services/forwarder/internal/metrics"
	"example.com/backstage/services/forwarder/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu        sync.Mutex
	events    []string
	snapshots []string
	err       error
}

func (s *fakeSink) OnEvent(ev models.IncomingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev.Event)
	return nil
}

func (s *fakeSink) OnSnapshot(ev models.IncomingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.snapshots = append(s.snapshots, ev.Event)
	return nil
}

func newTestServer(sink *fakeSink, m *metrics.Metrics) http.Handler {
	gin.SetMode(gin.TestMode)
	return NewServer(config.ServerConfig{Address: "127.0.0.1:0"}, sink, m, nil).Handler()
}

func post(h http.Handler, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(w, req)
	return w
}

func TestPostEventsAcceptsObjectAndArray(t *testing.T) {
	sink := &fakeSink{}
	h := newTestServer(sink, metrics.NewMetrics())

	w := post(h, "/events", `{"event":"pageview","properties":{"$device_id":"d1"}}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

	w = post(h, "/events", `[{"event":"click"},{"event":"$snapshot"}]`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Accepted int `json:"accepted"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)

	assert.Equal(t, []string{"pageview", "click"}, sink.events)
	assert.Equal(t, []string{"$snapshot"}, sink.snapshots)
}

func TestPostEventsAcceptsUnusualTimestamps(t *testing.T) {
	sink := &fakeSink{}
	h := newTestServer(sink, metrics.NewMetrics())

	w := post(h, "/events", `[{"event":"a","timestamp":""},{"event":"b","timestamp":1700000000000},{"event":"c","timestamp":"soon"}]`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, []string{"a", "b", "c"}, sink.events)
}

func TestPostSnapshotsRoutesToOnSnapshot(t *testing.T) {
	sink := &fakeSink{}
	h := newTestServer(sink, metrics.NewMetrics())

	w := post(h, "/snapshots", `{"event":"screen"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"screen"}, sink.snapshots)
	assert.Empty(t, sink.events)
}

func TestPostEventsRejectsInvalidPayload(t *testing.T) {
	sink := &fakeSink{}
	h := newTestServer(sink, metrics.NewMetrics())

	for _, body := range []string{"", "nope", `{"properties":{}}`} {
		w := post(h, "/events", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body=%q", body)
	}
	assert.Empty(t, sink.events)
}

func TestPostEventsAfterTeardown(t *testing.T) {
	sink := &fakeSink{err: forwarder.ErrTornDown}
	h := newTestServer(sink, metrics.NewMetrics())

	w := post(h, "/events", `{"event":"pageview"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthReflectsComponents(t *testing.T) {
	m := metrics.NewMetrics()
	h := newTestServer(&fakeSink{}, m)

	m.SetHealth("forwarder", true)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	m.SetHealth("forwarder", false)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.NewMetrics()
	m.IncrementCounter(metrics.EventsReceived)
	h := newTestServer(&fakeSink{}, m)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Counters map[string]int64 `json:"counters"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Counters[metrics.EventsReceived])
}
