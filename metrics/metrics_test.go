package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	m, err := New(&Config{Enabled: false})
	require.NoError(t, err)
	assert.IsType(t, noopMeter{}, m)

	m, err = New(&Config{Enabled: true, ServiceName: "svc", Version: "v1"})
	require.NoError(t, err)
	defer m.Shutdown(context.Background())
	_, ok := m.(*meterImpl)
	assert.True(t, ok)
}

func TestPrometheusHandlerExposesMetrics(t *testing.T) {
	m, err := New(&Config{Enabled: true, ServiceName: "svc"})
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	ctx := context.Background()
	c, err := m.Counter("servicecomb_test_events_total", "test counter")
	require.NoError(t, err)
	c.Inc(ctx, L("stage", "heartbeat"))

	g, err := m.Gauge("servicecomb_test_instances", "test gauge")
	require.NoError(t, err)
	g.Set(ctx, 3, L("service", "a"))

	h, err := m.Histogram("servicecomb_test_duration_seconds", "test histogram", WithUnit("s"), WithBuckets([]float64{0.1, 1}))
	require.NoError(t, err)
	h.Record(ctx, 0.05)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body), "servicecomb_test_events_total")
	assert.Contains(t, string(body), `stage="heartbeat"`)
	assert.Contains(t, string(body), "servicecomb_test_instances")
}

func TestHTTPStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", HTTPStatusClass(200))
	assert.Equal(t, "3xx", HTTPStatusClass(304))
	assert.Equal(t, "5xx", HTTPStatusClass(503))
	assert.Equal(t, "none", HTTPStatusClass(0))
	assert.Equal(t, "unknown", HTTPStatusClass(700))
	assert.Equal(t, OutcomeSuccess, HTTPOutcome(304))
	assert.Equal(t, OutcomeError, HTTPOutcome(429))
}

type captureCounter struct {
	mu      sync.Mutex
	records [][]Label
}

func (c *captureCounter) Inc(_ context.Context, labels ...Label) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, labels)
}

func (c *captureCounter) Add(ctx context.Context, _ float64, labels ...Label) {
	c.Inc(ctx, labels...)
}

type captureHistogram struct{ n int }

func (h *captureHistogram) Record(context.Context, float64, ...Label) { h.n++ }

func labelValue(labels []Label, key string) string {
	for _, l := range labels {
		if l.Key == key {
			return l.Value
		}
	}
	return ""
}

func TestGinMiddlewareUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	counter := &captureCounter{}
	hist := &captureHistogram{}
	m := &HTTPMetrics{service: "admin", operation: OperationHTTPServer, requestTotal: counter, duration: hist}

	router := gin.New()
	router.Use(GinMiddleware(m))
	router.GET("/instances/:app/:service", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/instances/app/svc", "/nope"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Len(t, counter.records, 2)
	assert.Equal(t, "/instances/:app/:service", labelValue(counter.records[0], LabelRoute))
	assert.Equal(t, UnknownRoute, labelValue(counter.records[1], LabelRoute))
	assert.Equal(t, "4xx", labelValue(counter.records[1], LabelStatusClass))
	assert.Equal(t, 2, hist.n)
}

func TestObserveNilSafe(t *testing.T) {
	var m *HTTPMetrics
	assert.NotPanics(t, func() { m.Observe(context.Background(), "GET", "/", 200, time.Millisecond) })
}
