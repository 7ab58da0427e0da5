package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ceyewan/servicecomb/xerrors"
)

const (
	MetricHTTPRequestTotal    = "http_requests_total"
	MetricHTTPDurationSeconds = "http_request_duration_seconds"
)

var defaultHTTPDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// HTTPMetrics HTTP RED 指标集。Operation 区分服务端（admin）和客户端（注册中心调用）。
type HTTPMetrics struct {
	service      string
	operation    string
	requestTotal Counter
	duration     Histogram
}

// NewHTTPMetrics 创建 HTTP 指标，operation 取 OperationHTTPServer 或 OperationHTTPClient
func NewHTTPMetrics(m Meter, service, operation string) (*HTTPMetrics, error) {
	if m == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "meter is nil")
	}
	service = strings.TrimSpace(service)
	if service == "" {
		service = "unknown"
	}

	counter, err := m.Counter(MetricHTTPRequestTotal, "Total number of HTTP requests.")
	if err != nil {
		return nil, err
	}
	duration, err := m.Histogram(MetricHTTPDurationSeconds, "HTTP request duration in seconds.",
		WithUnit("s"), WithBuckets(defaultHTTPDurationBuckets))
	if err != nil {
		return nil, err
	}
	return &HTTPMetrics{
		service:      service,
		operation:    operation,
		requestTotal: counter,
		duration:     duration,
	}, nil
}

// Observe 记录一次请求。route 应为模板化路径，避免高基数。
func (m *HTTPMetrics) Observe(ctx context.Context, method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if strings.TrimSpace(route) == "" {
		route = UnknownRoute
	}

	labels := []Label{
		L(LabelService, m.service),
		L(LabelOperation, m.operation),
		L(LabelMethod, method),
		L(LabelRoute, route),
		L(LabelStatusClass, HTTPStatusClass(status)),
		L(LabelOutcome, HTTPOutcome(status)),
	}
	m.requestTotal.Inc(ctx, labels...)
	m.duration.Record(ctx, d.Seconds(), labels...)
}
