package metrics

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/xerrors"
)

const instrumentationName = "github.com/ceyewan/servicecomb"

// New 创建 Meter。每个 Meter 使用独立的 Prometheus Registry，
// 因此同一进程内可以创建多个互不干扰的 Meter（测试中常用）。
func New(cfg *Config, opts ...Option) (Meter, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "metrics config is required")
	}
	if !cfg.Enabled {
		return Discard(), nil
	}

	o := &options{logger: clog.Discard()}
	for _, opt := range opts {
		opt(o)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, xerrors.Wrap(err, "create resource")
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, xerrors.Wrap(err, "create prometheus exporter")
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	if cfg.Runtime {
		if err := runtime.Start(runtime.WithMeterProvider(mp)); err != nil {
			o.logger.Warn("start runtime metrics failed", clog.Error(err))
		}
	}

	o.logger.Info("metrics enabled", clog.String("service", cfg.ServiceName))
	return &meterImpl{
		meter:    mp.Meter(instrumentationName),
		provider: mp,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, nil
}

type meterImpl struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	handler  http.Handler
}

func (m *meterImpl) Counter(name string, desc string, opts ...MetricOption) (Counter, error) {
	mo := applyMetricOptions(opts)
	counterOpts := []metric.Float64CounterOption{metric.WithDescription(desc)}
	if mo.Unit != "" {
		counterOpts = append(counterOpts, metric.WithUnit(mo.Unit))
	}
	c, err := m.meter.Float64Counter(name, counterOpts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "create counter %s", name)
	}
	return &counterImpl{c: c}, nil
}

func (m *meterImpl) Gauge(name string, desc string, opts ...MetricOption) (Gauge, error) {
	mo := applyMetricOptions(opts)
	gaugeOpts := []metric.Float64GaugeOption{metric.WithDescription(desc)}
	if mo.Unit != "" {
		gaugeOpts = append(gaugeOpts, metric.WithUnit(mo.Unit))
	}
	g, err := m.meter.Float64Gauge(name, gaugeOpts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "create gauge %s", name)
	}
	return &gaugeImpl{g: g, values: make(map[string]float64)}, nil
}

func (m *meterImpl) Histogram(name string, desc string, opts ...MetricOption) (Histogram, error) {
	mo := applyMetricOptions(opts)
	histOpts := []metric.Float64HistogramOption{metric.WithDescription(desc)}
	if mo.Unit != "" {
		histOpts = append(histOpts, metric.WithUnit(mo.Unit))
	}
	if len(mo.Buckets) > 0 {
		histOpts = append(histOpts, metric.WithExplicitBucketBoundaries(mo.Buckets...))
	}
	h, err := m.meter.Float64Histogram(name, histOpts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "create histogram %s", name)
	}
	return &histogramImpl{h: h}, nil
}

func (m *meterImpl) Handler() http.Handler {
	return m.handler
}

func (m *meterImpl) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

type counterImpl struct {
	c metric.Float64Counter
}

func (c *counterImpl) Inc(ctx context.Context, labels ...Label) {
	c.c.Add(ctx, 1, metric.WithAttributes(toAttributes(labels)...))
}

func (c *counterImpl) Add(ctx context.Context, val float64, labels ...Label) {
	c.c.Add(ctx, val, metric.WithAttributes(toAttributes(labels)...))
}

// gaugeImpl 按标签组合记住当前值，以支持 Inc/Dec
type gaugeImpl struct {
	g      metric.Float64Gauge
	mu     sync.Mutex
	values map[string]float64
}

func (g *gaugeImpl) Set(ctx context.Context, val float64, labels ...Label) {
	g.update(ctx, labels, func(float64) float64 { return val })
}

func (g *gaugeImpl) Inc(ctx context.Context, labels ...Label) {
	g.update(ctx, labels, func(v float64) float64 { return v + 1 })
}

func (g *gaugeImpl) Dec(ctx context.Context, labels ...Label) {
	g.update(ctx, labels, func(v float64) float64 { return v - 1 })
}

func (g *gaugeImpl) update(ctx context.Context, labels []Label, fn func(float64) float64) {
	key := labelKey(labels)
	g.mu.Lock()
	val := fn(g.values[key])
	g.values[key] = val
	g.mu.Unlock()
	g.g.Record(ctx, val, metric.WithAttributes(toAttributes(labels)...))
}

type histogramImpl struct {
	h metric.Float64Histogram
}

func (h *histogramImpl) Record(ctx context.Context, val float64, labels ...Label) {
	h.h.Record(ctx, val, metric.WithAttributes(toAttributes(labels)...))
}

func applyMetricOptions(opts []MetricOption) *MetricOptions {
	mo := &MetricOptions{}
	for _, o := range opts {
		o(mo)
	}
	return mo
}

func toAttributes(labels []Label) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, len(labels))
	for i, l := range labels {
		attrs[i] = attribute.String(l.Key, l.Value)
	}
	return attrs
}

func labelKey(labels []Label) string {
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = l.Key + "=" + l.Value
	}
	return strings.Join(parts, "|")
}
