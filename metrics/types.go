// Package metrics 基于 OpenTelemetry 的指标组件，通过 Prometheus 格式暴露。
//
// 注册、发现、watch、配置中心以及 REST 传输层都从注入的 Meter 创建各自的指标；
// 未注入时使用 Discard()，所有记录都是空操作。
//
//	meter, err := metrics.New(&metrics.Config{Enabled: true, ServiceName: "order"})
//	pulls, _ := meter.Counter("servicecomb_discovery_pulls_total", "实例拉取次数")
//	pulls.Inc(ctx, metrics.L("result", "modified"))
//
// Meter.Handler() 返回 Prometheus 抓取用的 http.Handler，由 admin 服务挂载。
package metrics

import (
	"context"
	"net/http"
)

// Counter 计数器，只增不减
type Counter interface {
	Inc(ctx context.Context, labels ...Label)
	Add(ctx context.Context, val float64, labels ...Label)
}

// Gauge 仪表盘，记录瞬时值
type Gauge interface {
	Set(ctx context.Context, val float64, labels ...Label)
	Inc(ctx context.Context, labels ...Label)
	Dec(ctx context.Context, labels ...Label)
}

// Histogram 直方图，记录值的分布
type Histogram interface {
	Record(ctx context.Context, val float64, labels ...Label)
}

// Meter 指标创建工厂，创建出的指标并发安全
type Meter interface {
	Counter(name string, desc string, opts ...MetricOption) (Counter, error)
	Gauge(name string, desc string, opts ...MetricOption) (Gauge, error)
	Histogram(name string, desc string, opts ...MetricOption) (Histogram, error)

	// Handler 返回 Prometheus 抓取端点
	Handler() http.Handler

	// Shutdown 刷新并关闭，之后的记录被丢弃
	Shutdown(ctx context.Context) error
}

// MetricOption 指标选项
type MetricOption func(*MetricOptions)

// MetricOptions 指标创建参数
type MetricOptions struct {
	Unit    string
	Buckets []float64
}

// WithUnit 设置单位，例如 "s"、"By"
func WithUnit(unit string) MetricOption {
	return func(o *MetricOptions) {
		o.Unit = unit
	}
}

// WithBuckets 设置直方图的桶边界
func WithBuckets(buckets []float64) MetricOption {
	return func(o *MetricOptions) {
		o.Buckets = append([]float64(nil), buckets...)
	}
}

// Label 指标标签。避免使用实例 ID 这类高基数值。
type Label struct {
	Key   string
	Value string
}

// L 构造 Label
func L(key, value string) Label {
	return Label{Key: key, Value: value}
}
