package breaker

import (
	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/metrics"
)

// Option 熔断器选项
type Option func(*options)

type options struct {
	logger       clog.Logger
	meter        metrics.Meter
	isSuccessful func(err error) bool
}

func (o *options) setDefaults() {
	if o.logger == nil {
		o.logger = clog.Discard()
	}
	if o.meter == nil {
		o.meter = metrics.Discard()
	}
	if o.isSuccessful == nil {
		o.isSuccessful = func(err error) bool { return err == nil }
	}
}

// WithLogger 设置 Logger，自动追加 "breaker" 命名空间
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("breaker")
		}
	}
}

// WithMeter 记录状态迁移次数
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}

// WithSuccessFunc 自定义哪些错误不计入失败，例如业务层的 4xx
func WithSuccessFunc(fn func(err error) bool) Option {
	return func(o *options) {
		o.isSuccessful = fn
	}
}
