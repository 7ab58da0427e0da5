package admin

import (
	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/configcenter"
	"github.com/ceyewan/servicecomb/metrics"
	"github.com/ceyewan/servicecomb/registry"
)

// Option 组件初始化选项函数
type Option func(*options)

type options struct {
	logger       clog.Logger
	meter        metrics.Meter
	registration *registry.Registration
	discovery    *registry.Discovery
	config       *configcenter.Client
}

// WithLogger 注入日志记录器
// 组件内部会自动追加 "admin" namespace
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("admin")
		}
	}
}

// WithMeter 注入指标，/metrics 输出它的 Handler
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithRegistration 健康检查跟随注册链路事件
func WithRegistration(r *registry.Registration) Option {
	return func(o *options) {
		o.registration = r
	}
}

// WithDiscovery /instances 输出它的缓存
func WithDiscovery(d *registry.Discovery) Option {
	return func(o *options) {
		o.discovery = d
	}
}

// WithConfigCenter /config 输出它的配置副本
func WithConfigCenter(c *configcenter.Client) Option {
	return func(o *options) {
		o.config = c
	}
}
