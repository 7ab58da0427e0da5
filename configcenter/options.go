package configcenter

import (
	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/metrics"
	"github.com/ceyewan/servicecomb/transport/rest"
	"github.com/ceyewan/servicecomb/transport/ws"
)

// Option 组件初始化选项函数
type Option func(*options)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
	rest   *rest.Client
	dialer *ws.Dialer
	auth   rest.AuthProvider
}

func applyOptions(opts []Option) *options {
	o := &options{
		logger: clog.Discard(),
		meter:  metrics.Discard(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.dialer == nil {
		o.dialer = ws.NewDialer(ws.WithLogger(o.logger))
	}
	return o
}

// WithLogger 注入日志记录器
// 组件内部会自动追加 "configcenter" namespace
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("configcenter")
		}
	}
}

// WithMeter 注入指标
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithRESTClient 共享外部 REST 客户端。未设置时按 Config.REST 创建。
func WithRESTClient(c *rest.Client) Option {
	return func(o *options) {
		o.rest = c
	}
}

// WithDialer 替换推送通道的 Dialer
func WithDialer(d *ws.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithAuth 拉取与推送握手时附加的鉴权头
func WithAuth(p rest.AuthProvider) Option {
	return func(o *options) {
		o.auth = p
	}
}
