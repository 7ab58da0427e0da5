package registry

import (
	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/metrics"
	"github.com/ceyewan/servicecomb/transport/rest"
	"github.com/ceyewan/servicecomb/transport/ws"
)

// Option 组件初始化选项函数
type Option func(*options)

// options 选项结构
type options struct {
	logger  clog.Logger
	meter   metrics.Meter
	auth    rest.AuthProvider
	dialer  *ws.Dialer
	headers map[string]string
}

func applyOptions(opts []Option) *options {
	o := &options{
		logger:  clog.Discard(),
		meter:   metrics.Discard(),
		headers: map[string]string{},
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
// 组件内部会自动追加 "registry" namespace
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("registry")
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

// WithAuth 推送通道握手时附加的鉴权头。
// p 同时实现 Invalidate() 时（例如 *rest.TokenAuth），收到 401 后会丢弃缓存令牌。
func WithAuth(p rest.AuthProvider) Option {
	return func(o *options) {
		o.auth = p
	}
}

// WithDialer 替换推送通道的 Dialer
func WithDialer(d *ws.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithHeader 推送通道握手时附加的固定头
func WithHeader(key, value string) Option {
	return func(o *options) {
		o.headers[key] = value
	}
}
