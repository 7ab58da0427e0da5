package rest

import (
	"net/http"

	"github.com/ceyewan/servicecomb/breaker"
	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/metrics"
)

// Option 客户端选项
type Option func(*options)

type options struct {
	logger     clog.Logger
	meter      metrics.Meter
	httpClient *http.Client
	breaker    breaker.Breaker
	auth       AuthProvider
	headers    http.Header
}

// WithLogger 注入日志记录器，自动追加 "rest" 命名空间
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("rest")
		}
	}
}

func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithHTTPClient 替换底层 http.Client（TLS、代理在这里配置）
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithBreaker 共享外部熔断器
func WithBreaker(b breaker.Breaker) Option {
	return func(o *options) {
		o.breaker = b
	}
}

// WithAuth 每次请求前从 p 获取鉴权头
func WithAuth(p AuthProvider) Option {
	return func(o *options) {
		o.auth = p
	}
}

// WithHeader 添加每个请求都携带的头，例如 x-domain-name
func WithHeader(key, value string) Option {
	return func(o *options) {
		o.headers.Set(key, value)
	}
}
