// Package breaker 按 key 维护独立熔断器，基于 gobreaker。
//
// REST 传输层以注册中心 host 为 key：某个地址连续失败会被快速拒绝，
// 调用方随即轮换到下一个地址；经由发现结果拨号的 gRPC 连接通过
// UnaryClientInterceptor 以 target 为 key 接入。
//
//	brk, _ := breaker.New(&breaker.Config{Timeout: 30 * time.Second}, breaker.WithLogger(logger))
//	err := brk.Execute(ctx, "10.0.0.1:30100", func() error { return call() })
package breaker

import (
	"context"
	"time"

	"google.golang.org/grpc"
)

// Breaker 熔断器
type Breaker interface {
	// Execute 在 key 对应的熔断器保护下执行 fn。熔断打开时直接返回 ErrOpenState。
	Execute(ctx context.Context, key string, fn func() error) error

	// State 返回 key 的熔断状态，未出现过的 key 视为 Closed
	State(key string) State

	// UnaryClientInterceptor gRPC 一元调用拦截器，以连接 target 为 key
	UnaryClientInterceptor() grpc.UnaryClientInterceptor
}

// State 熔断器状态
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// MaxRequests 半开状态下允许通过的探测请求数，默认 1
	MaxRequests uint32 `mapstructure:"max_requests" yaml:"max_requests" json:"max_requests"`

	// Interval 闭合状态下清空计数的周期，0 表示不清空
	Interval time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`

	// Timeout 打开状态持续时间，之后进入半开，默认 30s
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`

	// ConsecutiveFailures 连续失败多少次后打开，默认 5
	ConsecutiveFailures uint32 `mapstructure:"consecutive_failures" yaml:"consecutive_failures" json:"consecutive_failures"`
}

func (c *Config) setDefaults() {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 5
	}
}

// New 创建熔断器，cfg 为 nil 时使用默认值
func New(cfg *Config, opts ...Option) (Breaker, error) {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	o.setDefaults()
	return newBreaker(&c, o), nil
}
