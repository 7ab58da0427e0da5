// Package testkit 提供测试共用的依赖：日志、指标、唯一 ID、基于 gin 的假注册中心与假配置中心，
// 以及基于 testcontainers 的 etcd / NATS 容器。
package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/metrics"
)

// Kit 包含通用的测试依赖
type Kit struct {
	Ctx    context.Context
	Logger clog.Logger
	Meter  metrics.Meter
}

// NewKit 返回一个包含默认依赖的测试工具包
func NewKit(t *testing.T) *Kit {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &Kit{
		Ctx:    ctx,
		Logger: NewLogger(),
		Meter:  NewMeter(t),
	}
}

// NewLogger 返回 debug 级别、console 格式的 logger，输出到 stdout
func NewLogger() clog.Logger {
	logger, err := clog.New(&clog.Config{Level: "debug", Format: "console", Output: "stdout"})
	if err != nil {
		return clog.Discard()
	}
	return logger
}

// NewMeter 返回真实的 OTel meter，测试结束时关闭
func NewMeter(t *testing.T) metrics.Meter {
	meter, err := metrics.New(&metrics.Config{Enabled: true, ServiceName: "servicecomb-test"})
	if err != nil {
		return metrics.Discard()
	}
	t.Cleanup(func() { _ = meter.Shutdown(context.Background()) })
	return meter
}

// NewContext 返回一个带有超时的测试上下文，测试结束时取消
func NewContext(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// NewID 返回一个唯一的测试 ID (UUID v4 前 8 位)
// 用于生成唯一的 key、subject 或服务名后缀，避免测试间数据冲突
func NewID() string {
	return uuid.New().String()[0:8]
}
