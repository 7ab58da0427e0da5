// Package clog 是基于 slog 的结构化日志组件。
//
// 注册、发现、配置中心等组件都通过 WithLogger 注入 Logger，
// 并在其上追加各自的命名空间，例如 "servicecomb.registry.watch"。
//
// 基本使用：
//
//	logger, _ := clog.New(&clog.Config{Level: "info", Format: "json"},
//	    clog.WithNamespace("servicecomb"),
//	    clog.WithTraceContext(),
//	)
//	logger.Info("instance registered", clog.String("instance_id", id))
package clog

import "context"

// Logger 日志接口
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	// *Context 版本会从 ctx 中提取配置的字段以及 OTel TraceID/SpanID
	DebugContext(ctx context.Context, msg string, fields ...Field)
	InfoContext(ctx context.Context, msg string, fields ...Field)
	WarnContext(ctx context.Context, msg string, fields ...Field)
	ErrorContext(ctx context.Context, msg string, fields ...Field)
	FatalContext(ctx context.Context, msg string, fields ...Field)

	// With 创建一个带有预设字段的子 Logger
	With(fields ...Field) Logger

	// WithNamespace 创建一个扩展命名空间的子 Logger，命名空间以 "." 连接
	WithNamespace(parts ...string) Logger

	// SetLevel 动态调整日志级别，对所有共享同一 handler 的子 Logger 生效
	SetLevel(level Level) error

	Flush()
}
