package clog

import "io"

// ContextField 定义从 Context 中提取字段的规则
type ContextField struct {
	Key       any
	FieldName string
}

// Option 函数式选项
type Option func(*options)

type options struct {
	namespaceParts []string
	contextFields  []ContextField
	writer         io.Writer
	traceContext   bool
}

// WithNamespace 设置日志命名空间，支持多级
func WithNamespace(parts ...string) Option {
	return func(o *options) {
		o.namespaceParts = append(o.namespaceParts, parts...)
	}
}

// WithContextField 从 Context 中提取 key 对应的值，以 fieldName 输出
func WithContextField(key any, fieldName string) Option {
	return func(o *options) {
		o.contextFields = append(o.contextFields, ContextField{Key: key, FieldName: fieldName})
	}
}

// WithTraceContext 开启 OpenTelemetry TraceID/SpanID 自动提取
func WithTraceContext() Option {
	return func(o *options) {
		o.traceContext = true
	}
}

// WithWriter 覆盖 Config.Output，直接写入 w。主要用于测试
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		o.writer = w
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
