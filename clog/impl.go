package clog

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// NamespaceKey 日志中命名空间的字段名
const NamespaceKey = "namespace"

type loggerImpl struct {
	handler   *clogHandler
	options   *options
	namespace string
	baseAttrs []slog.Attr
}

func newLogger(config *Config, opts *options) (Logger, error) {
	h, err := newHandler(config, opts)
	if err != nil {
		return nil, err
	}
	return &loggerImpl{
		handler:   h,
		options:   opts,
		namespace: strings.Join(opts.namespaceParts, "."),
	}, nil
}

func (l *loggerImpl) Debug(msg string, fields ...Field) {
	l.log(context.Background(), DebugLevel, msg, fields)
}

func (l *loggerImpl) Info(msg string, fields ...Field) {
	l.log(context.Background(), InfoLevel, msg, fields)
}

func (l *loggerImpl) Warn(msg string, fields ...Field) {
	l.log(context.Background(), WarnLevel, msg, fields)
}

func (l *loggerImpl) Error(msg string, fields ...Field) {
	l.log(context.Background(), ErrorLevel, msg, fields)
}

func (l *loggerImpl) Fatal(msg string, fields ...Field) {
	l.log(context.Background(), FatalLevel, msg, fields)
}

func (l *loggerImpl) DebugContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, DebugLevel, msg, fields)
}

func (l *loggerImpl) InfoContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, InfoLevel, msg, fields)
}

func (l *loggerImpl) WarnContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, WarnLevel, msg, fields)
}

func (l *loggerImpl) ErrorContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, ErrorLevel, msg, fields)
}

func (l *loggerImpl) FatalContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, FatalLevel, msg, fields)
}

func (l *loggerImpl) WithNamespace(parts ...string) Logger {
	if len(parts) == 0 {
		return l
	}
	ns := strings.Join(parts, ".")
	if l.namespace != "" {
		ns = l.namespace + "." + ns
	}
	return &loggerImpl{
		handler:   l.handler,
		options:   l.options,
		namespace: ns,
		baseAttrs: l.baseAttrs,
	}
}

func (l *loggerImpl) With(fields ...Field) Logger {
	attrs := make([]slog.Attr, 0, len(l.baseAttrs)+len(fields))
	attrs = append(attrs, l.baseAttrs...)
	attrs = append(attrs, fields...)
	return &loggerImpl{
		handler:   l.handler,
		options:   l.options,
		namespace: l.namespace,
		baseAttrs: attrs,
	}
}

func (l *loggerImpl) SetLevel(level Level) error {
	l.handler.setLevel(level)
	return nil
}

func (l *loggerImpl) Flush() {
	l.handler.flush()
}

func (l *loggerImpl) log(ctx context.Context, level Level, msg string, fields []Field) {
	if ctx == nil {
		ctx = context.Background()
	}
	slogLevel := level.slogLevel()
	if !l.handler.Enabled(ctx, slogLevel) {
		return
	}

	attrs := make([]slog.Attr, 0, len(l.baseAttrs)+len(fields)+4)
	if l.namespace != "" {
		attrs = append(attrs, slog.String(NamespaceKey, l.namespace))
	}
	attrs = append(attrs, l.baseAttrs...)
	attrs = append(attrs, fields...)
	attrs = l.appendContextFields(ctx, attrs)

	// skip: runtime.Callers, log, Info/Error 等
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	record := slog.NewRecord(time.Now(), slogLevel, msg, pcs[0])
	record.AddAttrs(attrs...)

	_ = l.handler.Handle(ctx, record)

	if level == FatalLevel {
		l.Flush()
		os.Exit(1)
	}
}

func (l *loggerImpl) appendContextFields(ctx context.Context, attrs []slog.Attr) []slog.Attr {
	for _, cf := range l.options.contextFields {
		if v := ctx.Value(cf.Key); v != nil {
			attrs = append(attrs, slog.Any(cf.FieldName, v))
		}
	}
	if l.options.traceContext {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			attrs = append(attrs,
				slog.String("trace_id", sc.TraceID().String()),
				slog.String("span_id", sc.SpanID().String()),
			)
		}
	}
	return attrs
}
