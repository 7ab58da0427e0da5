package clog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// clogHandler 封装 slog.Handler，提供动态级别能力
type clogHandler struct {
	slog.Handler
	levelVar *slog.LevelVar
	closer   io.Closer
}

func newHandler(config *Config, opts *options) (*clogHandler, error) {
	w, closer, err := resolveWriter(config, opts)
	if err != nil {
		return nil, err
	}

	level, _ := ParseLevel(config.Level)
	levelVar := new(slog.LevelVar)
	levelVar.Set(level.slogLevel())

	hopts := &slog.HandlerOptions{
		AddSource:   config.AddSource,
		Level:       levelVar,
		ReplaceAttr: newReplaceAttr(config),
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "json") {
		handler = slog.NewJSONHandler(w, hopts)
	} else {
		handler = slog.NewTextHandler(w, hopts)
	}
	return &clogHandler{Handler: handler, levelVar: levelVar, closer: closer}, nil
}

func resolveWriter(config *Config, opts *options) (io.Writer, io.Closer, error) {
	if opts.writer != nil {
		return opts.writer, nil, nil
	}
	switch strings.ToLower(config.Output) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		f, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		return f, f, nil
	}
}

// newReplaceAttr 统一处理 Level/Time/Source 字段
func newReplaceAttr(config *Config) func(groups []string, a slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.LevelKey:
			level, ok := a.Value.Any().(slog.Level)
			if !ok {
				return a
			}
			if level > slog.LevelError {
				a.Value = slog.StringValue("FATAL")
			} else {
				a.Value = slog.StringValue(level.String())
			}
		case slog.TimeKey:
			if a.Value.Kind() == slog.KindTime {
				a.Value = slog.StringValue(a.Value.Time().Format(timeFormat))
			}
		case slog.SourceKey:
			if source, ok := a.Value.Any().(*slog.Source); ok {
				return slog.String("caller", fmt.Sprintf("%s:%d", trimSourcePath(source.File, config.SourceRoot), source.Line))
			}
		}
		return a
	}
}

func trimSourcePath(fileName, sourceRoot string) string {
	if sourceRoot != "" {
		rel, err := filepath.Rel(sourceRoot, fileName)
		if err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	if idx := strings.Index(fileName, "servicecomb"); idx != -1 {
		return fileName[idx:]
	}
	return fileName
}

func (h *clogHandler) setLevel(level Level) {
	h.levelVar.Set(level.slogLevel())
}

func (h *clogHandler) flush() {
	if s, ok := h.closer.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
}
