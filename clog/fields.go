package clog

import (
	"log/slog"
	"time"

	"github.com/ceyewan/servicecomb/xerrors"
)

// Field 是 slog.Attr 的类型别名
type Field = slog.Attr

func String(k, v string) Field {
	return slog.String(k, v)
}

func Strings(k string, v []string) Field {
	return slog.Any(k, v)
}

func Int(k string, v int) Field {
	return slog.Int(k, v)
}

func Int64(k string, v int64) Field {
	return slog.Int64(k, v)
}

func Bool(k string, v bool) Field {
	return slog.Bool(k, v)
}

func Duration(k string, v time.Duration) Field {
	return slog.Duration(k, v)
}

func Any(k string, v any) Field {
	return slog.Any(k, v)
}

// Error 输出错误消息：err_msg="..."。
// 错误链中带有 xerrors 错误码或 HTTP 状态码时一并输出为 error={msg, code, status}。
func Error(err error) Field {
	if err == nil {
		return slog.String("err_msg", "<nil>")
	}
	code := xerrors.GetCode(err)
	status := xerrors.Status(err)
	if code == "" && status == 0 {
		return slog.String("err_msg", err.Error())
	}
	attrs := []any{slog.String("msg", err.Error())}
	if code != "" {
		attrs = append(attrs, slog.String("code", code))
	}
	if status != 0 {
		attrs = append(attrs, slog.Int("status", status))
	}
	return slog.Group("error", attrs...)
}
