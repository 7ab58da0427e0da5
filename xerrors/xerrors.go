// Package xerrors 提供注册发现客户端统一使用的错误工具：
// 上下文包装、错误码、哨兵错误以及 HTTP 状态错误。
package xerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// 哨兵错误。调用方通过 errors.Is 判断错误类别。
var (
	// ErrInvalidState 本地状态不可用，例如地址池为空。此类错误直接返回，不重试。
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidInput 参数或配置非法。
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound 远端资源不存在。
	ErrNotFound = errors.New("not found")
	// ErrUnavailable 远端暂时不可用（网络错误、5xx、熔断打开）。
	ErrUnavailable = errors.New("unavailable")
	// ErrMalformed 远端返回成功但内容不完整，例如缺少 id。按暂时性失败重试。
	ErrMalformed = errors.New("malformed response")
	// ErrClosed 组件已停止。
	ErrClosed = errors.New("closed")
)

// Wrap 用上下文信息包装错误，保留错误链。
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 用格式化的上下文信息包装错误。
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// WithCode 用错误码包装错误。
func WithCode(err error, code string) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Cause: err}
}

// CodedError 带有机器可读错误码的错误。
type CodedError struct {
	Code  string
	Cause error
}

func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("[%s]", e.Code)
}

func (e *CodedError) Unwrap() error {
	return e.Cause
}

// GetCode 从错误链中提取错误码。
func GetCode(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// StatusError 服务端返回了非预期的 HTTP 状态码。
//
// 404 映射为 ErrNotFound，5xx 与 429 映射为 ErrUnavailable，
// 因此调用方既可以用 errors.Is 判断类别，也可以用 errors.As 拿到原始状态码和响应体。
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// Is 让 StatusError 与对应的哨兵错误匹配。
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrUnavailable:
		return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
	}
	return false
}

// Status 返回错误链中的 HTTP 状态码，不存在时返回 0。
func Status(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// Must 如果 err 不为 nil，则 panic。仅用于初始化阶段。
func Must[T any](v T, err error) T {
	if err != nil {
		panic(fmt.Sprintf("must: %v", err))
	}
	return v
}

// Collector 收集多个错误，保留第一个。
type Collector struct {
	err error
}

func (c *Collector) Collect(err error) {
	if err != nil && c.err == nil {
		c.err = err
	}
}

func (c *Collector) Err() error {
	return c.err
}

// MultiError 合并多个错误。
type MultiError struct {
	Errors []error
}

func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%v (and %d more errors)", m.Errors[0], len(m.Errors)-1)
}

func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Combine 将多个错误合并为一个。停止流程中关闭多个资源时使用。
func Combine(errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return &MultiError{Errors: nonNil}
	}
}

// 标准库函数再导出
var (
	New    = errors.New
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	Join   = errors.Join
)
