package metrics

import "strconv"

// 通用标签名
const (
	LabelService     = "service"
	LabelOperation   = "operation"
	LabelMethod      = "method"
	LabelRoute       = "route"
	LabelStatusClass = "status_class"
	LabelOutcome     = "outcome"
)

// 操作类型
const (
	OperationHTTPServer = "http.server"
	OperationHTTPClient = "http.client"
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// UnknownRoute 未命中路由时的 route 标签值
const UnknownRoute = "unknown"

// HTTPStatusClass 返回 1xx/2xx/3xx/4xx/5xx；status 为 0 表示请求未得到响应，记为 "none"
func HTTPStatusClass(status int) string {
	if status == 0 {
		return "none"
	}
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

// HTTPOutcome 2xx/3xx 记为成功。304 是注册中心的"未变化"应答，同样属于成功。
func HTTPOutcome(status int) string {
	if status >= 200 && status < 400 {
		return OutcomeSuccess
	}
	return OutcomeError
}
