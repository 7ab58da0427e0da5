package configcenter

// ConnSuccEvent 一次成功的拉取或推送通道 ping
type ConnSuccEvent struct{}

// ConnFailEvent 拉取失败、响应无法解析或 ping 失败
type ConnFailEvent struct {
	Reason string
}

// 配置变更动作
const (
	ActionCreate = "create"
	ActionSet    = "set"
	ActionDelete = "delete"
)

// UpdateHandler 接收一批同类变更。items 为展开后的 key → value，删除时 value 为删除前的值。
// 回调在刷新 goroutine 上同步执行，不能阻塞，也不能再调用 Items 的刷新方法。
type UpdateHandler func(action string, items map[string]any)
