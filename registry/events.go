package registry

// MicroserviceRegisteredEvent 微服务注册结果
type MicroserviceRegisteredEvent struct {
	Success   bool
	ServiceID string
}

// SchemaRegisteredEvent 契约注册结果
type SchemaRegisteredEvent struct {
	Success bool
}

// InstanceRegisteredEvent 实例注册结果
type InstanceRegisteredEvent struct {
	Success    bool
	ServiceID  string
	InstanceID string
}

// HeartbeatEvent 心跳结果
type HeartbeatEvent struct {
	Success bool
}

// InstanceChangedEvent 某个 (appId, serviceName) 的实例列表发生变化。
// Revision 与 Instances 来自同一次响应。
type InstanceChangedEvent struct {
	AppID       string
	ServiceName string
	Revision    string
	Instances   []MicroserviceInstance
}

// PullInstanceEvent 要求立即拉取一次实例，由 Watch 收到推送时发布
type PullInstanceEvent struct{}

// RefreshEndpointEvent 注册中心集群拓扑变化，携带同 zone 与同 region 的地址
type RefreshEndpointEvent struct {
	SameZone   []string
	SameRegion []string
}
