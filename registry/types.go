package registry

import "context"

// 实例状态
const (
	StatusUp           = "UP"
	StatusDown         = "DOWN"
	StatusStarting     = "STARTING"
	StatusOutOfService = "OUTOFSERVICE"
)

// Microservice 微服务描述。ServiceID 在注册成功前为空。
type Microservice struct {
	ServiceID   string            `json:"serviceId,omitempty"`
	AppID       string            `json:"appId"`
	ServiceName string            `json:"serviceName"`
	Version     string            `json:"version"`
	Environment string            `json:"environment,omitempty"`
	Schemas     []string          `json:"schemas,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// MicroserviceInstance 实例描述，属于唯一的 Microservice
type MicroserviceInstance struct {
	InstanceID  string            `json:"instanceId,omitempty"`
	ServiceID   string            `json:"serviceId,omitempty"`
	Endpoints   []string          `json:"endpoints"`
	HostName    string            `json:"hostName"`
	Status      string            `json:"status,omitempty"`
	Version     string            `json:"version,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"`

	// Microservice 实例所属的微服务，由 Discovery 拉取后填充，只读
	Microservice *Microservice `json:"-"`
}

// SchemaInfo 契约描述，交给 Registration 后不再修改
type SchemaInfo struct {
	SchemaID string `json:"schemaId"`
	Schema   string `json:"schema"`
	Summary  string `json:"summary"`
}

// FindInstancesResult 条件查询结果。Modified 为 false 时 Revision 与 Instances 无意义。
type FindInstancesResult struct {
	Modified  bool
	Revision  string
	Instances []MicroserviceInstance
}

// Client 注册中心调用能力。
//
// 任何非成功的结果都以 error 返回，包括格式正确但缺少关键字段的响应。
// QueryServiceID 在服务不存在时返回空字符串和 nil。
type Client interface {
	QueryServiceID(ctx context.Context, svc *Microservice) (string, error)
	GetMicroservice(ctx context.Context, serviceID string) (*Microservice, error)
	RegisterMicroservice(ctx context.Context, svc *Microservice) (string, error)
	RegisterSchema(ctx context.Context, serviceID string, schema SchemaInfo) error
	RegisterInstance(ctx context.Context, inst *MicroserviceInstance) (string, error)
	FindInstances(ctx context.Context, consumerID, appID, serviceName, versionRule, revision string) (*FindInstancesResult, error)
	Heartbeat(ctx context.Context, serviceID, instanceID string) error
	DeleteInstance(ctx context.Context, serviceID, instanceID string) error
}
