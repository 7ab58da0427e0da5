package config

import (
	"os"

	"github.com/ceyewan/servicecomb/admin"
	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/configcenter"
	"github.com/ceyewan/servicecomb/connector"
	"github.com/ceyewan/servicecomb/metrics"
	"github.com/ceyewan/servicecomb/registry"
	"github.com/ceyewan/servicecomb/registry/etcdstore"
	"github.com/ceyewan/servicecomb/trace"
	"github.com/ceyewan/servicecomb/xerrors"
)

// 注册中心后端
const (
	BackendServiceCenter = "servicecenter"
	BackendEtcd          = "etcd"
)

// AppConfig 一个接入进程的完整配置
type AppConfig struct {
	Log     clog.Config    `mapstructure:"log" yaml:"log" json:"log"`
	Metrics metrics.Config `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	Trace   trace.Config   `mapstructure:"trace" yaml:"trace" json:"trace"`

	Service ServiceConfig `mapstructure:"service" yaml:"service" json:"service"`

	// Backend 注册中心后端，servicecenter（默认）或 etcd
	Backend   string               `mapstructure:"backend" yaml:"backend" json:"backend"`
	Registry  registry.Config      `mapstructure:"registry" yaml:"registry" json:"registry"`
	EtcdStore etcdstore.Config     `mapstructure:"etcd_store" yaml:"etcd_store" json:"etcd_store"`
	Etcd      connector.EtcdConfig `mapstructure:"etcd" yaml:"etcd" json:"etcd"`

	// ConfigCenter ServerURI 为空时不启用配置中心
	ConfigCenter configcenter.Config `mapstructure:"config_center" yaml:"config_center" json:"config_center"`

	// NATS URL 为空时不启用事件桥接
	NATS       connector.NATSConfig `mapstructure:"nats" yaml:"nats" json:"nats"`
	NATSPrefix string               `mapstructure:"nats_prefix" yaml:"nats_prefix" json:"nats_prefix"`

	Admin admin.Config `mapstructure:"admin" yaml:"admin" json:"admin"`
}

// ServiceConfig 当前进程注册的微服务、实例与订阅
type ServiceConfig struct {
	AppID       string            `mapstructure:"app_id" yaml:"app_id" json:"app_id"`
	Name        string            `mapstructure:"name" yaml:"name" json:"name"`
	Version     string            `mapstructure:"version" yaml:"version" json:"version"`
	Environment string            `mapstructure:"environment" yaml:"environment" json:"environment"`
	Properties  map[string]string `mapstructure:"properties" yaml:"properties" json:"properties"`

	// HostName 为空时取 os.Hostname
	HostName  string   `mapstructure:"host_name" yaml:"host_name" json:"host_name"`
	Endpoints []string `mapstructure:"endpoints" yaml:"endpoints" json:"endpoints"`

	Schemas       []SchemaConfig       `mapstructure:"schemas" yaml:"schemas" json:"schemas"`
	Subscriptions []SubscriptionConfig `mapstructure:"subscriptions" yaml:"subscriptions" json:"subscriptions"`
}

// SchemaConfig 契约内容可以内联，也可以从文件读取
type SchemaConfig struct {
	ID      string `mapstructure:"id" yaml:"id" json:"id"`
	Summary string `mapstructure:"summary" yaml:"summary" json:"summary"`
	Content string `mapstructure:"content" yaml:"content" json:"content"`
	File    string `mapstructure:"file" yaml:"file" json:"file"`
}

// SubscriptionConfig 需要发现的目标服务
type SubscriptionConfig struct {
	AppID       string `mapstructure:"app_id" yaml:"app_id" json:"app_id"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name" json:"service_name"`
}

// LoadApp 从已加载的 loader 解析 AppConfig 并校验
func LoadApp(l Loader) (*AppConfig, error) {
	app := &AppConfig{}
	if err := l.Unmarshal(app); err != nil {
		return nil, xerrors.Wrap(err, "unmarshal app config")
	}
	if err := app.Validate(); err != nil {
		return nil, err
	}
	return app, nil
}

// Validate 校验跨组件约束，组件自身的取值范围由各组件校验
func (c *AppConfig) Validate() error {
	if c.Backend == "" {
		c.Backend = BackendServiceCenter
	}
	switch c.Backend {
	case BackendServiceCenter:
		if len(c.Registry.Addresses) == 0 {
			return xerrors.Wrap(ErrValidationFailed, "registry.addresses is required")
		}
	case BackendEtcd:
		if len(c.Etcd.Endpoints) == 0 {
			return xerrors.Wrap(ErrValidationFailed, "etcd.endpoints is required")
		}
	default:
		return xerrors.Wrapf(ErrValidationFailed, "unknown backend %q", c.Backend)
	}

	if c.Service.AppID == "" || c.Service.Name == "" || c.Service.Version == "" {
		return xerrors.Wrap(ErrValidationFailed, "service.app_id, service.name and service.version are required")
	}
	for _, s := range c.Service.Schemas {
		if s.ID == "" {
			return xerrors.Wrap(ErrValidationFailed, "schema id is required")
		}
		if s.Content == "" && s.File == "" {
			return xerrors.Wrapf(ErrValidationFailed, "schema %s has neither content nor file", s.ID)
		}
	}
	for _, s := range c.Service.Subscriptions {
		if s.AppID == "" || s.ServiceName == "" {
			return xerrors.Wrap(ErrValidationFailed, "subscription needs app_id and service_name")
		}
	}

	if c.ConfigCenterEnabled() && c.ConfigCenter.ServiceName == "" {
		c.ConfigCenter.ServiceName = c.Service.Name + "@" + c.Service.AppID + "#" + c.Service.Version
	}
	if c.NATSPrefix == "" {
		c.NATSPrefix = "servicecomb"
	}
	if c.Admin.ServiceName == "" {
		c.Admin.ServiceName = c.Service.Name
	}
	return nil
}

// ConfigCenterEnabled 是否配置了配置中心
func (c *AppConfig) ConfigCenterEnabled() bool {
	return len(c.ConfigCenter.ServerURI) > 0
}

// NATSEnabled 是否配置了事件桥接
func (c *AppConfig) NATSEnabled() bool {
	return c.NATS.URL != ""
}

// Microservice 转为注册用的微服务描述，Schemas 取契约 ID
func (c *AppConfig) Microservice() registry.Microservice {
	svc := registry.Microservice{
		AppID:       c.Service.AppID,
		ServiceName: c.Service.Name,
		Version:     c.Service.Version,
		Environment: c.Service.Environment,
		Properties:  c.Service.Properties,
	}
	for _, s := range c.Service.Schemas {
		svc.Schemas = append(svc.Schemas, s.ID)
	}
	return svc
}

// Instance 转为注册用的实例描述
func (c *AppConfig) Instance() (registry.MicroserviceInstance, error) {
	host := c.Service.HostName
	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			return registry.MicroserviceInstance{}, xerrors.Wrap(err, "resolve hostname")
		}
		host = h
	}
	return registry.MicroserviceInstance{
		Endpoints: c.Service.Endpoints,
		HostName:  host,
		Status:    registry.StatusUp,
		Version:   c.Service.Version,
	}, nil
}

// SchemaInfos 读取契约内容，File 优先于 Content
func (c *AppConfig) SchemaInfos() ([]registry.SchemaInfo, error) {
	out := make([]registry.SchemaInfo, 0, len(c.Service.Schemas))
	for _, s := range c.Service.Schemas {
		content := s.Content
		if s.File != "" {
			raw, err := os.ReadFile(s.File)
			if err != nil {
				return nil, xerrors.Wrapf(err, "read schema %s", s.ID)
			}
			content = string(raw)
		}
		out = append(out, registry.SchemaInfo{SchemaID: s.ID, Schema: content, Summary: s.Summary})
	}
	return out, nil
}
