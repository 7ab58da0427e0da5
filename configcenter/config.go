package configcenter

import (
	"time"

	"github.com/ceyewan/servicecomb/transport/rest"
	"github.com/ceyewan/servicecomb/xerrors"
)

// RefreshMode 刷新模式
type RefreshMode int

const (
	// RefreshModePush 建立推送通道，依赖服务端推送；通道断开后的下一个周期重新拉取并重连
	RefreshModePush RefreshMode = 0
	// RefreshModePull 每个周期带 revision 拉取一次
	RefreshModePull RefreshMode = 1
)

func (m RefreshMode) String() string {
	switch m {
	case RefreshModePush:
		return "push"
	case RefreshModePull:
		return "pull"
	default:
		return "unknown"
	}
}

// Config 配置中心客户端配置
type Config struct {
	// ServerURI 配置中心地址，例如 http://127.0.0.1:30113
	ServerURI []string `mapstructure:"server_uri" yaml:"server_uri" json:"server_uri"`

	// RefreshMode 0 推送，1 拉取
	RefreshMode RefreshMode `mapstructure:"refresh_mode" yaml:"refresh_mode" json:"refresh_mode"`

	// RefreshInterval 刷新周期，默认 30s
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval" json:"refresh_interval"`

	// FirstRefreshInterval 首次刷新之后到第二次刷新的间隔，默认 0
	FirstRefreshInterval time.Duration `mapstructure:"first_refresh_interval" yaml:"first_refresh_interval" json:"first_refresh_interval"`

	// RefreshPort 推送通道端口，0 表示与 ServerURI 相同
	RefreshPort int `mapstructure:"refresh_port" yaml:"refresh_port" json:"refresh_port"`

	// HeartbeatInterval 推送通道 ping 间隔，默认 30s
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval" json:"heartbeat_interval"`

	// Timeout 单次拉取超时，默认 9s
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`

	// TenantName 对应 x-domain-name 头，默认 "default"
	TenantName string `mapstructure:"tenant_name" yaml:"tenant_name" json:"tenant_name"`

	// ServiceName 拉取维度（dimensionsInfo），例如 "order@default#1.0.0"
	ServiceName string `mapstructure:"service_name" yaml:"service_name" json:"service_name"`

	// Environment 对应 x-environment 头
	Environment string `mapstructure:"environment" yaml:"environment" json:"environment"`

	// Token 非空时附加 X-Auth-Token 头
	Token string `mapstructure:"token" yaml:"token" json:"-"`

	// AutoDiscovery 启动时从 /configuration/members 刷新地址池
	AutoDiscovery bool `mapstructure:"auto_discovery" yaml:"auto_discovery" json:"auto_discovery"`

	REST rest.Config `mapstructure:"rest" yaml:"rest" json:"rest"`
}

func (c *Config) setDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 30 * time.Second
	}
	if c.FirstRefreshInterval < 0 {
		c.FirstRefreshInterval = 0
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 9 * time.Second
	}
	if c.TenantName == "" {
		c.TenantName = "default"
	}
	if c.REST.Service == "" {
		c.REST.Service = "config-center"
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if len(c.ServerURI) == 0 {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "config center server uri is required")
	}
	if c.RefreshMode != RefreshModePush && c.RefreshMode != RefreshModePull {
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "refresh mode must be 0 or 1, got %d", c.RefreshMode)
	}
	if c.ServiceName == "" {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "config center service name is required")
	}
	if c.RefreshPort < 0 || c.RefreshPort > 65535 {
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "invalid refresh port %d", c.RefreshPort)
	}
	return nil
}
