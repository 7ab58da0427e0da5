package registry

import (
	"time"

	"github.com/ceyewan/servicecomb/transport/rest"
	"github.com/ceyewan/servicecomb/xerrors"
)

const (
	// DefaultProject 默认项目名
	DefaultProject = "default"

	// 心跳间隔、心跳超时与拉取间隔的合法范围
	minInterval = time.Second
	maxInterval = 600 * time.Second
)

// Config 注册中心客户端配置
type Config struct {
	// Addresses 注册中心地址，例如 http://127.0.0.1:30100
	Addresses []string `mapstructure:"addresses" yaml:"addresses" json:"addresses"`

	// Project 项目名，拼接在 /v4/ 之后，默认 "default"
	Project string `mapstructure:"project" yaml:"project" json:"project"`

	// Timeout 单次注册中心调用超时，默认 5s
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`

	// HeartbeatInterval 心跳间隔，默认 30s，合法范围 [1s, 600s]
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval" json:"heartbeat_interval"`

	// HeartbeatTimeout 心跳请求超时，默认 5s，合法范围 [1s, 600s]
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout" json:"heartbeat_timeout"`

	// PollInterval 实例轮询间隔，默认 15s，合法范围 [1s, 600s]
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`

	// PullRate 推送触发的额外拉取每秒上限，默认 1
	PullRate float64 `mapstructure:"pull_rate" yaml:"pull_rate" json:"pull_rate"`

	// CanRewriteSchema 服务已存在但契约 id 不一致时重新注册契约
	CanRewriteSchema bool `mapstructure:"can_rewrite_schema" yaml:"can_rewrite_schema" json:"can_rewrite_schema"`

	// IgnoreSchemaDifferent 忽略契约 id 不一致，不打印告警
	IgnoreSchemaDifferent bool `mapstructure:"ignore_schema_different" yaml:"ignore_schema_different" json:"ignore_schema_different"`

	// UnregisterOnStop 停止时注销实例
	UnregisterOnStop bool `mapstructure:"unregister_on_stop" yaml:"unregister_on_stop" json:"unregister_on_stop"`

	// Watch 是否开启推送通道
	Watch bool `mapstructure:"watch" yaml:"watch" json:"watch"`

	// Username/Password 非空时启用 RBAC 令牌鉴权
	Username string `mapstructure:"username" yaml:"username" json:"username"`
	Password string `mapstructure:"password" yaml:"password" json:"-"`

	// GRPCScheme gRPC resolver 的 scheme，默认 "cse"
	GRPCScheme string `mapstructure:"grpc_scheme" yaml:"grpc_scheme" json:"grpc_scheme"`

	REST rest.Config `mapstructure:"rest" yaml:"rest" json:"rest"`
}

func (c *Config) setDefaults() {
	if c.Project == "" {
		c.Project = DefaultProject
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.PullRate <= 0 {
		c.PullRate = 1
	}
	if c.GRPCScheme == "" {
		c.GRPCScheme = "cse"
	}
	if c.REST.Service == "" {
		c.REST.Service = "service-center"
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if len(c.Addresses) == 0 {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "registry addresses are required")
	}
	if c.Username != "" && c.Password == "" {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "registry password is required when username is set")
	}
	return nil
}

// withDefaults 返回填充默认值后的副本
func (c *Config) withDefaults() Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	out.setDefaults()
	return out
}

func validInterval(d time.Duration) bool {
	return d >= minInterval && d <= maxInterval
}
