package connector

import (
	"time"

	"github.com/ceyewan/servicecomb/xerrors"
)

// EtcdConfig etcd 连接配置
type EtcdConfig struct {
	Name string `mapstructure:"name" yaml:"name" json:"name"` // 连接器名称 (默认: "default")

	Endpoints []string `mapstructure:"endpoints" yaml:"endpoints" json:"endpoints"` // [必填] 连接地址列表
	Username  string   `mapstructure:"username" yaml:"username" json:"username"`    // [可选] 认证用户
	Password  string   `mapstructure:"password" yaml:"password" json:"-"`           // [可选] 认证密码

	DialTimeout      time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" json:"dial_timeout"`                   // 连接超时 (默认: 5s)
	KeepAliveTime    time.Duration `mapstructure:"keep_alive_time" yaml:"keep_alive_time" json:"keep_alive_time"`          // 心跳间隔 (默认: 10s)
	KeepAliveTimeout time.Duration `mapstructure:"keep_alive_timeout" yaml:"keep_alive_timeout" json:"keep_alive_timeout"` // 心跳超时 (默认: 3s)
}

// SetDefaults 设置默认值
func (c *EtcdConfig) SetDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.KeepAliveTime == 0 {
		c.KeepAliveTime = 10 * time.Second
	}
	if c.KeepAliveTimeout == 0 {
		c.KeepAliveTimeout = 3 * time.Second
	}
}

// Validate 填充默认值后校验
func (c *EtcdConfig) Validate() error {
	c.SetDefaults()
	if len(c.Endpoints) == 0 {
		return xerrors.Wrap(ErrConfig, "etcd endpoints are required")
	}
	if c.Username != "" && c.Password == "" {
		return xerrors.Wrap(ErrConfig, "etcd password is required when username is set")
	}
	return nil
}

// NATSConfig NATS 连接配置
type NATSConfig struct {
	Name string `mapstructure:"name" yaml:"name" json:"name"` // 连接器名称 (默认: "default")

	URL      string `mapstructure:"url" yaml:"url" json:"url"`                // [必填] 连接地址，如 "nats://127.0.0.1:4222"
	Username string `mapstructure:"username" yaml:"username" json:"username"` // [可选] 用户名
	Password string `mapstructure:"password" yaml:"password" json:"-"`        // [可选] 密码
	Token    string `mapstructure:"token" yaml:"token" json:"-"`              // [可选] 令牌

	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`                      // 连接超时 (默认: 5s)
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects" json:"max_reconnects"` // 最大重连次数 (默认: 60)
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait" json:"reconnect_wait"` // 重连等待时间 (默认: 2s)
	PingInterval  time.Duration `mapstructure:"ping_interval" yaml:"ping_interval" json:"ping_interval"`    // ping 间隔 (默认: 2m)
	MaxPingsOut   int           `mapstructure:"max_pings_out" yaml:"max_pings_out" json:"max_pings_out"`    // 最大未响应 ping 数 (默认: 2)
}

// SetDefaults 设置默认值
func (c *NATSConfig) SetDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 60
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 2 * time.Minute
	}
	if c.MaxPingsOut == 0 {
		c.MaxPingsOut = 2
	}
}

// Validate 填充默认值后校验
func (c *NATSConfig) Validate() error {
	c.SetDefaults()
	if c.URL == "" {
		return xerrors.Wrap(ErrConfig, "nats url is required")
	}
	return nil
}
