package etcdstore

import (
	"strings"
	"time"

	"github.com/ceyewan/servicecomb/xerrors"
)

// Config etcd 注册存储配置
type Config struct {
	// Prefix etcd key 前缀，默认 "/servicecomb"
	Prefix string `mapstructure:"prefix" yaml:"prefix" json:"prefix"`

	// LeaseTTL 实例租约时长，默认 30s。心跳间隔应明显小于它。
	LeaseTTL time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl" json:"lease_ttl"`

	// RetryInterval 监听中断后的重试间隔，默认 1s
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval" json:"retry_interval"`
}

func (c *Config) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = "/servicecomb"
	}
	c.Prefix = strings.TrimRight(c.Prefix, "/")
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = time.Second
	}
}

func (c *Config) validate() error {
	if c.LeaseTTL < time.Second {
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "lease ttl %s is less than 1s", c.LeaseTTL)
	}
	return nil
}
