package clog

import "fmt"

// New 创建一个新的 Logger 实例
//
// config 为 nil 时使用 DefaultConfig()。
func New(config *Config, opts ...Option) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return newLogger(config, applyOptions(opts...))
}
