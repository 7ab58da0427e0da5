// Package config 基于 Viper 的多源配置加载。
//
// 优先级：环境变量 > .env > 环境特定配置 (config.<env>.yaml) > 基础配置。
// 环境由 <PREFIX>_ENV 选择，默认前缀 SERVICECOMB。
//
//	loader, _ := config.New(&config.Config{Paths: []string{"./conf"}})
//	if err := loader.Load(ctx); err != nil { ... }
//	app, err := config.LoadApp(loader)
//
//	ch, _ := loader.Watch(ctx, "log.level")
//	for ev := range ch { logger.SetLevel(...) }
package config

import (
	"context"
	"time"
)

// Loader 配置加载器
type Loader interface {
	// Load 读取所有来源并开始监听文件变化
	Load(ctx context.Context) error

	Get(key string) any

	Unmarshal(v any) error

	UnmarshalKey(key string, v any) error

	// Watch 监听指定 key 的变化，ctx 取消后通道关闭
	Watch(ctx context.Context, key string) (<-chan Event, error)

	Validate() error
}

// Event 配置变更事件
type Event struct {
	Key       string
	Value     any
	OldValue  any
	Source    string
	Timestamp time.Time
}
