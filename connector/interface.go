// Package connector 管理 etcd 与 NATS 的连接生命周期。
//
// 连接器拥有底层客户端，组件（etcdstore、事件桥）只借用它，不负责关闭。
// NewXXX 只校验配置并构造客户端，Connect 时才确认连通；Connect 与 Close 均可重复调用。
//
// 基本使用：
//
//	conn, err := connector.NewEtcd(&cfg.Etcd, connector.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//	if err := conn.Connect(ctx); err != nil {
//		return err
//	}
//	store, err := etcdstore.New(conn, &cfg.EtcdStore)
package connector

import (
	"context"

	"github.com/nats-io/nats.go"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Connector 所有连接器的通用行为，方法并发安全
type Connector interface {
	// Connect 建立连接，幂等
	Connect(ctx context.Context) error

	// Close 关闭连接并释放资源，幂等
	Close() error

	// HealthCheck 发送探测请求并更新健康状态缓存
	HealthCheck(ctx context.Context) error

	// IsHealthy 返回最近一次探测结果，不阻塞
	IsHealthy() bool

	// Name 连接器名称，用于日志与指标
	Name() string
}

// TypedConnector 提供类型安全的客户端访问
type TypedConnector[T any] interface {
	Connector

	// GetClient 返回底层客户端。Connect 之前或 Close 之后可能为 nil。
	GetClient() T
}

// EtcdConnector etcd 连接器，供 registry/etcdstore 使用
type EtcdConnector interface {
	TypedConnector[*clientv3.Client]
}

// NATSConnector NATS 连接器，供事件桥转发注册事件使用
type NATSConnector interface {
	TypedConnector[*nats.Conn]
}
