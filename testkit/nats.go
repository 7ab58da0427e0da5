package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	natscontainer "github.com/testcontainers/testcontainers-go/modules/nats"

	"github.com/ceyewan/servicecomb/connector"
)

// NewNATSContainerConfig 使用 testcontainers 启动 NATS 容器并返回配置。
// Docker 不可用时跳过测试，生命周期由 t.Cleanup 管理。
func NewNATSContainerConfig(t *testing.T) *connector.NATSConfig {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	container, err := natscontainer.Run(ctx, "nats:2.10-alpine")
	require.NoError(t, err, "failed to start NATS container")
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	return &connector.NATSConfig{
		Name:          "testcontainer-nats",
		URL:           "nats://" + host + ":" + mappedPort.Port(),
		MaxReconnects: 10,
		ReconnectWait: 100 * time.Millisecond,
	}
}

// NewNATSContainerConnector 启动 NATS 容器并返回已连接的连接器
func NewNATSContainerConnector(t *testing.T) connector.NATSConnector {
	t.Helper()
	cfg := NewNATSContainerConfig(t)

	conn, err := connector.NewNATS(cfg, connector.WithLogger(NewLogger()))
	require.NoError(t, err, "failed to create nats connector")
	require.NoError(t, conn.Connect(context.Background()), "failed to connect to nats")
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

// NewNATSContainerConn 启动 NATS 容器并返回原生连接
func NewNATSContainerConn(t *testing.T) *nats.Conn {
	t.Helper()
	return NewNATSContainerConnector(t).GetClient()
}
